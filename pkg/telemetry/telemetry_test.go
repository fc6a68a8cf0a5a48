package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "empty service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("installer").
		WithRunID("run-1").
		WithTarget("local").
		WithExtension("docker", "24.0.7").
		WithError(errors.New("boom")).
		Error("install failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}

	want := map[string]string{
		"component": "installer",
		"run_id":    "run-1",
		"target":    "local",
		"extension": "docker",
		"version":   "24.0.7",
		"error":     "boom",
		"message":   "install failed",
		"level":     "error",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%q, got %v", k, v, entry[k])
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("expected info message to be filtered")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("expected warn message to be written")
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected a default logger")
	}

	logger := NewWriterLogger(io.Discard, LoggingConfig{Level: "info", Format: "json"})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected logger from context")
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordFetch("hit", 10)
	m.RecordOutcome("local", "installed")
	m.StepStarted()()

	if m.Enabled() {
		t.Error("expected disabled metrics")
	}
	if err := m.Serve(context.Background()); err == nil {
		t.Error("expected Serve to fail when disabled")
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordFetch("miss", 2048)
	m.RecordOutcome("local", "installed")
	m.RecordLedgerEvent("installed")
	m.RecordError("security", "CHECKSUM_MISMATCH")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`kiln_artifact_fetches_total{result="miss"} 1`,
		`kiln_artifact_bytes_total 2048`,
		`kiln_extension_outcomes_total{outcome="installed",target="local"} 1`,
		`kiln_errors_total{class="security",code="CHECKSUM_MISMATCH"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestEventPublisherOrderAndFilter(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})

	var (
		mu  sync.Mutex
		got []string
	)
	ep.Subscribe(func(ev engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Extension+":"+string(ev.Phase))
	}, FilterByTarget("local"))

	events := []engine.Event{
		{Target: "local", Extension: "a", Phase: engine.PhaseRequested},
		{Target: "remote", Extension: "b", Phase: engine.PhaseRequested},
		{Target: "local", Extension: "a", Phase: engine.PhaseFetching},
	}
	for _, ev := range events {
		if err := ep.Publish(ev); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}

	want := []string{"a:requested", "a:fetching"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}

	if err := ep.Publish(events[0]); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestEventPublisherNil(t *testing.T) {
	var ep *EventPublisher
	if err := ep.Publish(engine.Event{}); err != nil {
		t.Errorf("expected nil publisher to accept events, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil publisher shutdown to succeed, got %v", err)
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	ic := StartOperation(context.Background(), "install")
	ic.End(errors.New("failed"))
	if ic.Timer.Duration() < 0 {
		t.Error("expected non-negative duration")
	}
}
