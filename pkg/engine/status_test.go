package engine

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseNotRequested, PhaseRequested, true},
		{"", PhaseRequested, true},
		{PhaseRequested, PhaseFetching, true},
		{PhaseFetching, PhaseConfiguring, true},
		{PhaseConfiguring, PhaseInstalling, true},
		{PhaseInstalling, PhaseValidating, true},
		{PhaseValidating, PhaseInstalled, true},
		{PhaseInstalled, PhaseRemoving, true},
		{PhaseRemoving, PhaseRemoved, true},
		{PhaseInstalled, PhaseRequested, true},
		{PhaseRequested, PhaseValidating, true},
		{PhaseInstalling, PhaseFailed, true},
		{PhaseFetching, PhaseFailed, true},
		{PhaseNotRequested, PhaseFailed, false},
		{PhaseNotRequested, PhaseInstalling, false},
		{PhaseFetching, PhaseInstalled, false},
		{PhaseRemoved, PhaseInstalled, false},
		{PhaseInstalled, PhaseFetching, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition("git", PhaseRequested, PhaseFetching); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	err := ValidateTransition("git", PhaseRemoved, PhaseInstalled)
	if CodeOf(err) != ErrCodeInvalidTransition {
		t.Errorf("Expected INVALID_TRANSITION, got %v", err)
	}

	if err := ValidateTransition("git", PhaseRequested, Phase("bogus")); err == nil {
		t.Error("Expected error for unknown phase")
	}
}

func TestPhase_IsTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseInstalled, PhaseFailed, PhaseRemoved} {
		if !p.IsTerminal() {
			t.Errorf("Expected %s to be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseRequested, PhaseFetching, PhaseInstalling, PhaseRemoving} {
		if p.IsTerminal() {
			t.Errorf("Expected %s not to be terminal", p)
		}
	}
}

func TestRequirements_Timeout(t *testing.T) {
	r := Requirements{InstallTime: 10 * time.Second}
	if got := r.Timeout(3); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}

	if got := (Requirements{}).Timeout(0); got != DefaultInstallTime {
		t.Errorf("Expected default install time, got %v", got)
	}
}

func TestEngineError_Classification(t *testing.T) {
	err := NewSecurityError("checksum mismatch", nil).
		WithCode(ErrCodeChecksumMismatch).
		WithResource("node")

	if !errors.Is(err, ErrChecksumMismatch) {
		t.Error("Expected errors.Is to match ErrChecksumMismatch")
	}
	if errors.Is(err, ErrSignatureInvalid) {
		t.Error("Expected errors.Is not to match ErrSignatureInvalid")
	}
	if !IsSecurity(err) || IsRetryable(err) {
		t.Error("Expected a non-retryable security error")
	}

	wrapped := NewTransientError("fetch failed", errors.New("connection reset")).WithCode(ErrCodeNetwork)
	if !IsRetryable(wrapped) {
		t.Error("Expected network error to be retryable")
	}
	if got := wrapped.Error(); got != "[transient] fetch failed: connection reset" {
		t.Errorf("Unexpected message %q", got)
	}
}

func TestReport_Filters(t *testing.T) {
	report := &Report{Results: []ExtensionResult{
		{Name: "a", Outcome: OutcomeInstalled},
		{Name: "b", Outcome: OutcomeFailed},
		{Name: "c", Outcome: OutcomeSkipped, Reason: ReasonBlocked},
	}}

	if len(report.Installed()) != 1 || len(report.Failed()) != 1 || len(report.Skipped()) != 1 {
		t.Errorf("Unexpected partition: %+v", report.Results)
	}
	if !report.HasFailures() {
		t.Error("Expected HasFailures")
	}
	if res, ok := report.Result("c"); !ok || res.Reason != ReasonBlocked {
		t.Errorf("Expected c to be blocked, got %+v", res)
	}
}
