package config

import (
	"fmt"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Config is the decoded and validated kiln.cue.
type Config struct {
	// Registry is the registry root directory.
	Registry string `json:"registry" validate:"required"`

	// CacheDir holds downloaded artifacts and the distributor index.
	CacheDir string `json:"cacheDir" validate:"required"`

	Ledger       LedgerConfig            `json:"ledger"`
	Install      InstallConfig           `json:"install"`
	Distribution DistributionConfig      `json:"distribution"`
	Targets      map[string]TargetConfig `json:"targets,omitempty" validate:"dive"`
	Policy       PolicyConfig            `json:"policy"`
	Secrets      *SecretsConfig          `json:"secrets,omitempty"`
	Telemetry    TelemetryConfig         `json:"telemetry"`

	// SourceFiles lists the files the configuration was read from.
	SourceFiles []string `json:"-"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend string `json:"backend" validate:"oneof=sqlite jsonl"`
	Dir     string `json:"dir" validate:"required"`
}

// InstallConfig holds installer defaults.
type InstallConfig struct {
	Parallelism     int     `json:"parallelism" validate:"min=1,max=64"`
	SafetyFactor    float64 `json:"safetyFactor" validate:"gte=1"`
	ContinueOnError bool    `json:"continueOnError"`
}

// DistributionConfig configures artifact downloads.
type DistributionConfig struct {
	// Attempts is the total number of tries for a retryable download.
	Attempts int    `json:"attempts" validate:"min=1,max=10"`
	Backoff  string `json:"backoff" validate:"required"`

	// Keyring is an armored OpenPGP keyring trusted for artifact signatures.
	Keyring string `json:"keyring,omitempty"`
}

// BackoffDuration parses Backoff.
func (d DistributionConfig) BackoffDuration() time.Duration {
	backoff, err := time.ParseDuration(d.Backoff)
	if err != nil {
		return 2 * time.Second
	}
	return backoff
}

// TargetConfig describes one deployment target.
type TargetConfig struct {
	Kind     string            `json:"kind" validate:"oneof=local ssh"`
	WorkDir  string            `json:"workDir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Capacity CapacityConfig    `json:"capacity"`
	SSH      *SSHConfig        `json:"ssh,omitempty" validate:"required_if=Kind ssh"`
}

// CapacityConfig is what a target declares it can offer.
type CapacityConfig struct {
	MemoryMB int  `json:"memoryMB" validate:"min=0"`
	DiskMB   int  `json:"diskMB" validate:"min=0"`
	GPU      bool `json:"gpu"`
}

// Engine converts the declared capacity.
func (c CapacityConfig) Engine() engine.Capacity {
	return engine.Capacity{MemoryMB: c.MemoryMB, DiskMB: c.DiskMB, GPU: c.GPU}
}

// SSHConfig holds connection settings for ssh targets.
type SSHConfig struct {
	Host       string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int    `json:"port" validate:"min=1,max=65535"`
	User       string `json:"user" validate:"required"`
	KeyPath    string `json:"keyPath,omitempty"`
	KnownHosts string `json:"knownHosts,omitempty"`
	Timeout    string `json:"timeout"`
}

// Address returns host:port.
func (s SSHConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TimeoutDuration parses Timeout.
func (s SSHConfig) TimeoutDuration() time.Duration {
	timeout, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return timeout
}

// PolicyConfig lists admission policies.
type PolicyConfig struct {
	// Modules are .rego or .json policy files and directories.
	Modules         []string `json:"modules"`
	DisableBuiltins bool     `json:"disableBuiltins"`
}

// SecretsConfig points at the secrets source.
type SecretsConfig struct {
	Dotenv string `json:"dotenv" validate:"required"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel       string        `json:"logLevel" validate:"oneof=trace debug info warn error"`
	LogFormat      string        `json:"logFormat" validate:"oneof=console json"`
	Metrics        bool          `json:"metrics"`
	MetricsAddress string        `json:"metricsAddress"`
	Tracing        TracingConfig `json:"tracing"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `json:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
}

// TelemetryFor builds the telemetry configuration for a process.
func (c *Config) TelemetryFor(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.Metrics
	if c.Telemetry.MetricsAddress != "" {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	}
	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	return tc
}

// TargetNames returns the configured target names, sorted.
func (c *Config) TargetNames() []string {
	return sortedKeys(c.Targets)
}

// ValidationError is one problem found in a configuration file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Field != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Field, e.Message)
	case loc != "":
		return loc + ": " + e.Message
	case e.Field != "":
		return e.Field + ": " + e.Message
	default:
		return e.Message
	}
}
