package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devkiln/kiln/pkg/config"
	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/manager"
	"github.com/devkiln/kiln/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	targetName string
	verbose    bool
	jsonOutput bool

	version = "dev"
)

// errFailures is returned when a run finished but some extensions failed.
var errFailures = errors.New("one or more extensions failed")

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled) || engine.IsCancelled(err):
		return 130
	case engine.ClassOf(err) == engine.ErrorClassConfig:
		return 2
	default:
		return 1
	}
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "kiln - extension installer for development environments",
		Long: `kiln installs curated extensions (toolchains, runtimes, CLIs) onto a
target machine from a registry of declarative manifests.

Features:
  - Dependency resolution with version constraints and conflicts
  - Profiles of extensions installed in dependency order, in parallel
  - Signed, checksummed artifact downloads with a local cache
  - Rego admission policies checked against target capacity
  - Local and SSH targets
  - An append-only ledger of every lifecycle transition
  - Bill of materials export in JSON, YAML or TOML`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default: $KILN_CONFIG, ./kiln.cue)")
	rootCmd.PersistentFlags().StringVarP(&targetName, "target", "t", config.DefaultTarget, "target to operate on")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newBomCommand())
	rootCmd.AddCommand(newProfilesCommand())
	rootCmd.AddCommand(newExtensionsCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}

// loadConfig reads the configuration selected by --config, falling back to
// built-in defaults relative to the working directory.
func loadConfig(ctx context.Context) (*config.Config, error) {
	path := config.Find(configPath)
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		log.Debug().Str("base", wd).Msg("No configuration file, using defaults")
		return config.Default(wd), nil
	}
	log.Debug().Str("path", path).Msg("Loading configuration")
	return config.NewLoader().Load(ctx, path)
}

// session is a loaded configuration with its telemetry and manager.
type session struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	manager   *manager.Manager
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	tc := cfg.TelemetryFor(version)
	if verbose {
		tc.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	m, err := manager.New(ctx, cfg, manager.Options{Telemetry: tel})
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	return &session{cfg: cfg, telemetry: tel, manager: m}, nil
}

// Close releases targets and flushes telemetry.
func (s *session) Close(ctx context.Context) {
	if err := s.manager.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close targets")
	}
	if err := s.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// withSession runs fn with an open session and closes it afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return fn(ctx, s)
}
