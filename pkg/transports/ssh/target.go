// Package ssh runs lifecycle scripts on remote targets over SSH and uploads
// files with SFTP.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Kind is the target kind reported by Info.
const Kind = "ssh"

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Target is an engine.TargetExecutor backed by one SSH connection. The
// connection is opened on first use and shared by concurrent commands.
type Target struct {
	name   string
	config *Config
	logger *telemetry.Logger

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	info   *engine.TargetInfo
	stop   chan struct{}
}

var _ engine.TargetExecutor = (*Target)(nil)

// New creates a Target. It does not connect.
func New(name string, cfg *Config, logger *telemetry.Logger) (*Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Target{
		name:   name,
		config: cfg,
		logger: telemetry.OrNop(logger).NewComponentLogger("target.ssh").WithTarget(name),
	}, nil
}

// Name returns the target name.
func (t *Target) Name() string {
	return t.name
}

// connect returns the live client, dialing if needed.
func (t *Target) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	clientConfig, err := t.config.clientConfig()
	if err != nil {
		return nil, err
	}

	address := t.config.Address()
	dialer := net.Dialer{Timeout: t.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewCancelledError("ssh dial cancelled", err).WithResource(t.name)
		}
		return nil, engine.NewTransientError("failed to reach ssh target", err).
			WithCode(engine.ErrCodeNetwork).
			WithResource(t.name).
			WithDetail("address", address)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, engine.NewSecurityError("ssh handshake failed", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(t.name).
			WithDetail("address", address)
	}

	t.client = ssh.NewClient(sshConn, chans, reqs)
	t.stop = make(chan struct{})
	if t.config.KeepAlive > 0 {
		go t.keepAlive(t.client, t.stop)
	}
	t.logger.Zerolog().Info().Str("address", address).Msg("ssh connection established")
	return t.client, nil
}

func (t *Target) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.WithError(err).Warn("ssh keepalive failed, dropping connection")
				t.drop(client)
				return
			}
		}
	}
}

// drop forgets client so the next call reconnects.
func (t *Target) drop(client *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != client {
		return
	}
	if t.sftp != nil {
		_ = t.sftp.Close()
		t.sftp = nil
	}
	_ = t.client.Close()
	t.client = nil
}

// Close closes the connection.
func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	close(t.stop)
	if t.sftp != nil {
		_ = t.sftp.Close()
		t.sftp = nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// Run executes cmd.Script through the remote login shell. The remote exit
// status is returned in the result. Cancelling ctx kills the remote command.
func (t *Target) Run(ctx context.Context, cmd engine.Command) (*engine.CommandResult, error) {
	script, err := t.script(cmd)
	if err != nil {
		return nil, err
	}

	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		t.drop(client)
		return nil, engine.NewTransientError("failed to open ssh session", err).
			WithCode(engine.ErrCodeNetwork).
			WithResource(t.name)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	if err := session.Start(script); err != nil {
		return nil, engine.NewExecutionError("failed to start remote command", err).
			WithCode(engine.ErrCodeExecutionFailed).
			WithResource(cmd.Name)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return &engine.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)},
			engine.NewCancelledError("remote command interrupted", ctx.Err()).
				WithResource(cmd.Name).
				WithDetail("target", t.name)
	}

	result := &engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return result, engine.NewExecutionError("remote command ended without exit status", err).
			WithCode(engine.ErrCodeExecutionFailed).
			WithResource(cmd.Name)
	}

	t.logger.Zerolog().Debug().
		Str("command", cmd.Name).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("remote command finished")
	return result, nil
}

// script prefixes cmd.Script with the directory change and exports it needs.
// Variables are exported in the script because most servers refuse setenv.
func (t *Target) script(cmd engine.Command) (string, error) {
	var sb strings.Builder
	dir := cmd.Dir
	if dir == "" {
		dir = t.config.WorkDir
	}
	if dir != "" {
		fmt.Fprintf(&sb, "mkdir -p %s && cd %s || exit 1\n", quote(dir), quote(dir))
	}
	for _, k := range slices.Sorted(maps.Keys(cmd.Env)) {
		if !envName.MatchString(k) {
			return "", engine.NewConfigError(fmt.Sprintf("invalid environment variable name %q", k), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(cmd.Name)
		}
		fmt.Fprintf(&sb, "export %s=%s\n", k, quote(cmd.Env[k]))
	}
	sb.WriteString(cmd.Script)
	return sb.String(), nil
}

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Info asks the remote host for its platform once and caches the answer.
func (t *Target) Info(ctx context.Context) (engine.TargetInfo, error) {
	t.mu.Lock()
	cached := t.info
	t.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	res, err := t.Run(ctx, engine.Command{Name: "uname", Script: "uname -s\nuname -m\n"})
	if err != nil {
		return engine.TargetInfo{}, err
	}
	if !res.Success() {
		return engine.TargetInfo{}, engine.NewExecutionError("uname failed on target", nil).
			WithCode(engine.ErrCodeExecutionFailed).
			WithResource(t.name).
			WithDetail("output", res.Output())
	}

	info := parseUname(t.name, res.Stdout)
	t.mu.Lock()
	t.info = &info
	t.mu.Unlock()
	return info, nil
}

var archAliases = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv7l":  "arm",
	"i686":    "386",
	"i386":    "386",
}

func parseUname(name, out string) engine.TargetInfo {
	info := engine.TargetInfo{Name: name, Kind: Kind}
	fields := strings.Fields(out)
	if len(fields) > 0 {
		info.OS = strings.ToLower(fields[0])
	}
	if len(fields) > 1 {
		info.Arch = fields[1]
		if alias, ok := archAliases[fields[1]]; ok {
			info.Arch = alias
		}
	}
	return info
}
