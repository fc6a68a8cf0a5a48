package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/devkiln/kiln/pkg/engine"
)

// Config holds the connection settings of one ssh target.
type Config struct {
	Host string
	Port int
	User string

	// KeyPath is a private key file. When empty the usual ~/.ssh keys are
	// tried.
	KeyPath       string
	KeyPassphrase string

	// Password enables password and keyboard-interactive authentication.
	Password string

	// KnownHosts is the known_hosts file used to verify the server. Empty
	// means ~/.ssh/known_hosts.
	KnownHosts string

	// HostKeyCallback overrides KnownHosts.
	HostKeyCallback ssh.HostKeyCallback

	ConnectTimeout time.Duration

	// KeepAlive is the interval of keepalive requests; zero disables them.
	KeepAlive time.Duration

	// WorkDir is the default remote working directory.
	WorkDir string
}

// DefaultConfig returns a Config for user@host on port 22.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:           host,
		Port:           22,
		User:           user,
		ConnectTimeout: 30 * time.Second,
	}
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks required fields.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return configError("host is required", nil)
	case c.Port <= 0 || c.Port > 65535:
		return configError(fmt.Sprintf("invalid port %d", c.Port), nil)
	case c.User == "":
		return configError("user is required", nil)
	case c.ConnectTimeout <= 0:
		return configError("connect timeout must be positive", nil)
	}
	return nil
}

func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKey := c.HostKeyCallback
	if hostKey == nil {
		path := c.KnownHosts
		if path == "" {
			path = filepath.Join(homeDir(), ".ssh", "known_hosts")
		}
		if hostKey, err = knownhosts.New(path); err != nil {
			return nil, configError("failed to load known_hosts", err).WithDetail("file", path)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	keys := []string{c.KeyPath}
	if c.KeyPath == "" {
		home := homeDir()
		keys = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_ecdsa"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	for _, path := range keys {
		pem, err := os.ReadFile(path)
		if err != nil {
			if c.KeyPath != "" {
				return nil, configError("failed to read private key", err).WithDetail("file", path)
			}
			continue
		}
		var signer ssh.Signer
		if c.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, configError("failed to parse private key", err).WithDetail("file", path)
		}
		methods = append(methods, ssh.PublicKeys(signer))
		break
	}

	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, configError("no ssh credentials: set a key path or password", nil)
	}
	return methods, nil
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

func configError(msg string, err error) *engine.EngineError {
	return engine.NewConfigError(msg, err).WithCode(engine.ErrCodeValidation).WithOperation("ssh")
}
