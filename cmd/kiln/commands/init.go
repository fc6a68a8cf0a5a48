package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/devkiln/kiln/pkg/config"
	"github.com/devkiln/kiln/pkg/registry"
)

const configTemplate = `// kiln configuration
registry: %q

ledger: {
	backend: "sqlite"
	dir:     %q
}

install: {
	parallelism:     4
	continueOnError: false
}

targets: {
	local: {}
	// build-box: {
	// 	kind: "ssh"
	// 	ssh: {
	// 		host:    "10.0.0.12"
	// 		user:    "ops"
	// 		keyPath: %q
	// 	}
	// }
}
`

const exampleManifest = `name: hello
version: 1.0.0
category: examples
description: Prints a greeting
hooks:
  install:
    script: install.sh
  validate:
    script: validate.sh
`

const exampleProfiles = `profiles:
  starter:
    description: A first profile
    extensions:
      - hello
`

func newInitCommand() *cobra.Command {
	var (
		dir    string
		sshKey bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a kiln workspace",
		Long: `Create a kiln.cue, an example registry and a state directory.

With --ssh-key an ed25519 key pair for SSH targets is generated as well.
Existing files are left untouched.`,
		Example: `  # Initialize the current directory
  kiln init

  # Initialize elsewhere and create an SSH key
  kiln init --dir ./workspace --ssh-key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			log.Info().Str("dir", dir).Bool("ssh_key", sshKey).Msg("Initializing workspace")

			regDir := filepath.Join(dir, "registry")
			stateDir := filepath.Join(dir, ".kiln")
			keyPath := filepath.Join(stateDir, "keys", "id_ed25519")

			for _, d := range []string{
				filepath.Join(regDir, registry.ExtensionsDir, "hello"),
				filepath.Join(stateDir, "keys"),
			} {
				if err := os.MkdirAll(d, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}

			files := []struct {
				path    string
				content string
				mode    os.FileMode
			}{
				{filepath.Join(dir, config.FileName), fmt.Sprintf(configTemplate, "./registry", "./.kiln", keyPath), 0o644},
				{filepath.Join(regDir, registry.ProfilesFile), exampleProfiles, 0o644},
				{filepath.Join(regDir, registry.ExtensionsDir, "hello", registry.ManifestFile), exampleManifest, 0o644},
				{filepath.Join(regDir, registry.ExtensionsDir, "hello", "install.sh"), "echo \"hello from $KILN_TARGET\"\n", 0o755},
				{filepath.Join(regDir, registry.ExtensionsDir, "hello", "validate.sh"), "true\n", 0o755},
			}
			for _, f := range files {
				created, err := writeIfAbsent(f.path, []byte(f.content), f.mode)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "✓ Created %s\n", f.path)
				} else {
					fmt.Fprintf(out, "- Kept existing %s\n", f.path)
				}
			}

			if sshKey {
				created, err := generateKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(out, "- SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  kiln resolve --profile starter\n")
			fmt.Fprintf(out, "  kiln install --profile starter\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 key pair for SSH targets")

	return cmd
}

func writeIfAbsent(path string, content []byte, mode os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, f.Close()
}

// generateKey writes an OpenSSH ed25519 private key and its .pub file.
func generateKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(priv, "kiln")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := sshpkg.NewPublicKey(pub)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
