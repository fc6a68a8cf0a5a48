package local

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	e := New("local", WithWorkDir(dir), WithEnv(map[string]string{"KILN_TARGET": "local", "GREETING": "hi"}))

	tests := []struct {
		name       string
		cmd        engine.Command
		wantExit   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "stdout",
			cmd:        engine.Command{Name: "echo", Script: "echo hello"},
			wantStdout: "hello\n",
		},
		{
			name:       "exit status and stderr",
			cmd:        engine.Command{Name: "fail", Script: "echo oops >&2\nexit 3"},
			wantExit:   3,
			wantStderr: "oops\n",
		},
		{
			name:       "executor env",
			cmd:        engine.Command{Name: "env", Script: `echo "$KILN_TARGET"`},
			wantStdout: "local\n",
		},
		{
			name:       "command env wins",
			cmd:        engine.Command{Name: "env", Script: `echo "$GREETING"`, Env: map[string]string{"GREETING": "hello"}},
			wantStdout: "hello\n",
		},
		{
			name:       "working directory",
			cmd:        engine.Command{Name: "pwd", Script: "pwd"},
			wantStdout: dir + "\n",
		},
		{
			name:       "explicit directory",
			cmd:        engine.Command{Name: "pwd", Script: "pwd", Dir: filepath.Join(dir, "sub")},
			wantStdout: filepath.Join(dir, "sub") + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Run(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.ExitCode != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantExit)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.wantStdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestRun_ParseError(t *testing.T) {
	_, err := New("local").Run(context.Background(), engine.Command{Name: "bad", Script: "echo 'unterminated"})
	if engine.CodeOf(err) != engine.ErrCodeExecutionFailed {
		t.Errorf("Run() error = %v, want EXECUTION_FAILED", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a sleep binary")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New("local").Run(ctx, engine.Command{Name: "sleep", Script: "sleep 10"})
	if !engine.IsCancelled(err) {
		t.Errorf("Run() error = %v, want cancelled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Run() took %v after cancellation", time.Since(start))
	}
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	e := New("local", WithWorkDir(dir))

	if err := e.Upload(context.Background(), []byte("#!/bin/sh\necho up\n"), "bin/hook.sh", 0o755); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	path := filepath.Join(dir, "bin", "hook.sh")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}

	res, err := e.Run(context.Background(), engine.Command{Name: "cat", Script: "cat bin/hook.sh"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Stdout, "echo up") {
		t.Errorf("Stdout = %q", res.Stdout)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "bin"))
	if len(entries) != 1 {
		t.Errorf("bin has %d entries, want only the uploaded file", len(entries))
	}
}

func TestUpload_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New("local").Upload(ctx, []byte("x"), filepath.Join(t.TempDir(), "f"), 0o644)
	if !engine.IsCancelled(err) {
		t.Errorf("Upload() error = %v, want cancelled", err)
	}
}

func TestInfo(t *testing.T) {
	info, err := New("workstation").Info(context.Background())
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	want := engine.TargetInfo{Name: "workstation", Kind: Kind, OS: runtime.GOOS, Arch: runtime.GOARCH}
	if info != want {
		t.Errorf("Info() = %+v, want %+v", info, want)
	}
}
