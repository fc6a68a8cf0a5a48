// Package targettest provides a scripted engine.TargetExecutor for tests.
package targettest

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
)

// Response is what the fake returns for a matching command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Err is returned instead of a result.
	Err error

	// Delay is slept before answering, honoring cancellation.
	Delay time.Duration

	// Block waits until the context is done.
	Block bool

	// Func, when set, computes the response from the command.
	Func func(cmd engine.Command) Response
}

type rule struct {
	match string
	resp  Response
}

// Upload is a file written through the fake.
type Upload struct {
	Content []byte
	Mode    os.FileMode
}

// Fake records every command and answers from rules registered with On.
// Unmatched commands succeed with no output.
type Fake struct {
	name string
	info engine.TargetInfo

	mu        sync.Mutex
	rules     []rule
	commands  []engine.Command
	uploads   map[string]Upload
	uploadErr error
	started   chan string
}

var _ engine.TargetExecutor = (*Fake)(nil)

// New creates a fake target.
func New(name string) *Fake {
	return &Fake{
		name:    name,
		info:    engine.TargetInfo{Name: name, Kind: "fake", OS: "linux", Arch: "amd64"},
		uploads: make(map[string]Upload),
	}
}

// On answers commands whose script contains substr. Later rules win.
func (f *Fake) On(substr string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: substr, resp: resp})
	return f
}

// FailUploads makes every upload return err.
func (f *Fake) FailUploads(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadErr = err
	return f
}

// Started returns a channel that receives the script of every command as it
// starts. It must be called before commands run.
func (f *Fake) Started() <-chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = make(chan string, 64)
	}
	return f.started
}

// Name implements engine.TargetExecutor.
func (f *Fake) Name() string { return f.name }

// Info implements engine.TargetExecutor.
func (f *Fake) Info(context.Context) (engine.TargetInfo, error) { return f.info, nil }

// Run implements engine.TargetExecutor.
func (f *Fake) Run(ctx context.Context, cmd engine.Command) (*engine.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	resp := Response{}
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(cmd.Script, f.rules[i].match) {
			resp = f.rules[i].resp
			break
		}
	}
	started := f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- cmd.Script:
		default:
		}
	}
	if resp.Func != nil {
		resp = resp.Func(cmd)
	}

	begin := time.Now()
	switch {
	case resp.Block:
		<-ctx.Done()
		return nil, ctx.Err()
	case resp.Delay > 0:
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &engine.CommandResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: time.Since(begin),
	}, nil
}

// Upload implements engine.TargetExecutor.
func (f *Fake) Upload(_ context.Context, content []byte, path string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads[path] = Upload{Content: append([]byte(nil), content...), Mode: mode}
	return nil
}

// Commands returns the commands run so far.
func (f *Fake) Commands() []engine.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Command(nil), f.commands...)
}

// Ran counts commands whose script contains substr.
func (f *Fake) Ran(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.Contains(c.Script, substr) {
			n++
		}
	}
	return n
}

// File returns an uploaded file.
func (f *Fake) File(path string) (Upload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[path]
	return u, ok
}
