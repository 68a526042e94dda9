package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeTempTool drops a stub executable file so availability probes based on
// os.Stat succeed.
func writeTempTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o755))
	return path
}

// fakeRunner records commands and serves canned responses keyed by a
// substring of the full command line.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string

	// respond maps a command-line substring to its canned output.
	respond map[string]string
	// fail maps a command-line substring to an error.
	fail map[string]error
	// onRun, when set, runs for every command before canned lookup.
	onRun func(name string, args []string)

	startErr  error
	processes []*fakeProcess
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		respond: make(map[string]string),
		fail:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	cmdline := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmdline)
	f.mu.Unlock()

	if f.onRun != nil {
		f.onRun(name, args)
	}
	for substr, err := range f.fail {
		if strings.Contains(cmdline, substr) {
			return nil, err
		}
	}
	for substr, out := range f.respond {
		if strings.Contains(cmdline, substr) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) Start(name string, args ...string) (Process, error) {
	cmdline := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, "START "+cmdline)
	f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}
	p := &fakeProcess{}
	f.processes = append(f.processes, p)
	return p, nil
}

func (f *fakeRunner) called(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakeProcess struct {
	mu         sync.Mutex
	terminated bool
	killed     bool
	waitErr    error
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) Wait(_ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}
