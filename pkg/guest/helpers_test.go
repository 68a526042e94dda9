package guest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/isolens/pkg/guest/collector"
)

// stubRunner is a CommandRunner that records command lines and optionally
// fails those matching a substring. Unmatched commands succeed with empty
// output, which keeps every tool-dependent collector in its no-data path.
type stubRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newStubRunner() *stubRunner {
	return &stubRunner{fail: make(map[string]error)}
}

func (r *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	cmdline := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, cmdline)
	r.mu.Unlock()

	for substr, err := range r.fail {
		if strings.Contains(cmdline, substr) {
			return nil, err
		}
	}
	return nil, nil
}

func (r *stubRunner) Start(name string, args ...string) (collector.Process, error) {
	cmdline := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, "START "+cmdline)
	r.mu.Unlock()

	for substr, err := range r.fail {
		if strings.Contains(cmdline, substr) {
			return nil, err
		}
	}
	return stubProcess{}, nil
}

func (r *stubRunner) called(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type stubProcess struct{}

func (stubProcess) Terminate() error           { return nil }
func (stubProcess) Kill() error                { return nil }
func (stubProcess) Wait(_ time.Duration) error { return nil }
