package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by Process.Wait when the process does not exit
// within the given timeout.
var ErrWaitTimeout = errors.New("process wait timed out")

// CommandRunner abstracts subprocess execution so collectors can be tested
// without the real sandbox tooling installed.
type CommandRunner interface {
	// Run executes a command and waits for it to finish, returning stdout.
	// A failed start or non-zero exit returns a non-nil error that includes
	// trimmed stderr when present.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Start launches a long-running command without waiting for it.
	Start(name string, args ...string) (Process, error)
}

// Process is a handle to a command launched with CommandRunner.Start.
type Process interface {
	// Terminate asks the process to exit, falling back to a hard kill on
	// platforms without a graceful signal.
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	// Wait blocks until the process exits or the timeout elapses.
	Wait(timeout time.Duration) error
}

// ExecRunner is the production CommandRunner backed by os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

func (ExecRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitCh   chan error
}

func (p *osProcess) Terminate() error {
	// Interrupt is not implemented on Windows; fall back to Kill there.
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) Wait(timeout time.Duration) error {
	p.waitOnce.Do(func() {
		p.waitCh = make(chan error, 1)
		go func() { p.waitCh <- p.cmd.Wait() }()
	})

	select {
	case err := <-p.waitCh:
		// Keep the channel readable for subsequent Wait calls.
		p.waitCh <- err
		return err
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}
