// Package vbox wraps the VBoxManage command line tool and parses its
// output into structured data. Only the subset of VBoxManage needed for
// a sandbox workflow is covered: lifecycle control, snapshots, guest
// network properties and screen capture.
package vbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrCommandFailed is wrapped into every error returned for a non-zero
// VBoxManage exit code.
var ErrCommandFailed = errors.New("VBoxManage command failed")

// CommandResult captures a single VBoxManage invocation.
type CommandResult struct {
	Cmd        []string `json:"cmd"`
	ReturnCode int      `json:"returncode"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
}

// Runner executes an external command and returns stdout, stderr and the
// exit code. It exists so tests can substitute canned VBoxManage output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}
	return outBuf.String(), errBuf.String(), code, err
}

// Client is a thin wrapper around VBoxManage commands.
type Client struct {
	vboxManagePath string
	dryRun         bool
	runner         Runner
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDryRun makes the client log commands without executing them.
// Every dry-run invocation reports success with empty output.
func WithDryRun(dryRun bool) Option {
	return func(c *Client) { c.dryRun = dryRun }
}

// WithRunner substitutes the command runner, used by tests.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// NewClient builds a client around the given VBoxManage binary path.
// An empty path defaults to "VBoxManage" resolved via PATH.
func NewClient(vboxManagePath string, opts ...Option) *Client {
	if vboxManagePath == "" {
		vboxManagePath = "VBoxManage"
	}
	c := &Client{
		vboxManagePath: vboxManagePath,
		runner:         execRunner{},
		logger:         slog.Default().With("component", "vbox"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes VBoxManage with the given arguments. When check is true a
// non-zero exit code becomes an error carrying the stderr text.
func (c *Client) run(ctx context.Context, check bool, args ...string) (CommandResult, error) {
	cmd := append([]string{c.vboxManagePath}, args...)
	if c.dryRun {
		c.logger.Info("Dry run", "cmd", strings.Join(cmd, " "))
		return CommandResult{Cmd: cmd}, nil
	}

	stdout, stderr, code, err := c.runner.Run(ctx, c.vboxManagePath, args...)
	if err != nil {
		return CommandResult{Cmd: cmd}, fmt.Errorf("running %s: %w", strings.Join(cmd, " "), err)
	}

	result := CommandResult{Cmd: cmd, ReturnCode: code, Stdout: stdout, Stderr: stderr}
	if check && code != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			return result, fmt.Errorf("%s: %w", strings.Join(cmd, " "), ErrCommandFailed)
		}
		return result, fmt.Errorf("%s: %w", msg, ErrCommandFailed)
	}
	return result, nil
}

// ListVMs returns all registered VMs.
func (c *Client) ListVMs(ctx context.Context) ([]VM, error) {
	result, err := c.run(ctx, true, "list", "vms")
	if err != nil {
		return nil, err
	}
	return ParseListVMs(result.Stdout), nil
}

// ListRunningVMs returns the currently running VMs.
func (c *Client) ListRunningVMs(ctx context.Context) ([]VM, error) {
	result, err := c.run(ctx, true, "list", "runningvms")
	if err != nil {
		return nil, err
	}
	return ParseListVMs(result.Stdout), nil
}

// ShowVMInfoRaw returns the raw showvminfo output, optionally in
// machine-readable form.
func (c *Client) ShowVMInfoRaw(ctx context.Context, vm string, machineReadable bool) (CommandResult, error) {
	args := []string{"showvminfo", vm}
	if machineReadable {
		args = append(args, "--machinereadable")
	}
	return c.run(ctx, true, args...)
}

// ShowVMInfo returns the sandbox-relevant fields of a VM.
func (c *Client) ShowVMInfo(ctx context.Context, vm string) (VMInfo, error) {
	result, err := c.ShowVMInfoRaw(ctx, vm, true)
	if err != nil {
		return VMInfo{}, err
	}
	return ParseShowVMInfo(result.Stdout), nil
}

// StartVM boots a VM, headless when requested.
func (c *Client) StartVM(ctx context.Context, vm string, headless bool) (CommandResult, error) {
	args := []string{"startvm", vm}
	if headless {
		args = append(args, "--type", "headless")
	}
	return c.run(ctx, true, args...)
}

// ControlVM issues a controlvm action such as pause or poweroff.
func (c *Client) ControlVM(ctx context.Context, vm, action string) (CommandResult, error) {
	return c.run(ctx, true, "controlvm", vm, action)
}

// PoweroffVM hard-stops a VM.
func (c *Client) PoweroffVM(ctx context.Context, vm string) (CommandResult, error) {
	return c.ControlVM(ctx, vm, "poweroff")
}

// SavestateVM saves the VM state and stops it.
func (c *Client) SavestateVM(ctx context.Context, vm string) (CommandResult, error) {
	return c.ControlVM(ctx, vm, "savestate")
}

// PauseVM pauses a running VM.
func (c *Client) PauseVM(ctx context.Context, vm string) (CommandResult, error) {
	return c.ControlVM(ctx, vm, "pause")
}

// ResumeVM resumes a paused VM.
func (c *Client) ResumeVM(ctx context.Context, vm string) (CommandResult, error) {
	return c.ControlVM(ctx, vm, "resume")
}

// ResetVM hard-resets a running VM.
func (c *Client) ResetVM(ctx context.Context, vm string) (CommandResult, error) {
	return c.ControlVM(ctx, vm, "reset")
}

// ShutdownVM requests an ACPI shutdown, forced when requested.
func (c *Client) ShutdownVM(ctx context.Context, vm string, force bool) (CommandResult, error) {
	args := []string{"controlvm", vm, "shutdown"}
	if force {
		args = append(args, "--force")
	}
	return c.run(ctx, true, args...)
}

// SnapshotTake creates a named snapshot.
func (c *Client) SnapshotTake(ctx context.Context, vm, name string) (CommandResult, error) {
	return c.run(ctx, true, "snapshot", vm, "take", name)
}

// SnapshotRestore restores a named snapshot. The VM must be stopped.
func (c *Client) SnapshotRestore(ctx context.Context, vm, name string) (CommandResult, error) {
	return c.run(ctx, true, "snapshot", vm, "restore", name)
}

// SnapshotRestoreCurrent restores the current snapshot.
func (c *Client) SnapshotRestoreCurrent(ctx context.Context, vm string) (CommandResult, error) {
	return c.run(ctx, true, "snapshot", vm, "restorecurrent")
}

// SnapshotList returns the VM's snapshot tree.
func (c *Client) SnapshotList(ctx context.Context, vm string) (SnapshotList, error) {
	result, err := c.run(ctx, true, "snapshot", vm, "list", "--machinereadable")
	if err != nil {
		return SnapshotList{}, err
	}
	return ParseSnapshotList(result.Stdout), nil
}

// ScreenshotPNG captures the VM display into the given PNG file.
func (c *Client) ScreenshotPNG(ctx context.Context, vm, path string) (CommandResult, error) {
	return c.run(ctx, true, "controlvm", vm, "screenshotpng", path)
}

// GuestNetInterfaces enumerates the guest's network interfaces via guest
// properties. Guest Additions must be running inside the VM for these
// properties to exist.
func (c *Client) GuestNetInterfaces(ctx context.Context, vm string) ([]GuestNetInterface, error) {
	result, err := c.run(ctx, true, "guestproperty", "enumerate", vm, "/VirtualBox/GuestInfo/Net/*")
	if err != nil {
		return nil, err
	}
	return ParseGuestNetProperties(result.Stdout), nil
}
