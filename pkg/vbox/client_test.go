package vbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner returns canned stdout/exit codes keyed by a substring of the
// command line and records every invocation.
type fakeRunner struct {
	calls   []string
	stdout  map[string]string
	exit    map[string]int
	stderr  map[string]string
	execErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		stdout: make(map[string]string),
		exit:   make(map[string]int),
		stderr: make(map[string]string),
	}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, string, int, error) {
	cmdline := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, cmdline)
	if r.execErr != nil {
		return "", "", 0, r.execErr
	}
	for substr, out := range r.stdout {
		if strings.Contains(cmdline, substr) {
			return out, r.stderr[substr], r.exit[substr], nil
		}
	}
	for substr, code := range r.exit {
		if strings.Contains(cmdline, substr) {
			return "", r.stderr[substr], code, nil
		}
	}
	return "", "", 0, nil
}

func newTestClient(t *testing.T) (*Client, *fakeRunner) {
	t.Helper()
	runner := newFakeRunner()
	return NewClient("VBoxManage", WithRunner(runner)), runner
}

func TestListVMs(t *testing.T) {
	client, runner := newTestClient(t)
	runner.stdout["list vms"] = `"WindowsSandbox" {f3a817e2-5b3c-4f3f-9f2e-3d6a1d6a0c01}` + "\n"

	vms, err := client.ListVMs(context.Background())
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "WindowsSandbox", vms[0].Name)
	assert.Equal(t, []string{"VBoxManage list vms"}, runner.calls)
}

func TestListRunningVMsEmpty(t *testing.T) {
	client, runner := newTestClient(t)

	vms, err := client.ListRunningVMs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vms)
	assert.Equal(t, []string{"VBoxManage list runningvms"}, runner.calls)
}

func TestShowVMInfo(t *testing.T) {
	client, runner := newTestClient(t)
	runner.stdout["showvminfo"] = showVMInfoOutput

	info, err := client.ShowVMInfo(context.Background(), "WindowsSandbox")
	require.NoError(t, err)
	assert.Equal(t, "WindowsSandbox", info.Name)
	assert.Equal(t, "running", info.State)
	assert.Contains(t, runner.calls[0], "--machinereadable")
}

func TestStartVMHeadless(t *testing.T) {
	client, runner := newTestClient(t)

	_, err := client.StartVM(context.Background(), "WindowsSandbox", true)
	require.NoError(t, err)
	assert.Equal(t, "VBoxManage startvm WindowsSandbox --type headless", runner.calls[0])

	_, err = client.StartVM(context.Background(), "WindowsSandbox", false)
	require.NoError(t, err)
	assert.Equal(t, "VBoxManage startvm WindowsSandbox", runner.calls[1])
}

func TestControlVMActions(t *testing.T) {
	client, runner := newTestClient(t)
	ctx := context.Background()

	_, err := client.PoweroffVM(ctx, "vm")
	require.NoError(t, err)
	_, err = client.SavestateVM(ctx, "vm")
	require.NoError(t, err)
	_, err = client.PauseVM(ctx, "vm")
	require.NoError(t, err)
	_, err = client.ResumeVM(ctx, "vm")
	require.NoError(t, err)
	_, err = client.ResetVM(ctx, "vm")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"VBoxManage controlvm vm poweroff",
		"VBoxManage controlvm vm savestate",
		"VBoxManage controlvm vm pause",
		"VBoxManage controlvm vm resume",
		"VBoxManage controlvm vm reset",
	}, runner.calls)
}

func TestShutdownVMForce(t *testing.T) {
	client, runner := newTestClient(t)

	_, err := client.ShutdownVM(context.Background(), "vm", true)
	require.NoError(t, err)
	assert.Equal(t, "VBoxManage controlvm vm shutdown --force", runner.calls[0])
}

func TestSnapshotCommands(t *testing.T) {
	client, runner := newTestClient(t)
	ctx := context.Background()

	_, err := client.SnapshotTake(ctx, "vm", "clean")
	require.NoError(t, err)
	_, err = client.SnapshotRestore(ctx, "vm", "clean")
	require.NoError(t, err)
	_, err = client.SnapshotRestoreCurrent(ctx, "vm")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"VBoxManage snapshot vm take clean",
		"VBoxManage snapshot vm restore clean",
		"VBoxManage snapshot vm restorecurrent",
	}, runner.calls)
}

func TestScreenshotPNG(t *testing.T) {
	client, runner := newTestClient(t)

	_, err := client.ScreenshotPNG(context.Background(), "vm", "/tmp/shot.png")
	require.NoError(t, err)
	assert.Equal(t, "VBoxManage controlvm vm screenshotpng /tmp/shot.png", runner.calls[0])
}

func TestGuestNetInterfaces(t *testing.T) {
	client, runner := newTestClient(t)
	runner.stdout["guestproperty enumerate"] = "/VirtualBox/GuestInfo/Net/0/V4/IP = '192.168.56.105'\n" +
		"/VirtualBox/GuestInfo/Net/0/Status = 'Up'\n"

	ifaces, err := client.GuestNetInterfaces(context.Background(), "vm")
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "192.168.56.105", ifaces[0].IP)
}

func TestCommandFailureCarriesStderr(t *testing.T) {
	client, runner := newTestClient(t)
	runner.exit["startvm"] = 1
	runner.stderr["startvm"] = "VBoxManage: error: Could not find a registered machine\n"

	_, err := client.StartVM(context.Background(), "nope", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "Could not find a registered machine")
}

func TestCommandFailureWithoutStderr(t *testing.T) {
	client, runner := newTestClient(t)
	runner.exit["poweroff"] = 1

	_, err := client.PoweroffVM(context.Background(), "vm")
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestExecErrorIsWrapped(t *testing.T) {
	client, runner := newTestClient(t)
	runner.execErr = assert.AnError

	_, err := client.ListVMs(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDryRunSkipsExecution(t *testing.T) {
	runner := newFakeRunner()
	client := NewClient("", WithRunner(runner), WithDryRun(true))

	result, err := client.PoweroffVM(context.Background(), "vm")
	require.NoError(t, err)
	assert.Empty(t, runner.calls, "dry run must not invoke VBoxManage")
	assert.Equal(t, []string{"VBoxManage", "controlvm", "vm", "poweroff"}, result.Cmd)
}
