package guest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/isolens/pkg/agentapi"
	"github.com/codeready-toolchain/isolens/pkg/guest/collector"
)

// Agent orchestrates sample execution and artifact collection inside the
// sandbox VM.
type Agent struct {
	sharePath    string
	workdir      string
	artifactsDir string
	samplesDir   string

	state      *State
	collectors []collector.Collector
	runner     collector.CommandRunner
	logger     *slog.Logger
}

// ExecutionReport summarizes one detonation run.
type ExecutionReport struct {
	Status     string             `json:"status"`
	Sample     string             `json:"sample,omitempty"`
	TimeoutSec int                `json:"timeout,omitempty"`
	Collection []collector.Result `json:"collection,omitempty"`
	Package    string             `json:"package,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// NewAgent creates an agent rooted at workdir that reads samples from the
// VirtualBox shared folder at sharePath.
func NewAgent(sharePath, workdir string, runner collector.CommandRunner) (*Agent, error) {
	artifactsDir := filepath.Join(workdir, "artifacts")
	samplesDir := filepath.Join(workdir, "samples")
	for _, dir := range []string{artifactsDir, samplesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	a := &Agent{
		sharePath:    sharePath,
		workdir:      workdir,
		artifactsDir: artifactsDir,
		samplesDir:   samplesDir,
		state:        NewState(),
		collectors:   collector.NewBank(workdir, runner),
		runner:       runner,
		logger:       slog.Default(),
	}

	names := make([]string, 0, len(a.collectors))
	for _, c := range a.collectors {
		names = append(names, c.Name())
	}
	a.logger.Info("Agent initialised", "share", sharePath, "workdir", workdir)
	a.logger.Info("Collectors registered", "collectors", names)
	return a, nil
}

// State exposes the agent's state machine.
func (a *Agent) State() *State { return a.state }

// CollectorInfo returns name and availability of each collector.
func (a *Agent) CollectorInfo() []agentapi.CollectorInfo {
	info := make([]agentapi.CollectorInfo, 0, len(a.collectors))
	for _, c := range a.collectors {
		info = append(info, agentapi.CollectorInfo{Name: c.Name(), Available: c.Available()})
	}
	return info
}

// ListArtifacts enumerates all files under the artifacts directory,
// relative to it.
func (a *Agent) ListArtifacts() []string {
	result := []string{}
	_ = filepath.WalkDir(a.artifactsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(a.artifactsDir, path); relErr == nil {
			result = append(result, rel)
		}
		return nil
	})
	return result
}

// ExecuteSample detonates a sample from the shared folder.
//
// Workflow:
//  1. Copy the sample from the shared folder to the local samples dir
//  2. Clear Sysmon logs for a clean baseline
//  3. Start Procmon and the packet capture
//  4. Launch the sample in the interactive session
//  5. Capture screenshots while waiting out the detonation window
//  6. Stop captures, run all collectors, package and export results
//
// The caller (HTTP handler) has already moved the state to executing; the
// method tolerates being called with the transition still pending.
func (a *Agent) ExecuteSample(ctx context.Context, filename string, timeout, screenshotInterval time.Duration) *ExecutionReport {
	if a.state.Status() != agentapi.StateExecuting {
		a.state.SetExecuting(filename)
	}

	sampleSrc := filepath.Join(a.sharePath, filename)
	if !fileExists(sampleSrc) {
		a.state.SetError("Sample not found: " + filename)
		return &ExecutionReport{
			Status: "not_found",
			Error:  "Sample not found in shared folder: " + filename,
		}
	}

	a.logger.Info("Execution start", "sample", filename, "timeout", timeout)

	// Kill any previous instance of this sample still running.
	a.taskkill(filepath.Base(filename))
	sleepCtx(ctx, 1*time.Second)

	sampleDst := filepath.Join(a.samplesDir, filename)
	if err := copyFile(sampleSrc, sampleDst); err != nil {
		a.state.SetError(err.Error())
		a.logger.Error("Execution failed", "error", err)
		return &ExecutionReport{Status: "failed", Error: err.Error()}
	}
	a.logger.Info("Sample copied", "dst", sampleDst)

	a.clearSysmonLog()
	a.startProcmon()

	network := a.captureCollector("network")
	if network != nil {
		_ = network.StartCapture(0)
	}

	a.launchSample(sampleDst)

	screenshots := a.captureCollector("screenshots")
	if screenshots != nil {
		_ = screenshots.StartCapture(screenshotInterval)
	}

	a.logger.Info("Waiting for behaviour collection", "timeout", timeout)
	sleepCtx(ctx, timeout)

	// Stop captures so data is flushed before collection.
	if screenshots != nil {
		screenshots.StopCapture()
	}
	if network != nil {
		network.StopCapture()
	}

	a.state.SetCollecting()
	collection := a.runCollectors(filename)

	pkg, err := a.packageResults(filename, timeout, collection)
	if err != nil {
		a.state.SetError(err.Error())
		a.logger.Error("Execution failed", "error", err)
		return &ExecutionReport{Status: "failed", Error: err.Error()}
	}

	a.state.SetIdle()
	a.logger.Info("Execution complete", "sample", filename)

	return &ExecutionReport{
		Status:     "complete",
		Sample:     filename,
		TimeoutSec: int(timeout / time.Second),
		Collection: collection,
		Package:    pkg,
	}
}

// CollectOnly runs all collectors without executing any sample. The state
// claim is atomic, so a collect racing with an execute cannot interleave.
func (a *Agent) CollectOnly() ([]collector.Result, error) {
	if !a.state.TryBeginCollect() {
		return nil, agentapi.ErrConflict
	}
	results := a.runCollectors("")
	a.state.SetIdle()
	return results, nil
}

// Cleanup removes all collected artifacts. Removal errors are ignored so
// files locked by running tools (e.g. a Procmon backing file) do not fail
// the operation; the directory is recreated afterwards.
func (a *Agent) Cleanup() {
	if _, err := os.Stat(a.artifactsDir); err == nil {
		_ = os.RemoveAll(a.artifactsDir)
		_ = os.MkdirAll(a.artifactsDir, 0o755)
	}
	a.logger.Info("Artifacts cleaned up")
}

func (a *Agent) runCollectors(sampleName string) []collector.Result {
	results := make([]collector.Result, 0, len(a.collectors))
	for _, c := range a.collectors {
		a.logger.Info("Running collector", "collector", c.Name())
		if sampleName != "" {
			c.SetSample(sampleName)
		}
		results = append(results, c.Collect())
	}
	return results
}

// clearSysmonLog resets the Sysmon channel so the trace starts from a clean
// baseline. Best-effort.
func (a *Agent) clearSysmonLog() {
	a.logger.Info("Clearing Sysmon logs for clean baseline")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := a.runner.Run(ctx, "wevtutil", "cl", "Microsoft-Windows-Sysmon/Operational"); err != nil {
		a.logger.Warn("Failed to clear Sysmon logs", "error", err)
		return
	}
	a.logger.Info("Sysmon logs cleared")
}

// startProcmon launches a fresh Procmon instance writing to the collector's
// backing file so execution behaviour is captured. Best-effort.
func (a *Agent) startProcmon() {
	var procmon *collector.Procmon
	for _, c := range a.collectors {
		if p, ok := c.(*collector.Procmon); ok {
			procmon = p
			break
		}
	}
	if procmon == nil {
		return
	}

	exe := procmon.FindExe()
	if exe == "" {
		a.logger.Warn("Procmon executable not found, skipping")
		return
	}

	pml := procmon.PMLPath()
	if err := os.MkdirAll(filepath.Dir(pml), 0o755); err != nil {
		a.logger.Warn("Failed to prepare Procmon dir", "error", err)
		return
	}

	// Kill any leftover instance first.
	a.taskkill(filepath.Base(exe))
	time.Sleep(1 * time.Second)

	if _, err := a.runner.Start(exe, "/AcceptEula", "/Quiet", "/Minimized", "/BackingFile", pml); err != nil {
		a.logger.Warn("Failed to start Procmon", "error", err)
		return
	}
	a.logger.Info("Procmon started", "backing_file", pml)
	time.Sleep(3 * time.Second) // give Procmon time to initialise
}

// launchSample runs the sample as the logged-in user. A scheduled task with
// /it runs in the interactive session so GUI windows appear on the desktop
// (visible to host-side screenshots); the fallbacks run in session 0.
func (a *Agent) launchSample(samplePath string) {
	const taskName = "IsoLensExec"

	if a.launchViaSchtasks(taskName, samplePath) {
		a.logger.Info("Sample launched via schtasks (interactive session)")
		return
	}

	a.logger.Info("Falling back to cmd /c start (session 0)")
	if _, err := a.runner.Start("cmd", "/c", "start", "", samplePath); err == nil {
		a.logger.Info("Sample launched via cmd /c start")
		return
	}

	if _, err := a.runner.Start(samplePath); err != nil {
		a.logger.Warn("All launch methods failed", "sample", samplePath, "error", err)
	}
}

func (a *Agent) launchViaSchtasks(taskName, samplePath string) bool {
	run := func(timeout time.Duration, args ...string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := a.runner.Run(ctx, "schtasks", args...)
		return err
	}

	_ = run(10*time.Second, "/delete", "/tn", taskName, "/f")

	trCmd := `cmd /c start "" "` + samplePath + `"`
	if err := run(15*time.Second, "/create", "/tn", taskName,
		"/tr", trCmd, "/sc", "once", "/st", "00:00", "/f", "/it"); err != nil {
		a.logger.Warn("schtasks /create failed", "error", err)
		return false
	}
	if err := run(15*time.Second, "/run", "/tn", taskName); err != nil {
		a.logger.Warn("schtasks /run failed", "error", err)
		return false
	}
	return true
}

func (a *Agent) captureCollector(name string) collector.CaptureCollector {
	for _, c := range a.collectors {
		if c.Name() == name {
			if cc, ok := c.(collector.CaptureCollector); ok {
				return cc
			}
		}
	}
	return nil
}

func (a *Agent) taskkill(image string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = a.runner.Run(ctx, "taskkill", "/f", "/im", image)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
