// Package orchestrator drives the host side of an analysis run: it
// stages the sample into the VirtualBox shared folder, commands the
// guest agent over HTTP, captures host-side screenshots through
// VBoxManage while the sample detonates, and retrieves the result
// package back into a per-analysis report directory.
package orchestrator

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/isolens/pkg/agentapi"
	"github.com/codeready-toolchain/isolens/pkg/config"
	"github.com/codeready-toolchain/isolens/pkg/vbox"
)

// Analysis result statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrAnalysisInProgress is returned by RunAnalysis when another analysis
// already holds the orchestrator.
var ErrAnalysisInProgress = errors.New("analysis already in progress")

// ManifestFilename is the per-analysis record written into every report
// directory, whether the run succeeded or failed.
const ManifestFilename = "analysis_manifest.json"

// AnalysisResult is the host-side record of a single analysis run. It is
// persisted verbatim as the report manifest.
type AnalysisResult struct {
	AnalysisID     string   `json:"analysis_id"`
	SampleName     string   `json:"sample_name"`
	Status         string   `json:"status"`
	StartedAt      string   `json:"started_at"`
	CompletedAt    string   `json:"completed_at"`
	Timeout        int      `json:"timeout"`
	Error          string   `json:"error"`
	ReportDir      string   `json:"report_dir"`
	SysmonEvents   int      `json:"sysmon_events"`
	FilesCollected []string `json:"files_collected"`
	AgentPackage   string   `json:"agent_package"`
}

// Orchestrator coordinates the agent, the hypervisor and the host
// filesystem for one analysis at a time.
type Orchestrator struct {
	agent  *agentapi.Client
	vm     *vbox.Client
	vmName string

	shareDir   string
	samplesDir string
	reportsDir string

	pollInterval       time.Duration
	completionGrace    time.Duration
	screenshotFallback time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	current *AnalysisResult
}

// New builds an orchestrator from the resolved configuration and ensures
// the host-side directories exist.
func New(cfg *config.Config, agent *agentapi.Client, vm *vbox.Client) (*Orchestrator, error) {
	o := &Orchestrator{
		agent:              agent,
		vm:                 vm,
		vmName:             cfg.VM.Name,
		shareDir:           cfg.Paths.ShareDir,
		samplesDir:         cfg.Paths.SamplesDir,
		reportsDir:         cfg.Paths.ReportsDir,
		pollInterval:       time.Duration(cfg.Analysis.PollIntervalSec) * time.Second,
		completionGrace:    time.Duration(cfg.Analysis.CompletionGraceSec) * time.Second,
		screenshotFallback: time.Duration(cfg.Analysis.HostScreenshotIntervalSec) * time.Second,
		logger:             slog.Default().With("component", "orchestrator"),
	}
	for _, dir := range []string{o.samplesDir, o.reportsDir, o.shareDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return o, nil
}

// Agent exposes the guest agent client for proxy reads.
func (o *Orchestrator) Agent() *agentapi.Client { return o.agent }

// ReportsDir returns the host directory holding one subdirectory per analysis.
func (o *Orchestrator) ReportsDir() string { return o.reportsDir }

// ShareDir returns the host-side path of the VirtualBox shared folder.
func (o *Orchestrator) ShareDir() string { return o.shareDir }

// Current returns a copy of the current (or most recent) analysis result,
// or nil when no analysis has been run.
func (o *Orchestrator) Current() *AnalysisResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	snapshot := *o.current
	snapshot.FilesCollected = append([]string(nil), o.current.FilesCollected...)
	return &snapshot
}

// Running reports whether an analysis is currently in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil && inFlight(o.current.Status)
}

func inFlight(status string) bool {
	return status == StatusPending || status == StatusRunning
}

// Reset forgets the current analysis reference.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = nil
}

// beginAnalysis installs result as the current analysis. The check and
// the install happen under one lock, so of two concurrent RunAnalysis
// calls exactly one claims the orchestrator.
func (o *Orchestrator) beginAnalysis(result *AnalysisResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && inFlight(o.current.Status) {
		return fmt.Errorf("%w: %s", ErrAnalysisInProgress, o.current.AnalysisID)
	}
	o.current = result
	return nil
}

// setStatus transitions the result under the orchestrator lock so
// Running and beginAnalysis never read a half-written status.
func (o *Orchestrator) setStatus(result *AnalysisResult, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	result.Status = status
}

// newAnalysisID produces a sortable identifier: a UTC timestamp followed
// by a short random suffix.
func newAnalysisID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return now.UTC().Format("20060102_150405") + "_" + suffix
}

// RunAnalysis executes the full workflow for the sample at samplePath.
// It returns ErrAnalysisInProgress when another run holds the
// orchestrator; once the run is admitted, failures are recorded on the
// result rather than returned, and the report manifest is written in
// every case.
func (o *Orchestrator) RunAnalysis(ctx context.Context, samplePath string, timeout, screenshotInterval time.Duration) (*AnalysisResult, error) {
	sampleName := filepath.Base(samplePath)
	analysisID := newAnalysisID(time.Now())

	result := &AnalysisResult{
		AnalysisID:     analysisID,
		SampleName:     sampleName,
		Status:         StatusPending,
		StartedAt:      time.Now().UTC().Format("2006-01-02T15:04:05") + "Z",
		Timeout:        int(timeout.Seconds()),
		FilesCollected: []string{},
	}
	if err := o.beginAnalysis(result); err != nil {
		return nil, err
	}

	reportDir := filepath.Join(o.reportsDir, analysisID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		result.Error = fmt.Sprintf("creating report directory: %v", err)
		o.setStatus(result, StatusFailed)
		return result, nil
	}
	result.ReportDir = reportDir

	o.setStatus(result, StatusRunning)
	if err := o.runSteps(ctx, result, samplePath, reportDir, timeout, screenshotInterval); err != nil {
		result.Error = err.Error()
		o.setStatus(result, StatusFailed)
		o.logger.Error("Analysis failed", "analysis_id", analysisID, "error", err)
	} else {
		o.setStatus(result, StatusComplete)
		o.logger.Info("Analysis complete",
			"analysis_id", analysisID,
			"files_collected", len(result.FilesCollected))
	}
	result.CompletedAt = time.Now().UTC().Format("2006-01-02T15:04:05") + "Z"

	if err := writeJSONFile(filepath.Join(reportDir, ManifestFilename), result); err != nil {
		o.logger.Error("Failed to write analysis manifest", "analysis_id", analysisID, "error", err)
	}
	return result, nil
}

func (o *Orchestrator) runSteps(ctx context.Context, result *AnalysisResult, samplePath, reportDir string, timeout, screenshotInterval time.Duration) error {
	sampleName := result.SampleName

	// Archive the sample locally, then stage it into the shared folder
	// where the agent picks it up.
	archived := filepath.Join(o.samplesDir, result.AnalysisID+"_"+sampleName)
	if err := copyFile(samplePath, archived); err != nil {
		return fmt.Errorf("archiving sample: %w", err)
	}
	o.logger.Info("Sample archived", "path", archived)

	if err := copyFile(samplePath, filepath.Join(o.shareDir, sampleName)); err != nil {
		return fmt.Errorf("staging sample into shared folder: %w", err)
	}

	o.logger.Info("Requesting agent execution", "sample", sampleName, "timeout", timeout)
	if _, err := o.agent.Execute(ctx, &agentapi.ExecuteRequest{
		Filename:              sampleName,
		TimeoutSec:            int(timeout.Seconds()),
		ScreenshotIntervalSec: int(screenshotInterval.Seconds()),
	}); err != nil {
		return fmt.Errorf("agent rejected execute: %w", err)
	}

	// Capture the VM display from the host while the agent works.
	screenshotDir := filepath.Join(reportDir, "screenshots")
	if err := os.MkdirAll(screenshotDir, 0o755); err != nil {
		return fmt.Errorf("creating screenshot directory: %w", err)
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go o.screenshotLoop(ctx, screenshotDir, screenshotInterval, stopCh, doneCh)

	pollErr := o.pollAgentUntilDone(ctx, timeout+o.completionGrace)

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(15 * time.Second):
		o.logger.Warn("Screenshot worker did not stop in time")
	}
	if pollErr != nil {
		return pollErr
	}

	// Retrieve and unpack the result package from the shared folder.
	collected := o.retrieveResults(sampleName, reportDir)
	result.FilesCollected = collected
	result.AgentPackage = o.findResultZip(sampleName)
	result.SysmonEvents = countSysmonEvents(reportDir)

	shots, err := filepath.Glob(filepath.Join(screenshotDir, "*.png"))
	if err == nil {
		sort.Strings(shots)
		for _, shot := range shots {
			rel, relErr := filepath.Rel(reportDir, shot)
			if relErr != nil {
				continue
			}
			if !slices.Contains(result.FilesCollected, rel) {
				result.FilesCollected = append(result.FilesCollected, rel)
			}
		}
		o.logger.Info("Host screenshots captured", "count", len(shots))
	}
	return nil
}

// screenshotLoop captures VM display snapshots until stopCh closes. A
// snapshot is taken immediately and then once per interval; a request
// without an interval falls back to the configured host default.
func (o *Orchestrator) screenshotLoop(ctx context.Context, dir string, interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	if interval <= 0 {
		interval = o.screenshotFallback
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	for idx := 0; ; idx++ {
		o.takeScreenshot(ctx, dir, idx)
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (o *Orchestrator) takeScreenshot(ctx context.Context, dir string, idx int) {
	ts := time.Now().UTC().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("screenshot_%03d_%s.png", idx, ts))

	shotCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := o.vm.ScreenshotPNG(shotCtx, o.vmName, path); err != nil {
		o.logger.Warn("Host screenshot failed", "index", idx, "error", err)
		return
	}
	o.logger.Info("Host screenshot captured", "index", idx, "file", filepath.Base(path))
}

// pollAgentUntilDone polls agent status until it reports idle or error.
// Transient poll failures are retried until the wait budget runs out.
func (o *Orchestrator) pollAgentUntilDone(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		status, err := o.agent.Status(ctx)
		if err != nil {
			o.logger.Warn("Status poll failed, retrying", "error", err)
		} else {
			o.logger.Info("Agent status", "status", status.Status)
			switch status.Status {
			case agentapi.StateIdle:
				return nil
			case agentapi.StateError:
				o.logger.Warn("Agent reported error", "last_error", status.LastError)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("polling agent status: %w", ctx.Err())
		case <-time.After(o.pollInterval):
		}
	}
	return fmt.Errorf("agent did not finish within %s", maxWait)
}

// retrieveResults unpacks the newest matching result zip into the report
// directory and returns the extracted archive paths. A missing package
// is not fatal; the caller decides based on the empty list.
func (o *Orchestrator) retrieveResults(sampleName, reportDir string) []string {
	zipName := o.findResultZip(sampleName)
	if zipName == "" {
		o.logger.Warn("No result zip found in shared folder", "sample", sampleName)
		return []string{}
	}
	o.logger.Info("Found result package", "zip", zipName)

	names, err := extractZip(filepath.Join(o.shareDir, zipName), reportDir)
	if err != nil {
		o.logger.Error("Failed to unpack results", "zip", zipName, "error", err)
		return []string{}
	}
	o.logger.Info("Extracted result package", "files", len(names), "dir", reportDir)
	return names
}

// findResultZip returns the newest zip in the shared folder matching
// results_<sample-base>_*.zip, or "" when none exists.
func (o *Orchestrator) findResultZip(sampleName string) string {
	base := strings.TrimSuffix(sampleName, filepath.Ext(sampleName))
	matches, err := filepath.Glob(filepath.Join(o.shareDir, "results_"+base+"_*.zip"))
	if err != nil || len(matches) == 0 {
		return ""
	}

	sort.Slice(matches, func(i, j int) bool {
		return modTime(matches[i]).After(modTime(matches[j]))
	})
	return filepath.Base(matches[0])
}

// CheckVMReady verifies agent reachability, collector availability and
// shared folder access. The returned map is reported verbatim.
func (o *Orchestrator) CheckVMReady(ctx context.Context) map[string]any {
	checks := make(map[string]any)

	status, err := o.agent.Status(ctx)
	if err != nil {
		checks["agent_reachable"] = false
		checks["agent_error"] = err.Error()
	} else {
		checks["agent_reachable"] = true
		checks["agent_status"] = status.Status
		checks["agent_version"] = status.AgentVersion
		for _, c := range status.Collectors {
			checks["collector_"+c.Name] = c.Available
		}
	}

	shareOK := false
	if info, err := os.Stat(o.shareDir); err == nil && info.IsDir() {
		shareOK = true
	}
	checks["share_folder"] = shareOK
	checks["ready"] = checks["agent_reachable"] == true && shareOK
	return checks
}

// CleanupAgent asks the agent to remove all collected artifacts.
func (o *Orchestrator) CleanupAgent(ctx context.Context) error {
	return o.agent.Cleanup(ctx)
}

// countSysmonEvents counts "Event ID:" lines in any sysmon_events.txt
// recovered into the report tree. Returns 0 when the file is absent.
func countSysmonEvents(reportDir string) int {
	count := 0
	_ = filepath.WalkDir(reportDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != "sysmon_events.txt" {
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "Event ID:") {
				count++
			}
		}
		return filepath.SkipAll
	})
	return count
}

// extractZip unpacks src into destDir and returns the archive member
// names. Members escaping destDir are rejected.
func extractZip(src, destDir string) ([]string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", src, err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)

		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("archive member escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := extractZipFile(f, target); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening archive member %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
