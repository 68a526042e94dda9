// Package collector implements the guest agent's artifact collectors.
//
// Each collector gathers one kind of behavioral data (Sysmon events,
// Procmon traces, network captures, screenshots, connection and handle
// snapshots). Collectors report their availability at runtime so the agent
// degrades gracefully when a tool is not installed.
package collector

import (
	"errors"
	"log/slog"
	"path/filepath"
	"time"
)

// ErrToolNotFound indicates the collector's underlying tool is not installed.
var ErrToolNotFound = errors.New("collector tool not found")

// Collection result status values.
const (
	StatusOK          = "ok"
	StatusNoData      = "no_data"
	StatusUnavailable = "unavailable"
	StatusError       = "error"
)

// Result describes what a collector produced.
type Result struct {
	Collector string   `json:"collector"`
	Status    string   `json:"status"`
	Files     []string `json:"files"`
	Error     string   `json:"error,omitempty"`
}

// Collector gathers one kind of behavioral artifact.
type Collector interface {
	// Name is the collector's stable identifier (also its artifact subdir).
	Name() string
	// Available reports whether the underlying tool is installed/accessible.
	Available() bool
	// SetSample tells the collector which sample is being analysed.
	SetSample(filename string)
	// Collect runs collection and reports the produced files.
	Collect() Result
}

// CaptureCollector is implemented by collectors that record continuously
// while the sample runs and must be started before execution and stopped
// after.
type CaptureCollector interface {
	Collector
	// StartCapture begins recording. interval is the capture cadence for
	// collectors that sample periodically; continuous recorders ignore it.
	StartCapture(interval time.Duration) error
	// StopCapture stops recording and flushes buffered data.
	StopCapture()
}

// base carries the state shared by all collectors.
type base struct {
	name      string
	workdir   string
	outputDir string
	sample    string // basename of the sample under analysis, "" if none
	runner    CommandRunner
	logger    *slog.Logger
}

func newBase(name, workdir string, runner CommandRunner) base {
	return base{
		name:      name,
		workdir:   workdir,
		outputDir: filepath.Join(workdir, "artifacts", name),
		runner:    runner,
		logger:    slog.With("collector", name),
	}
}

func (b *base) Name() string { return b.name }

// OutputDir is the directory this collector writes artifacts to.
func (b *base) OutputDir() string { return b.outputDir }

func (b *base) SetSample(filename string) {
	b.sample = filepath.Base(filename)
}

func (b *base) unavailable() Result {
	return Result{Collector: b.name, Status: StatusUnavailable, Files: []string{}}
}

func (b *base) noData() Result {
	return Result{Collector: b.name, Status: StatusNoData, Files: []string{}}
}

func (b *base) failed(err error) Result {
	return Result{Collector: b.name, Status: StatusError, Error: err.Error(), Files: []string{}}
}

func (b *base) ok(files ...string) Result {
	return Result{Collector: b.name, Status: StatusOK, Files: files}
}

// NewBank builds the standard ordered collector bank rooted at workdir.
// All subprocess calls go through runner so tests can inject fakes.
func NewBank(workdir string, runner CommandRunner) []Collector {
	return []Collector{
		NewSysmon(workdir, runner),
		NewProcmon(workdir, runner),
		NewNetwork(workdir, runner),
		NewScreenshot(workdir, runner),
		NewTcpvcon(workdir, runner),
		NewHandle(workdir, runner),
	}
}
