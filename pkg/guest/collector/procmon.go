package collector

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Procmon collects and parses Process Monitor logs.
//
// Collection terminates Procmon to flush its backing file, converts the PML
// to CSV, then parses the CSV into a concise sample-filtered summary. The
// raw PML and CSV stay on disk but are excluded from the result package.
type Procmon struct {
	base

	// SearchPaths lists candidate Procmon executables, first hit wins.
	SearchPaths []string
}

// DefaultProcmonPaths are the standard install locations probed for Procmon.
var DefaultProcmonPaths = []string{
	`C:\IsoLens\tools\Procmon64.exe`,
	`C:\IsoLens\tools\Procmon.exe`,
	`C:\Tools\Procmon64.exe`,
	`C:\Tools\Procmon.exe`,
	`C:\SysinternalsSuite\Procmon64.exe`,
	`C:\SysinternalsSuite\Procmon.exe`,
}

// NewProcmon creates the Process Monitor collector.
func NewProcmon(workdir string, runner CommandRunner) *Procmon {
	return &Procmon{
		base:        newBase("procmon", workdir, runner),
		SearchPaths: DefaultProcmonPaths,
	}
}

// FindExe returns the first Procmon executable that exists, or "".
func (c *Procmon) FindExe() string {
	for _, p := range c.SearchPaths {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func (c *Procmon) Available() bool {
	return c.FindExe() != ""
}

// PMLPath is where the execution flow points Procmon's backing file.
func (c *Procmon) PMLPath() string {
	return filepath.Join(c.outputDir, "procmon.pml")
}

func (c *Procmon) Collect() Result {
	exe := c.FindExe()
	if exe == "" {
		c.logger.Warn("Procmon not found, skipping")
		return c.unavailable()
	}

	pmlFile := c.PMLPath()
	csvFile := filepath.Join(c.outputDir, "procmon.csv")
	summaryFile := filepath.Join(c.outputDir, "procmon_summary.json")

	c.terminate(exe)

	if !fileExists(pmlFile) {
		c.logger.Warn("No Procmon log found", "path", pmlFile)
		return c.noData()
	}

	c.convertToCSV(exe, pmlFile, csvFile)

	// Force-kill any remaining Procmon instance.
	c.taskkill(filepath.Base(exe))

	if !fileExists(csvFile) {
		c.logger.Warn("No Procmon CSV available for parsing")
		return c.noData()
	}

	f, err := os.Open(csvFile)
	if err != nil {
		return c.failed(err)
	}
	defer f.Close()

	summary := ParseProcmonCSV(f, c.sample)
	if err := writeJSON(summaryFile, summary); err != nil {
		c.logger.Error("Procmon summary write failed", "error", err)
		return c.failed(err)
	}

	c.logger.Info("Procmon summary written",
		"file", summaryFile,
		"sample_events", summary.SampleEvents,
		"total_rows", summary.TotalRows)
	return c.ok(summaryFile)
}

// terminate flushes buffered data by asking Procmon to exit.
func (c *Procmon) terminate(exe string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.runner.Run(ctx, exe, "/Terminate")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("Procmon /Terminate timed out, force-killing")
		c.taskkill(filepath.Base(exe))
		time.Sleep(1 * time.Second)
		return
	}
	if err != nil {
		c.logger.Warn("Procmon terminate failed", "error", err)
	}
	time.Sleep(2 * time.Second)
}

// convertToCSV runs the PML to CSV conversion, killing Procmon if it hangs.
func (c *Procmon) convertToCSV(exe, pmlFile, csvFile string) {
	proc, err := c.runner.Start(exe, "/OpenLog", pmlFile, "/SaveAs", csvFile, "/AcceptEula")
	if err != nil {
		c.logger.Warn("Procmon CSV conversion skipped", "error", err)
		return
	}
	if err := proc.Wait(45 * time.Second); errors.Is(err, ErrWaitTimeout) {
		c.logger.Warn("Procmon CSV conversion timed out, killing")
		_ = proc.Kill()
		_ = proc.Wait(5 * time.Second)
	}
}

func (c *Procmon) taskkill(image string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = c.runner.Run(ctx, "taskkill", "/f", "/im", image)
}

// ProcmonSummary is the sample-filtered digest of a Procmon CSV export.
type ProcmonSummary struct {
	ParseError       string           `json:"parse_error,omitempty"`
	SampleProcess    string           `json:"sample_process,omitempty"`
	TotalRows        int              `json:"total_rows"`
	SampleEvents     int              `json:"sample_events"`
	FileActivity     *ActivitySummary `json:"file_activity,omitempty"`
	RegistryActivity *ActivitySummary `json:"registry_activity,omitempty"`
	NetworkActivity  []NetOp          `json:"network_activity,omitempty"`
	ProcessActivity  []ProcOp         `json:"process_activity,omitempty"`
}

// ActivitySummary buckets operations by name: notable keeps the interesting
// operations with their paths, all_ops counts every operation seen.
type ActivitySummary struct {
	Notable map[string][]string `json:"notable"`
	AllOps  map[string]int      `json:"all_ops"`
}

// NetOp is one TCP/UDP row from the Procmon trace.
type NetOp struct {
	Op     string `json:"op"`
	Path   string `json:"path"`
	Result string `json:"result"`
}

// ProcOp is one process/thread/image-load row from the Procmon trace.
type ProcOp struct {
	Op     string `json:"op"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

const (
	maxPathsPerOp = 80
	maxNetOps     = 50
	maxProcOps    = 50
)

var (
	fileOpKeywords      = []string{"File", "Create", "Write", "Read", "Close", "Delete", "Directory", "Flush"}
	notableFileKeywords = []string{"Write", "Create", "Delete", "SetDisposition", "SetRename"}
	notableRegKeywords  = []string{"SetValue", "CreateKey", "DeleteKey", "DeleteValue"}
	netOpKeywords       = []string{"TCP", "UDP"}
	processOpKeywords   = []string{"Process", "Thread", "Load Image"}
)

// ParseProcmonCSV parses a Procmon CSV export, filters rows to the sample
// process (matched case-insensitively against the Process Name column), and
// buckets operations into file, registry, network, and process activity.
// An empty sampleProc keeps no rows out.
func ParseProcmonCSV(r io.Reader, sampleProc string) *ProcmonSummary {
	sampleLower := strings.ToLower(sampleProc)

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return &ProcmonSummary{ParseError: err.Error()}
	}
	// A UTF-8 BOM sticks to the first column name.
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	fileOps := make(map[string][]string)
	regOps := make(map[string][]string)
	var netOps []NetOp
	var procOps []ProcOp
	totalCount, sampleCount := 0, 0

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ProcmonSummary{ParseError: err.Error()}
		}
		totalCount++

		pname := strings.ToLower(field(row, "Process Name"))
		if sampleLower != "" && !strings.Contains(pname, sampleLower) {
			continue
		}
		sampleCount++

		op := field(row, "Operation")
		path := field(row, "Path")

		switch {
		case containsAny(op, fileOpKeywords):
			appendBounded(fileOps, op, path)
		case strings.Contains(op, "Reg"):
			appendBounded(regOps, op, path)
		case containsAny(op, netOpKeywords):
			if len(netOps) < maxNetOps {
				netOps = append(netOps, NetOp{Op: op, Path: path, Result: field(row, "Result")})
			}
		case containsAny(op, processOpKeywords):
			if len(procOps) < maxProcOps {
				procOps = append(procOps, ProcOp{Op: op, Path: path, Detail: field(row, "Detail")})
			}
		}
	}

	sampleName := sampleProc
	if sampleName == "" {
		sampleName = "unknown"
	}

	return &ProcmonSummary{
		SampleProcess:    sampleName,
		TotalRows:        totalCount,
		SampleEvents:     sampleCount,
		FileActivity:     summarizeActivity(fileOps, notableFileKeywords),
		RegistryActivity: summarizeActivity(regOps, notableRegKeywords),
		NetworkActivity:  netOps,
		ProcessActivity:  procOps,
	}
}

// appendBounded adds path to the op's bucket unless already present or the
// bucket is full.
func appendBounded(buckets map[string][]string, op, path string) {
	bucket := buckets[op]
	if len(bucket) >= maxPathsPerOp {
		return
	}
	for _, p := range bucket {
		if p == path {
			return
		}
	}
	buckets[op] = append(bucket, path)
}

// summarizeActivity keeps only the interesting operations in full and
// reduces the rest to per-operation counts.
func summarizeActivity(ops map[string][]string, notableKeywords []string) *ActivitySummary {
	notable := make(map[string][]string)
	allOps := make(map[string]int, len(ops))
	for op, paths := range ops {
		allOps[op] = len(paths)
		if containsAny(op, notableKeywords) {
			notable[op] = paths
		}
	}
	return &ActivitySummary{Notable: notable, AllOps: allOps}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
