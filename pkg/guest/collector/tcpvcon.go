package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tcpvcon snapshots active TCP/UDP connections using tcpvcon64.
//
// When a sample is set, the CSV output is filtered to lines mentioning the
// sample process, keeping the header row.
type Tcpvcon struct {
	base

	// SearchPaths lists candidate tcpvcon executables, first hit wins.
	SearchPaths []string
}

// DefaultTcpvconPaths are the standard install locations probed for tcpvcon.
var DefaultTcpvconPaths = []string{
	`C:\IsoLens\tools\tcpvcon64.exe`,
	`C:\IsoLens\tools\tcpvcon.exe`,
	`C:\Tools\tcpvcon64.exe`,
}

// NewTcpvcon creates the connection snapshot collector.
func NewTcpvcon(workdir string, runner CommandRunner) *Tcpvcon {
	return &Tcpvcon{
		base:        newBase("tcpvcon", workdir, runner),
		SearchPaths: DefaultTcpvconPaths,
	}
}

func (c *Tcpvcon) findExe() string {
	for _, p := range c.SearchPaths {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func (c *Tcpvcon) Available() bool {
	return c.findExe() != ""
}

func (c *Tcpvcon) Collect() Result {
	exe := c.findExe()
	if exe == "" {
		c.logger.Warn("tcpvcon not found, skipping")
		return c.unavailable()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := c.runner.Run(ctx, exe, "-accepteula", "-a", "-c")
	if err != nil {
		c.logger.Error("tcpvcon failed", "error", err)
		return c.failed(err)
	}
	output := strings.TrimSpace(string(raw))
	if output == "" {
		c.logger.Warn("tcpvcon returned no data")
		return c.noData()
	}

	lines := strings.Split(output, "\n")
	filtered := FilterConnectionSnapshot(lines, c.sample)

	outputFile := filepath.Join(c.outputDir, "tcpvcon_snapshot.csv")
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return c.failed(err)
	}
	if err := os.WriteFile(outputFile, []byte(strings.Join(filtered, "\n")), 0o644); err != nil {
		return c.failed(fmt.Errorf("write %s: %w", outputFile, err))
	}

	c.logger.Info("tcpvcon snapshot written",
		"file", outputFile,
		"connections", len(filtered)-1)
	return c.ok(outputFile)
}

// FilterConnectionSnapshot keeps the header line plus every line mentioning
// sampleProc (case-insensitive). An empty sampleProc keeps all lines.
func FilterConnectionSnapshot(lines []string, sampleProc string) []string {
	sampleLower := strings.ToLower(sampleProc)
	if sampleLower == "" || len(lines) == 0 {
		return lines
	}

	filtered := []string{lines[0]}
	for _, l := range lines[1:] {
		if strings.Contains(strings.ToLower(l), sampleLower) {
			filtered = append(filtered, l)
		}
	}
	return filtered
}
