package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Handle snapshots open file and registry handles using handle64.
//
// With a sample set, only handles of the sample process are listed;
// otherwise all unnamed handles are dumped.
type Handle struct {
	base

	// SearchPaths lists candidate handle executables, first hit wins.
	SearchPaths []string
}

// DefaultHandlePaths are the standard install locations probed for handle.
var DefaultHandlePaths = []string{
	`C:\IsoLens\tools\handle64.exe`,
	`C:\IsoLens\tools\handle.exe`,
	`C:\Tools\handle64.exe`,
}

// NewHandle creates the handle snapshot collector.
func NewHandle(workdir string, runner CommandRunner) *Handle {
	return &Handle{
		base:        newBase("handle", workdir, runner),
		SearchPaths: DefaultHandlePaths,
	}
}

func (c *Handle) findExe() string {
	for _, p := range c.SearchPaths {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func (c *Handle) Available() bool {
	return c.findExe() != ""
}

func (c *Handle) Collect() Result {
	exe := c.findExe()
	if exe == "" {
		c.logger.Warn("handle64 not found, skipping")
		return c.unavailable()
	}

	args := []string{"-accepteula"}
	if c.sample != "" {
		args = append(args, "-p", c.sample)
	} else {
		args = append(args, "-u")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	raw, err := c.runner.Run(ctx, exe, args...)
	if err != nil {
		c.logger.Error("handle failed", "error", err)
		return c.failed(err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		c.logger.Warn("handle64 returned no data")
		return c.noData()
	}

	outputFile := filepath.Join(c.outputDir, "handle_snapshot.txt")
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return c.failed(err)
	}
	if err := os.WriteFile(outputFile, raw, 0o644); err != nil {
		return c.failed(fmt.Errorf("write %s: %w", outputFile, err))
	}

	c.logger.Info("handle snapshot written", "file", outputFile)
	return c.ok(outputFile)
}
