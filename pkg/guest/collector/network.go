package collector

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Network captures traffic with tshark (Wireshark CLI).
//
// The capture is started before sample execution and stopped after. The
// captured PCAP is parsed into a concise JSON summary with conversations,
// DNS queries, and HTTP requests; the raw PCAP is excluded from the result
// package.
type Network struct {
	base

	// SearchPaths lists candidate tshark executables, first hit wins.
	SearchPaths []string

	proc     Process
	pcapPath string
}

// DefaultTsharkPaths are the standard Wireshark install locations.
var DefaultTsharkPaths = []string{
	`C:\Program Files\Wireshark\tshark.exe`,
	`C:\Program Files (x86)\Wireshark\tshark.exe`,
}

// NewNetwork creates the tshark packet capture collector.
func NewNetwork(workdir string, runner CommandRunner) *Network {
	b := newBase("network", workdir, runner)
	return &Network{
		base:        b,
		SearchPaths: DefaultTsharkPaths,
		pcapPath:    filepath.Join(b.outputDir, "capture.pcap"),
	}
}

func (c *Network) findExe() string {
	for _, p := range c.SearchPaths {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func (c *Network) Available() bool {
	return c.findExe() != ""
}

// StartCapture starts a background packet capture. Call before sample
// execution. The interval argument is ignored; capture is continuous.
func (c *Network) StartCapture(_ time.Duration) error {
	exe := c.findExe()
	if exe == "" {
		return ErrToolNotFound
	}

	proc, err := c.runner.Start(exe, "-i", "1", "-w", c.pcapPath, "-q")
	if err != nil {
		c.logger.Warn("tshark start failed", "error", err)
		return err
	}
	c.proc = proc
	c.logger.Info("tshark capture started", "pcap", c.pcapPath)
	return nil
}

// StopCapture stops the running capture and kills stray tshark processes.
func (c *Network) StopCapture() {
	if c.proc != nil {
		if err := c.proc.Terminate(); err == nil {
			if err := c.proc.Wait(10 * time.Second); err != nil {
				_ = c.proc.Kill()
			}
		} else {
			_ = c.proc.Kill()
		}
		c.proc = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = c.runner.Run(ctx, "taskkill", "/f", "/im", "tshark.exe")

	c.logger.Info("tshark capture stopped")
}

func (c *Network) Collect() Result {
	exe := c.findExe()
	if exe == "" {
		return c.unavailable()
	}
	if !fileExists(c.pcapPath) {
		return c.noData()
	}

	summary := c.parsePcap(exe)

	summaryFile := filepath.Join(c.outputDir, "network_summary.json")
	if err := writeJSON(summaryFile, summary); err != nil {
		c.logger.Error("Network summary write failed", "error", err)
		return c.failed(err)
	}

	c.logger.Info("Network summary written", "file", summaryFile)
	return c.ok(summaryFile)
}

// parsePcap extracts conversations, DNS, and HTTP from the captured PCAP.
// Each extraction failure is recorded in the summary instead of aborting.
func (c *Network) parsePcap(exe string) map[string]any {
	out := make(map[string]any)

	run := func(args ...string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		raw, err := c.runner.Run(ctx, exe, args...)
		return string(raw), err
	}

	// TCP conversations
	if stdout, err := run("-r", c.pcapPath, "-q", "-z", "conv,tcp"); err != nil {
		out["tcp_error"] = err.Error()
	} else {
		out["tcp_conversations"] = strings.TrimSpace(stdout)
	}

	// DNS queries
	if stdout, err := run("-r", c.pcapPath, "-Y", "dns.qry.name",
		"-T", "fields", "-e", "dns.qry.name"); err != nil {
		out["dns_error"] = err.Error()
	} else {
		seen := make(map[string]bool)
		for _, q := range strings.Split(strings.TrimSpace(stdout), "\n") {
			if q != "" {
				seen[q] = true
			}
		}
		queries := make([]string, 0, len(seen))
		for q := range seen {
			queries = append(queries, q)
		}
		sort.Strings(queries)
		out["dns_queries"] = queries
	}

	// HTTP requests
	if stdout, err := run("-r", c.pcapPath, "-Y", "http.request",
		"-T", "fields", "-e", "http.host",
		"-e", "http.request.uri", "-e", "http.request.method"); err != nil {
		out["http_error"] = err.Error()
	} else if trimmed := strings.TrimSpace(stdout); trimmed != "" {
		var reqs []map[string]string
		for _, line := range strings.Split(trimmed, "\n") {
			parts := strings.Split(line, "\t")
			if len(parts) >= 3 {
				reqs = append(reqs, map[string]string{
					"host":   parts[0],
					"uri":    parts[1],
					"method": parts[2],
				})
			}
		}
		out["http_requests"] = reqs
	}

	return out
}
