// Package cleanup provides data retention for report directories and
// stale result packages.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeready-toolchain/isolens/pkg/config"
)

// Service periodically enforces retention policies:
//   - Removes report directories older than the retention window
//   - Removes result zips left behind in the shared folder
//
// All operations are idempotent.
type Service struct {
	config     *config.RetentionConfig
	reportsDir string
	shareDir   string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service over the reports and share
// directories.
func NewService(cfg *config.RetentionConfig, reportsDir, shareDir string) *Service {
	return &Service{
		config:     cfg,
		reportsDir: reportsDir,
		shareDir:   shareDir,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"report_retention_days", s.config.ReportRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single retention pass.
func (s *Service) RunOnce() {
	cutoff := time.Now().Add(-time.Duration(s.config.ReportRetentionDays) * 24 * time.Hour)
	s.pruneReports(cutoff)
	s.pruneShareZips(cutoff)
}

func (s *Service) pruneReports(cutoff time.Time) {
	entries, err := os.ReadDir(s.reportsDir)
	if err != nil {
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.reportsDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Error("Retention: report removal failed", "report", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: removed expired reports", "count", removed)
	}
}

func (s *Service) pruneShareZips(cutoff time.Time) {
	entries, err := os.ReadDir(s.shareDir)
	if err != nil {
		return
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "results_") || !strings.HasSuffix(name, ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.shareDir, name)); err != nil {
			slog.Error("Retention: result package removal failed", "file", name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: removed stale result packages", "count", removed)
	}
}
