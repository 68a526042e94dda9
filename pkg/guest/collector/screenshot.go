package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Screenshot captures the guest desktop periodically during sample
// execution using PowerShell and System.Drawing.
//
// The capture runs in a background goroutine at a configurable interval
// between StartCapture and StopCapture. Collect returns everything captured
// plus any images already present in the output directory.
type Screenshot struct {
	base

	mu       sync.Mutex
	captured []string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScreenshot creates the desktop screenshot collector.
func NewScreenshot(workdir string, runner CommandRunner) *Screenshot {
	return &Screenshot{base: newBase("screenshots", workdir, runner)}
}

// Available on Windows, where PowerShell can use System.Drawing.
func (c *Screenshot) Available() bool {
	return runtime.GOOS == "windows"
}

// StartCapture begins taking screenshots at the given interval.
// Intervals below two seconds are clamped to two seconds.
func (c *Screenshot) StartCapture(interval time.Duration) error {
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}

	c.mu.Lock()
	c.captured = nil
	c.mu.Unlock()

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.outputDir, err)
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.captureLoop(interval)

	c.logger.Info("Screenshot capture started", "interval", interval)
	return nil
}

// StopCapture stops the capture loop and waits for it to finish.
func (c *Screenshot) StopCapture() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	select {
	case <-c.doneCh:
	case <-time.After(15 * time.Second):
		c.logger.Warn("Screenshot capture loop did not stop in time")
	}
	c.stopCh = nil

	c.mu.Lock()
	count := len(c.captured)
	c.mu.Unlock()
	c.logger.Info("Screenshot capture stopped", "captured", count)
}

func (c *Screenshot) captureLoop(interval time.Duration) {
	defer close(c.doneCh)

	idx := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.captureOne(idx) {
			idx++
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

func (c *Screenshot) captureOne(idx int) bool {
	ts := time.Now().UTC().Format("20060102_150405")
	filename := fmt.Sprintf("screenshot_%03d_%s.png", idx, ts)
	path := filepath.Join(c.outputDir, filename)
	escaped := strings.ReplaceAll(path, "'", "''")

	psCmd := "Add-Type -AssemblyName System.Windows.Forms,System.Drawing; " +
		"$b = [System.Windows.Forms.Screen]::PrimaryScreen.Bounds; " +
		"$bmp = New-Object System.Drawing.Bitmap($b.Width, $b.Height); " +
		"$g = [System.Drawing.Graphics]::FromImage($bmp); " +
		"$g.CopyFromScreen($b.Location, [System.Drawing.Point]::Empty, $b.Size); " +
		"$bmp.Save('" + escaped + "', [System.Drawing.Imaging.ImageFormat]::Png); " +
		"$g.Dispose(); $bmp.Dispose()"

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.runner.Run(ctx, "powershell.exe",
		"-NoProfile", "-NonInteractive", "-Command", psCmd)
	if err != nil || !fileExists(path) {
		c.logger.Warn("Screenshot failed", "index", idx, "error", err)
		return false
	}

	c.mu.Lock()
	c.captured = append(c.captured, path)
	c.mu.Unlock()
	c.logger.Info("Screenshot captured", "index", idx, "file", filename)
	return true
}

// Collect returns every captured screenshot plus images found on disk.
func (c *Screenshot) Collect() Result {
	imageExts := map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true}

	set := make(map[string]bool)
	entries, err := os.ReadDir(c.outputDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				set[filepath.Join(c.outputDir, e.Name())] = true
			}
		}
	}

	c.mu.Lock()
	for _, f := range c.captured {
		set[f] = true
	}
	c.mu.Unlock()

	if len(set) == 0 {
		c.logger.Info("No screenshots captured")
		return c.noData()
	}

	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)

	c.logger.Info("Screenshots collected", "count", len(files))
	return c.ok(files...)
}
