package collector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// savePathFromPSCommand pulls the target file path out of the generated
// PowerShell capture command.
func savePathFromPSCommand(cmd string) string {
	start := strings.Index(cmd, ".Save('")
	if start < 0 {
		return ""
	}
	rest := cmd[start+len(".Save('"):]
	end := strings.Index(rest, "'")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func TestScreenshotCaptureLifecycle(t *testing.T) {
	runner := newFakeRunner()
	runner.onRun = func(name string, args []string) {
		if name != "powershell.exe" || len(args) == 0 {
			return
		}
		if path := savePathFromPSCommand(args[len(args)-1]); path != "" {
			_ = os.WriteFile(path, []byte("png"), 0o644)
		}
	}

	c := NewScreenshot(t.TempDir(), runner)
	require.NoError(t, c.StartCapture(time.Second))

	assert.Eventually(t, func() bool {
		return runner.called("powershell.exe")
	}, 5*time.Second, 10*time.Millisecond)

	c.StopCapture()

	res := c.Collect()
	require.Equal(t, StatusOK, res.Status)
	require.NotEmpty(t, res.Files)
	assert.Contains(t, filepath.Base(res.Files[0]), "screenshot_000_")
}

func TestScreenshotCollectPicksUpOnDiskImages(t *testing.T) {
	c := NewScreenshot(t.TempDir(), newFakeRunner())
	require.NoError(t, os.MkdirAll(c.OutputDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.OutputDir(), "manual.PNG"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(c.OutputDir(), "notes.txt"), []byte("x"), 0o644))

	res := c.Collect()
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Files, 1, "non-image files are ignored")
	assert.Equal(t, "manual.PNG", filepath.Base(res.Files[0]))
}

func TestScreenshotCollectNoData(t *testing.T) {
	c := NewScreenshot(t.TempDir(), newFakeRunner())
	assert.Equal(t, StatusNoData, c.Collect().Status)
}

func TestScreenshotStopWithoutStart(t *testing.T) {
	c := NewScreenshot(t.TempDir(), newFakeRunner())
	assert.NotPanics(t, func() { c.StopCapture() })
}

func TestScreenshotFailedCaptureNotRecorded(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["powershell.exe"] = assert.AnError

	c := NewScreenshot(t.TempDir(), runner)
	require.NoError(t, c.StartCapture(time.Second))

	assert.Eventually(t, func() bool {
		return runner.called("powershell.exe")
	}, 5*time.Second, 10*time.Millisecond)

	c.StopCapture()
	assert.Equal(t, StatusNoData, c.Collect().Status)
}
