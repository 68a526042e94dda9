package collector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkCaptureLifecycle(t *testing.T) {
	workdir := t.TempDir()
	exe := writeTempTool(t, workdir, "tshark.exe")
	runner := newFakeRunner()

	c := NewNetwork(workdir, runner)
	c.SearchPaths = []string{exe}

	require.NoError(t, c.StartCapture(0))
	assert.True(t, runner.called("START "+exe))

	c.StopCapture()
	require.Len(t, runner.processes, 1)
	assert.True(t, runner.processes[0].terminated)
	assert.True(t, runner.called("taskkill /f /im tshark.exe"))
}

func TestNetworkStartCaptureWithoutTool(t *testing.T) {
	c := NewNetwork(t.TempDir(), newFakeRunner())
	c.SearchPaths = []string{`Z:\missing\tshark.exe`}

	assert.ErrorIs(t, c.StartCapture(0), ErrToolNotFound)
	assert.Equal(t, StatusUnavailable, c.Collect().Status)
}

func TestNetworkCollectNoPcap(t *testing.T) {
	workdir := t.TempDir()
	exe := writeTempTool(t, workdir, "tshark.exe")

	c := NewNetwork(workdir, newFakeRunner())
	c.SearchPaths = []string{exe}

	assert.Equal(t, StatusNoData, c.Collect().Status)
}

func TestNetworkCollectParsesPcap(t *testing.T) {
	workdir := t.TempDir()
	exe := writeTempTool(t, workdir, "tshark.exe")

	runner := newFakeRunner()
	runner.respond["conv,tcp"] = "TCP Conversations\n10.0.0.5:49152 <-> 203.0.113.7:443\n"
	runner.respond["dns.qry.name"] = "c2.example.net\nupdate.example.org\nc2.example.net\n"
	runner.respond["http.request"] = "c2.example.net\t/gate.php\tPOST\nbad-line\n"

	c := NewNetwork(workdir, runner)
	c.SearchPaths = []string{exe}
	require.NoError(t, os.MkdirAll(c.OutputDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.OutputDir(), "capture.pcap"), []byte("pcap"), 0o644))

	res := c.Collect()
	require.Equal(t, StatusOK, res.Status)

	data, err := os.ReadFile(filepath.Join(c.OutputDir(), "network_summary.json"))
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))

	assert.Contains(t, summary["tcp_conversations"], "203.0.113.7:443")
	assert.Equal(t, []any{"c2.example.net", "update.example.org"}, summary["dns_queries"],
		"queries are deduplicated and sorted")

	reqs, ok := summary["http_requests"].([]any)
	require.True(t, ok)
	require.Len(t, reqs, 1, "lines without three fields are dropped")
	req := reqs[0].(map[string]any)
	assert.Equal(t, "/gate.php", req["uri"])
	assert.Equal(t, "POST", req["method"])
}

func TestNetworkCollectRecordsQueryErrors(t *testing.T) {
	workdir := t.TempDir()
	exe := writeTempTool(t, workdir, "tshark.exe")

	runner := newFakeRunner()
	runner.fail["conv,tcp"] = assert.AnError
	runner.respond["dns.qry.name"] = ""

	c := NewNetwork(workdir, runner)
	c.SearchPaths = []string{exe}
	require.NoError(t, os.MkdirAll(c.OutputDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.OutputDir(), "capture.pcap"), []byte("pcap"), 0o644))

	res := c.Collect()
	require.Equal(t, StatusOK, res.Status, "one failed query must not abort collection")

	data, err := os.ReadFile(filepath.Join(c.OutputDir(), "network_summary.json"))
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Contains(t, summary, "tcp_error")
	assert.NotContains(t, summary, "tcp_conversations")
}

func TestNetworkStopCaptureWithoutStart(t *testing.T) {
	c := NewNetwork(t.TempDir(), newFakeRunner())
	assert.NotPanics(t, func() { c.StopCapture() })
}
