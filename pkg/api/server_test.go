package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/isolens/pkg/agentapi"
	"github.com/codeready-toolchain/isolens/pkg/config"
	"github.com/codeready-toolchain/isolens/pkg/orchestrator"
	"github.com/codeready-toolchain/isolens/pkg/threatintel"
	"github.com/codeready-toolchain/isolens/pkg/vbox"
)

// fakeAgent serves the slice of the guest agent API the gateway proxies.
type fakeAgent struct {
	status atomic.Value // string
}

func newFakeAgent(status string) *fakeAgent {
	a := &fakeAgent{}
	a.status.Store(status)
	return a
}

func (a *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	writeData := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "data": data})
	}
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, map[string]any{
			"status":        a.status.Load(),
			"agent_version": "1.3.0",
			"collectors": []map[string]any{
				{"name": "sysmon", "available": true},
			},
		})
	})
	mux.HandleFunc("GET /api/collectors", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, map[string]any{
			"collectors": []map[string]any{
				{"name": "sysmon", "available": true},
				{"name": "handle", "available": false},
			},
		})
	})
	mux.HandleFunc("GET /api/artifacts", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, map[string]any{"files": []string{"metadata.json"}, "count": 1})
	})
	mux.HandleFunc("POST /api/execute", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, map[string]any{"message": "Execution started"})
	})
	mux.HandleFunc("POST /api/cleanup", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, map[string]any{"message": "Artifacts cleaned up"})
	})
	return mux
}

// nullRunner satisfies vbox.Runner without touching the host.
type nullRunner struct{}

func (nullRunner) Run(context.Context, string, ...string) (string, string, int, error) {
	return "", "", 0, nil
}

// scriptedChat returns canned responses per agent name.
type scriptedChat struct {
	responses map[string]string
}

func (s *scriptedChat) Model() string { return threatintel.RequiredModel }

func (s *scriptedChat) Chat(_ context.Context, agentName, _ string) (string, error) {
	if resp, ok := s.responses[agentName]; ok {
		return resp, nil
	}
	return `{"tool": "x", "verdict": "inconclusive", "confidence": 0, "summary": "n/a", "findings": [], "iocs": []}`, nil
}

const summaryJSON = `{
	"risk_score": 72,
	"threat_level": "high",
	"classification": {"malware_type": "trojan", "malware_family": "unknown", "platform": "windows", "confidence": 70},
	"executive_summary": "Sample exhibits trojan behavior.",
	"detailed_analysis": "Detail.",
	"key_findings": [],
	"iocs": [],
	"mitre_attack": [],
	"recommendations": []
}`

type testGateway struct {
	server   *Server
	orch     *orchestrator.Orchestrator
	agentSrv *httptest.Server
	share    string
	reports  string
}

func newTestGateway(t *testing.T, agent *fakeAgent) *testGateway {
	t.Helper()

	srv := httptest.NewServer(agent.handler())
	t.Cleanup(srv.Close)

	share := t.TempDir()
	reports := t.TempDir()
	cfg := &config.Config{
		VM: &config.VMConfig{Name: "WindowsSandbox"},
		Paths: &config.PathsConfig{
			ShareDir:   share,
			SamplesDir: filepath.Join(t.TempDir(), "samples"),
			ReportsDir: reports,
		},
		Analysis: &config.AnalysisConfig{
			DefaultTimeoutSec:     60,
			ScreenshotIntervalSec: 15,
			PollIntervalSec:       1,
			CompletionGraceSec:    5,
		},
		Gateway: &config.GatewayConfig{Host: "127.0.0.1", Port: 0},
	}

	vm := vbox.NewClient("VBoxManage", vbox.WithRunner(nullRunner{}))
	orch, err := orchestrator.New(cfg, agentapi.NewClient(srv.URL, 5*time.Second), vm)
	require.NoError(t, err)

	chat := &scriptedChat{responses: map[string]string{"threat-summarizer": summaryJSON}}
	analyzer := threatintel.NewAnalyzer(reports, chat)

	return &testGateway{
		server:   NewServer(cfg, orch, analyzer),
		orch:     orch,
		agentSrv: srv,
		share:    share,
		reports:  reports,
	}
}

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for member, content := range members {
		w, err := zw.Create(member)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func (g *testGateway) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, *Envelope) {
	t.Helper()
	var reader *bytes.Buffer
	if body == nil {
		reader = &bytes.Buffer{}
	} else {
		reader = body
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)

	var env Envelope
	if rec.Header().Get("Content-Type") != "" {
		var raw struct {
			Status string          `json:"status"`
			Data   json.RawMessage `json:"data"`
			Error  *ErrorPayload   `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &raw); err == nil {
			env.Status = raw.Status
			env.Error = raw.Error
			if len(raw.Data) > 0 {
				var data any
				require.NoError(t, json.Unmarshal(raw.Data, &data))
				env.Data = data
			}
		}
	}
	return rec, &env
}

func sampleUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func writeReport(t *testing.T, reportsDir, id string) string {
	t.Helper()
	dir := filepath.Join(reportsDir, id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "artifacts", "sysmon"), 0o755))
	manifest := map[string]any{
		"analysis_id": id,
		"sample_name": "evil.exe",
		"status":      "complete",
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, orchestrator.ManifestFilename), raw, 0o644))
	return dir
}

func TestPingAndVersion(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodGet, "/api/ping", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Status)
	assert.Equal(t, map[string]any{"message": "pong"}, env.Data)

	rec, env = g.do(t, http.MethodGet, "/api/version", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, data["version"])
}

func TestNoRouteReturnsEnvelope(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodGet, "/api/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Not found", env.Error.Message)
}

func TestSubmitTimeoutValidation(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	for _, raw := range []string{"5", "301", "abc"} {
		body, ct := sampleUpload(t, "evil.exe", "MZ")
		rec, env := g.do(t, http.MethodPost, "/api/analysis/submit?timeout="+raw, body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "timeout=%s", raw)
		assert.Equal(t, "error", env.Status)
	}
}

func TestSubmitMissingFile(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodPost, "/api/analysis/submit", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Missing sample file upload", env.Error.Message)
}

func TestSubmitRunsAnalysis(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	// A finished result package already waits in the share.
	writeZip(t, filepath.Join(g.share, "results_evil_20260824_120000.zip"), map[string]string{
		"artifacts/metadata.json": `{"sample": "evil.exe"}`,
	})

	body, ct := sampleUpload(t, "evil.exe", "MZ")
	rec, env := g.do(t, http.MethodPost, "/api/analysis/submit?timeout=10", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Status)

	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "complete", data["status"])
	assert.Equal(t, "evil.exe", data["sample_name"])

	// Status now reflects the finished run.
	rec, env = g.do(t, http.MethodGet, "/api/analysis/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, data["analysis_id"], status["analysis_id"])
}

func TestSubmitConflictWhileRunning(t *testing.T) {
	agent := newFakeAgent(agentapi.StateExecuting)
	g := newTestGateway(t, agent)

	firstBody, firstCT := sampleUpload(t, "slow.exe", "MZ")
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodPost, "/api/analysis/submit?timeout=10", firstBody)
		req.Header.Set("Content-Type", firstCT)
		g.server.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()

	require.Eventually(t, g.orch.Running, 5*time.Second, 10*time.Millisecond)

	body, ct := sampleUpload(t, "second.exe", "MZ")
	rec, env := g.do(t, http.MethodPost, "/api/analysis/submit?timeout=10", body, ct)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Analysis already in progress", env.Error.Message)

	agent.status.Store(agentapi.StateIdle)
	<-done
}

func TestAnalysisStatusBeforeAnyRun(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodGet, "/api/analysis/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"message": "No analysis has been run yet"}, env.Data)
}

func TestCheckVMAndCleanup(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodPost, "/api/analysis/check-vm", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	checks, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, checks["agent_reachable"])
	assert.Equal(t, true, checks["ready"])

	rec, _ = g.do(t, http.MethodPost, "/api/analysis/cleanup", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentProxies(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodGet, "/api/analysis/agent/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "idle", status["status"])

	rec, env = g.do(t, http.MethodGet, "/api/analysis/agent/collectors", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Len(t, data["collectors"], 2)

	rec, env = g.do(t, http.MethodGet, "/api/analysis/agent/artifacts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	artifacts, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), artifacts["count"])
}

func TestAgentProxyUnreachable(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))
	g.agentSrv.Close()

	rec, env := g.do(t, http.MethodGet, "/api/analysis/agent/status", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Agent unreachable", env.Error.Message)
}

func TestReportsListAndClear(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	writeReport(t, g.reports, "20260824_100000_aaaaaaaa")
	writeReport(t, g.reports, "20260824_110000_bbbbbbbb")
	require.NoError(t, os.WriteFile(filepath.Join(g.share, "results_evil_1.zip"), []byte("zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(g.share, "evil.exe"), []byte("MZ"), 0o644))

	rec, env := g.do(t, http.MethodGet, "/api/analysis/reports/list", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	reports, ok := data["reports"].([]any)
	require.True(t, ok)
	require.Len(t, reports, 2)

	// Newest first.
	first, ok := reports[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "20260824_110000_bbbbbbbb", first["analysis_id"])

	rec, env = g.do(t, http.MethodDelete, "/api/analysis/reports/clear", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	cleared, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), cleared["deleted"])

	// Report dirs and staged zips are gone; the sample copy survives.
	entries, err := os.ReadDir(g.reports)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, filepath.Join(g.share, "results_evil_1.zip"))
	assert.FileExists(t, filepath.Join(g.share, "evil.exe"))

	// Clearing forgets the last run.
	rec, env = g.do(t, http.MethodGet, "/api/analysis/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"message": "No analysis has been run yet"}, env.Data)
}

func TestReportData(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))
	id := "20260824_100000_aaaaaaaa"
	dir := writeReport(t, g.reports, id)

	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "handle"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "tcpvcon"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "screenshots"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "screenshots"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "metadata.json"),
		[]byte(`{"sample": "evil.exe"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "sysmon", "sysmon_summary.json"),
		[]byte(`{"total_events": 12}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "handle", "handle_snapshot.txt"),
		[]byte("handle output"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "tcpvcon", "tcpvcon_snapshot.csv"),
		[]byte("Process,PID,State\nevil.exe,123,ESTABLISHED\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "screenshots", "guest_001.png"), []byte("p"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "screenshots", "screenshot_001.png"), []byte("p"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "screenshots", "notes.txt"), []byte("skip"), 0o644))

	rec, env := g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/data", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)

	manifest, ok := data["manifest"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, id, manifest["analysis_id"])

	sysmon, ok := data["sysmon"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(12), sysmon["total_events"])

	assert.Equal(t, "handle output", data["handle"])
	assert.Nil(t, data["procmon"])
	assert.Nil(t, data["network"])

	tcpvcon, ok := data["tcpvcon"].([]any)
	require.True(t, ok)
	require.Len(t, tcpvcon, 1)
	row, ok := tcpvcon[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "evil.exe", row["Process"])
	assert.Equal(t, "ESTABLISHED", row["State"])

	// Screenshots from both locations merged, sorted, non-images dropped.
	assert.Equal(t, []any{"guest_001.png", "screenshot_001.png"}, data["screenshots"])
}

func TestReportDataNotFound(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodGet, "/api/analysis/report/missing/data", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Report not found", env.Error.Message)
}

func TestReportScreenshots(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))
	id := "20260824_100000_aaaaaaaa"
	dir := writeReport(t, g.reports, id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "screenshots"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "screenshots", "screenshot_001.png"), []byte("p"), 0o644))

	rec, env := g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/screenshots", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"screenshot_001.png"}, data["screenshots"])

	// Missing directory yields an empty list, not an error.
	rec, env = g.do(t, http.MethodGet, "/api/analysis/report/none/screenshots", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok = env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{}, data["screenshots"])
}

func TestReportFileServing(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))
	id := "20260824_100000_aaaaaaaa"
	dir := writeReport(t, g.reports, id)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.txt"), []byte("top level"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts", "sysmon", "sysmon_events.txt"),
		[]byte("Event ID: 1"), 0o644))

	// Direct file under the report dir.
	rec, _ := g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/file/top.txt", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "top level", rec.Body.String())

	// Fallback into artifacts/.
	rec, _ = g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/file/sysmon/sysmon_events.txt", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Event ID: 1", rec.Body.String())

	// Missing file.
	rec, env := g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/file/nope.txt", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)

	// Traversal attempts are rejected.
	rec, env = g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/file/../../../etc/passwd", nil, "")
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, rec.Code)
	if rec.Code == http.StatusBadRequest {
		require.NotNil(t, env.Error)
		assert.Equal(t, "Invalid path", env.Error.Message)
	}
}

func TestAIAnalyzeAndReport(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))
	id := "20260824_100000_aaaaaaaa"
	writeReport(t, g.reports, id)

	// No AI report yet.
	rec, env := g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/ai-report", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Details, "ai-analyze")

	rec, env = g.do(t, http.MethodPost, "/api/analysis/report/"+id+"/ai-analyze", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	report, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "complete", report["status"])
	assert.Equal(t, float64(72), report["risk_score"])
	assert.Equal(t, "high", report["threat_level"])

	rec, env = g.do(t, http.MethodGet, "/api/analysis/report/"+id+"/ai-report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	saved, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(72), saved["risk_score"])
}

func TestAIAnalyzeMissingReport(t *testing.T) {
	g := newTestGateway(t, newFakeAgent(agentapi.StateIdle))

	rec, env := g.do(t, http.MethodPost, "/api/analysis/report/missing/ai-analyze", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Report not found", env.Error.Message)
}
