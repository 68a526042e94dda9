package guest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/isolens/pkg/agentapi"
)

func newTestServer(t *testing.T) (*Server, *Agent, string) {
	t.Helper()
	agent, _, share, _ := newTestAgent(t)
	return NewServer(agent), agent, share
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, agentapi.Envelope) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var env agentapi.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "every response must be enveloped")
	return w, env
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, env := doRequest(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", env.Status)

	var status agentapi.StatusData
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, agentapi.StateIdle, status.Status)
	assert.Equal(t, "1.3.0", status.AgentVersion)
	assert.NotEmpty(t, status.Platform)
	assert.Len(t, status.Collectors, 6)
}

func TestCollectorsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, env := doRequest(t, s, http.MethodGet, "/api/collectors", "")
	require.Equal(t, http.StatusOK, w.Code)

	var data agentapi.CollectorsData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Len(t, data.Collectors, 6)
}

func TestArtifactsEndpoint(t *testing.T) {
	s, agent, _ := newTestServer(t)
	path := filepath.Join(agent.artifactsDir, "sysmon", "sysmon_summary.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, env := doRequest(t, s, http.MethodGet, "/api/artifacts", "")
	var data agentapi.ArtifactsData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 1, data.Count)
}

func TestExecuteAckAndStateTransition(t *testing.T) {
	s, agent, share := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(share, "evil.exe"), []byte("MZ"), 0o644))

	w, env := doRequest(t, s, http.MethodPost, "/api/execute", `{"filename":"evil.exe","timeout":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", env.Status)

	var ack agentapi.ExecuteAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Contains(t, ack.Message, "evil.exe")
	assert.Equal(t, 1, ack.TimeoutSec)

	// The state moves to executing before the ack is returned.
	assert.Equal(t, agentapi.StateExecuting, agent.State().Status())

	// The detonation eventually finishes in the background.
	assert.Eventually(t, func() bool {
		return agent.State().Status() == agentapi.StateIdle
	}, 30*time.Second, 100*time.Millisecond)
	assert.Equal(t, 1, agent.State().Snapshot().ExecutionCount)
}

func TestExecuteDefaultsApplied(t *testing.T) {
	s, agent, share := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(share, "evil.exe"), []byte("MZ"), 0o644))

	_, env := doRequest(t, s, http.MethodPost, "/api/execute", `{"filename":"evil.exe"}`)
	var ack agentapi.ExecuteAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, DefaultExecuteTimeoutSec, ack.TimeoutSec)
	assert.Equal(t, agentapi.StateExecuting, agent.State().Status())
}

func TestExecuteMissingFilename(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, env := doRequest(t, s, http.MethodPost, "/api/execute", `{"timeout":30}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Error, "filename")
}

func TestExecuteConflict(t *testing.T) {
	s, agent, _ := newTestServer(t)
	agent.State().SetExecuting("busy.exe")

	w, env := doRequest(t, s, http.MethodPost, "/api/execute", `{"filename":"evil.exe"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "error", env.Status)
}

func TestCollectConflict(t *testing.T) {
	s, agent, _ := newTestServer(t)
	agent.State().SetExecuting("busy.exe")

	w, env := doRequest(t, s, http.MethodPost, "/api/collect", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, env.Error, "executing")
}

func TestCollectRunsCollectors(t *testing.T) {
	s, agent, _ := newTestServer(t)

	w, env := doRequest(t, s, http.MethodPost, "/api/collect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", env.Status)
	assert.Equal(t, agentapi.StateIdle, agent.State().Status())
}

func TestCleanupEndpoint(t *testing.T) {
	s, agent, _ := newTestServer(t)
	path := filepath.Join(agent.artifactsDir, "junk.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	w, _ := doRequest(t, s, http.MethodPost, "/api/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoFileExists(t, path)

	// Cleanup is idempotent.
	w, _ = doRequest(t, s, http.MethodPost, "/api/cleanup", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShutdownSignalsOnce(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, env := doRequest(t, s, http.MethodPost, "/api/shutdown", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", env.Status)

	select {
	case <-s.ShutdownRequested():
	default:
		t.Fatal("shutdown channel should be closed after the ack")
	}

	// A second shutdown request must not panic.
	w, _ = doRequest(t, s, http.MethodPost, "/api/shutdown", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, env := doRequest(t, s, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "error", env.Status)
}
