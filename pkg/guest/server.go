package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/isolens/pkg/agentapi"
	"github.com/codeready-toolchain/isolens/pkg/version"
)

// Detonation defaults applied when the execute request omits them.
const (
	DefaultExecuteTimeoutSec     = 60
	DefaultScreenshotIntervalSec = 5
)

// Server is the agent's HTTP control surface.
//
// Every response uses the envelope {"status":"ok","data":...} or
// {"status":"error","error":"..."}.
type Server struct {
	agent  *Agent
	engine *gin.Engine
	srv    *http.Server
	logger *slog.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer builds the HTTP server around the given agent.
func NewServer(agent *Agent) *Server {
	s := &Server{
		agent:      agent,
		logger:     slog.Default(),
		shutdownCh: make(chan struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/collectors", s.getCollectors)
		api.GET("/artifacts", s.getArtifacts)
		api.POST("/execute", s.postExecute)
		api.POST("/collect", s.postCollect)
		api.POST("/cleanup", s.postCleanup)
		api.POST("/shutdown", s.postShutdown)
	}

	engine.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "Not found: "+c.Request.URL.Path)
	})

	s.engine = engine
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ShutdownRequested is closed when a shutdown request has been acknowledged.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// Start listens on addr and serves until Stop is called. The bind address
// is used verbatim; no name resolution is attempted on it.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("Agent server listening", "addr", addr, "version", version.AgentVersion)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("agent server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": data})
}

func respondError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"status": "error", "error": msg})
}

func (s *Server) getStatus(c *gin.Context) {
	data := s.agent.State().Snapshot()
	data.AgentVersion = version.AgentVersion
	data.Platform = runtime.GOOS + "/" + runtime.GOARCH
	data.Collectors = s.agent.CollectorInfo()
	respondOK(c, data)
}

func (s *Server) getCollectors(c *gin.Context) {
	respondOK(c, agentapi.CollectorsData{Collectors: s.agent.CollectorInfo()})
}

func (s *Server) getArtifacts(c *gin.Context) {
	arts := s.agent.ListArtifacts()
	respondOK(c, agentapi.ArtifactsData{Artifacts: arts, Count: len(arts)})
}

func (s *Server) postExecute(c *gin.Context) {
	if s.agent.State().Status() == agentapi.StateExecuting {
		respondError(c, http.StatusConflict, "Agent is already executing a sample")
		return
	}

	var req agentapi.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Filename == "" {
		respondError(c, http.StatusBadRequest, "Missing required field: 'filename'")
		return
	}
	if req.TimeoutSec <= 0 {
		req.TimeoutSec = DefaultExecuteTimeoutSec
	}
	if req.ScreenshotIntervalSec <= 0 {
		req.ScreenshotIntervalSec = DefaultScreenshotIntervalSec
	}

	// Claim the executing state before the goroutine starts. The claim is a
	// single compare-and-set, so of two concurrent execute requests exactly
	// one wins and the other gets the conflict, and a status poll racing
	// with the ack cannot observe a stale idle state.
	if !s.agent.State().TryBeginExecute(req.Filename) {
		respondError(c, http.StatusConflict, "Agent is already executing a sample")
		return
	}

	go func() {
		report := s.agent.ExecuteSample(context.Background(), req.Filename,
			time.Duration(req.TimeoutSec)*time.Second,
			time.Duration(req.ScreenshotIntervalSec)*time.Second)
		s.logger.Info("Background execution finished",
			"sample", req.Filename,
			"status", report.Status,
			"package", report.Package,
			"error", report.Error)
	}()

	respondOK(c, agentapi.ExecuteAck{
		Message:    fmt.Sprintf("Execution started for '%s'", req.Filename),
		TimeoutSec: req.TimeoutSec,
	})
}

func (s *Server) postCollect(c *gin.Context) {
	results, err := s.agent.CollectOnly()
	if err != nil {
		respondError(c, http.StatusConflict, "Cannot collect while executing")
		return
	}
	respondOK(c, gin.H{"collection": results})
}

func (s *Server) postCleanup(c *gin.Context) {
	s.agent.Cleanup()
	respondOK(c, agentapi.MessageData{Message: "Artifacts cleaned up"})
}

func (s *Server) postShutdown(c *gin.Context) {
	respondOK(c, agentapi.MessageData{Message: "Agent shutting down"})
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}
