// Package api implements the host gateway: the HTTP surface through
// which samples are submitted for analysis, reports are browsed and the
// AI threat analysis is triggered.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/isolens/pkg/config"
	"github.com/codeready-toolchain/isolens/pkg/orchestrator"
	"github.com/codeready-toolchain/isolens/pkg/threatintel"
	"github.com/codeready-toolchain/isolens/pkg/version"
)

// Server is the host gateway HTTP server.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	analyzer *threatintel.Analyzer
	engine   *gin.Engine
	srv      *http.Server
	logger   *slog.Logger
}

// NewServer wires the gateway routes around the orchestrator and the
// threat analyzer.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, analyzer *threatintel.Analyzer) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		analyzer: analyzer,
		logger:   slog.Default().With("component", "gateway"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api")
	{
		api.GET("/ping", s.ping)
		api.GET("/version", s.getVersion)
	}

	analysis := api.Group("/analysis")
	{
		analysis.POST("/submit", s.postSubmit)
		analysis.GET("/status", s.getAnalysisStatus)
		analysis.POST("/check-vm", s.postCheckVM)
		analysis.POST("/cleanup", s.postCleanup)

		analysis.GET("/agent/status", s.getAgentStatus)
		analysis.GET("/agent/collectors", s.getAgentCollectors)
		analysis.GET("/agent/artifacts", s.getAgentArtifacts)

		analysis.GET("/reports/list", s.getReportsList)
		analysis.DELETE("/reports/clear", s.deleteReports)

		report := analysis.Group("/report/:id")
		{
			report.GET("/data", s.getReportData)
			report.GET("/screenshots", s.getReportScreenshots)
			report.GET("/file/*filename", s.getReportFile)
			report.POST("/ai-analyze", s.postAIAnalyze)
			report.GET("/ai-report", s.getAIReport)
		}
	}

	engine.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "Not found", c.Request.URL.Path)
	})

	s.engine = engine
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on the configured gateway address and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("Gateway listening", "addr", addr, "version", version.Full())
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the gateway down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) ping(c *gin.Context) {
	respondOK(c, gin.H{"message": "pong"})
}

func (s *Server) getVersion(c *gin.Context) {
	respondOK(c, gin.H{"version": version.Full()})
}
