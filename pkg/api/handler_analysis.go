package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/isolens/pkg/orchestrator"
)

// Submit timeout bounds in seconds.
const (
	MinSubmitTimeoutSec = 10
	MaxSubmitTimeoutSec = 300
)

// postSubmit accepts a sample upload and runs the full pipeline. The
// call blocks until the analysis finishes; proxy reads stay available
// concurrently.
func (s *Server) postSubmit(c *gin.Context) {
	timeout := s.cfg.Analysis.DefaultTimeoutSec
	if raw := c.Query("timeout"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "Invalid timeout", raw)
			return
		}
		timeout = parsed
	}
	if timeout < MinSubmitTimeoutSec || timeout > MaxSubmitTimeoutSec {
		respondError(c, http.StatusBadRequest,
			"Timeout must be between 10 and 300 seconds", "")
		return
	}

	interval := s.cfg.Analysis.ScreenshotIntervalSec
	if raw := c.Query("screenshot_interval"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "Invalid screenshot_interval", raw)
			return
		}
		interval = parsed
	}

	// Early rejection while busy; the authoritative claim happens inside
	// RunAnalysis under the orchestrator lock.
	if s.orch.Running() {
		respondError(c, http.StatusConflict, "Analysis already in progress", conflictDetails(s.orch.Current()))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "Missing sample file upload", err.Error())
		return
	}

	tmpDir, err := os.MkdirTemp("", "isolens_upload_")
	if err != nil {
		respondError(c, http.StatusInternalServerError, "Failed to save uploaded file", err.Error())
		return
	}
	defer os.RemoveAll(tmpDir)

	samplePath := filepath.Join(tmpDir, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, samplePath); err != nil {
		respondError(c, http.StatusInternalServerError, "Failed to save uploaded file", err.Error())
		return
	}

	s.logger.Info("Sample submitted", "sample", file.Filename, "timeout", timeout)
	result, err := s.orch.RunAnalysis(c.Request.Context(), samplePath,
		time.Duration(timeout)*time.Second,
		time.Duration(interval)*time.Second)
	if err != nil {
		respondError(c, http.StatusConflict, "Analysis already in progress", conflictDetails(s.orch.Current()))
		return
	}
	respondOK(c, result)
}

func conflictDetails(current *orchestrator.AnalysisResult) string {
	if current == nil {
		return ""
	}
	return "analysis_id=" + current.AnalysisID
}

// getAnalysisStatus returns the current or most recent analysis result.
func (s *Server) getAnalysisStatus(c *gin.Context) {
	current := s.orch.Current()
	if current == nil {
		respondOK(c, gin.H{"message": "No analysis has been run yet"})
		return
	}
	respondOK(c, current)
}

func (s *Server) postCheckVM(c *gin.Context) {
	respondOK(c, s.orch.CheckVMReady(c.Request.Context()))
}

func (s *Server) postCleanup(c *gin.Context) {
	if err := s.orch.CleanupAgent(c.Request.Context()); err != nil {
		respondError(c, http.StatusBadGateway, "Cleanup failed", err.Error())
		return
	}
	respondOK(c, gin.H{"message": "Agent artifacts cleaned up"})
}

func (s *Server) getAgentStatus(c *gin.Context) {
	status, err := s.orch.Agent().Status(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "Agent unreachable", err.Error())
		return
	}
	respondOK(c, status)
}

func (s *Server) getAgentCollectors(c *gin.Context) {
	collectors, err := s.orch.Agent().Collectors(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "Agent unreachable", err.Error())
		return
	}
	respondOK(c, gin.H{"collectors": collectors})
}

func (s *Server) getAgentArtifacts(c *gin.Context) {
	artifacts, err := s.orch.Agent().Artifacts(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "Agent unreachable", err.Error())
		return
	}
	respondOK(c, artifacts)
}
