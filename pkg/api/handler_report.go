package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/isolens/pkg/orchestrator"
)

var screenshotExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// getReportsList returns every analysis manifest, newest first.
func (s *Server) getReportsList(c *gin.Context) {
	reports := []map[string]any{}

	entries, err := os.ReadDir(s.orch.ReportsDir())
	if err == nil {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))

		for _, name := range names {
			manifest := readJSONFile(filepath.Join(s.orch.ReportsDir(), name, orchestrator.ManifestFilename))
			if manifest != nil {
				reports = append(reports, manifest)
			}
		}
	}
	respondOK(c, gin.H{"reports": reports})
}

// deleteReports removes all report directories and any stale result
// zips from the shared folder.
func (s *Server) deleteReports(c *gin.Context) {
	deleted := 0
	var errs []string

	entries, err := os.ReadDir(s.orch.ReportsDir())
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(s.orch.ReportsDir(), entry.Name())
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, entry.Name()+": "+err.Error())
				continue
			}
			deleted++
		}
	}

	if shareEntries, err := os.ReadDir(s.orch.ShareDir()); err == nil {
		for _, entry := range shareEntries {
			name := entry.Name()
			if strings.HasPrefix(name, "results_") && strings.HasSuffix(name, ".zip") {
				_ = os.Remove(filepath.Join(s.orch.ShareDir(), name))
			}
		}
	}

	s.orch.Reset()

	if len(errs) > 0 {
		respondError(c, http.StatusInternalServerError,
			fmt.Sprintf("Cleared %d reports with errors", deleted), strings.Join(errs, "; "))
		return
	}
	respondOK(c, gin.H{"deleted": deleted, "message": fmt.Sprintf("Cleared %d report(s)", deleted)})
}

// getReportData aggregates every parsed collector artifact of a report
// into one payload.
func (s *Server) getReportData(c *gin.Context) {
	reportDir, ok := s.reportDir(c)
	if !ok {
		return
	}
	artifactsDir := filepath.Join(reportDir, "artifacts")

	data := gin.H{
		"manifest": readJSONFile(filepath.Join(reportDir, orchestrator.ManifestFilename)),
		"metadata": readJSONFile(filepath.Join(artifactsDir, "metadata.json")),
		"sysmon":   readJSONFile(filepath.Join(artifactsDir, "sysmon", "sysmon_summary.json")),
		"procmon":  readJSONFile(filepath.Join(artifactsDir, "procmon", "procmon_summary.json")),
		"network":  readJSONFile(filepath.Join(artifactsDir, "network", "network_summary.json")),
		"handle":   readTextFile(filepath.Join(artifactsDir, "handle", "handle_snapshot.txt")),
		"tcpvcon":  readCSVFile(filepath.Join(artifactsDir, "tcpvcon", "tcpvcon_snapshot.csv")),
	}

	seen := map[string]bool{}
	for _, dir := range []string{
		filepath.Join(reportDir, "screenshots"),
		filepath.Join(artifactsDir, "screenshots"),
	} {
		for _, name := range listScreenshots(dir) {
			seen[name] = true
		}
	}
	shots := make([]string, 0, len(seen))
	for name := range seen {
		shots = append(shots, name)
	}
	sort.Strings(shots)
	data["screenshots"] = shots

	respondOK(c, data)
}

// getReportScreenshots lists host-captured screenshot files.
func (s *Server) getReportScreenshots(c *gin.Context) {
	id := filepath.Base(c.Param("id"))
	dir := filepath.Join(s.orch.ReportsDir(), id, "screenshots")
	respondOK(c, gin.H{
		"analysis_id": id,
		"screenshots": listScreenshots(dir),
	})
}

// getReportFile serves a single file from a report directory, falling
// back to the artifacts subdirectory. Path traversal is rejected.
func (s *Server) getReportFile(c *gin.Context) {
	id := filepath.Base(c.Param("id"))
	name := strings.TrimPrefix(c.Param("filename"), "/")

	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		respondError(c, http.StatusBadRequest, "Invalid path", name)
		return
	}

	reportDir := filepath.Join(s.orch.ReportsDir(), id)
	path := filepath.Join(reportDir, cleaned)
	if !fileExists(path) {
		path = filepath.Join(reportDir, "artifacts", cleaned)
	}
	if !fileExists(path) {
		respondError(c, http.StatusNotFound, "File not found", name)
		return
	}
	c.File(path)
}

// postAIAnalyze runs the multi-agent threat analysis over an existing
// report and returns the resulting threat report.
func (s *Server) postAIAnalyze(c *gin.Context) {
	id := filepath.Base(c.Param("id"))
	if _, ok := s.reportDir(c); !ok {
		return
	}

	report := s.analyzer.AnalyzeReport(c.Request.Context(), id)
	respondOK(c, report)
}

// getAIReport returns a previously generated AI threat report.
func (s *Server) getAIReport(c *gin.Context) {
	id := filepath.Base(c.Param("id"))
	data := s.analyzer.GetReport(id)
	if data == nil {
		respondError(c, http.StatusNotFound, "AI report not found",
			"No AI analysis has been run for "+id+". POST to /ai-analyze first.")
		return
	}
	respondOK(c, data)
}

// reportDir resolves the :id parameter to an existing report directory,
// responding 404 when it does not exist.
func (s *Server) reportDir(c *gin.Context) (string, bool) {
	id := filepath.Base(c.Param("id"))
	dir := filepath.Join(s.orch.ReportsDir(), id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		respondError(c, http.StatusNotFound, "Report not found", "No directory for "+id)
		return "", false
	}
	return dir, true
}

func listScreenshots(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{}
	}
	names := []string{}
	for _, entry := range entries {
		if screenshotExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func readJSONFile(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

func readTextFile(path string) any {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return string(raw)
}

// readCSVFile reads a CSV with a header row into a list of row maps.
func readCSVFile(path string) any {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil
	}

	rows := []map[string]string{}
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
