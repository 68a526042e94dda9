package guest

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeready-toolchain/isolens/pkg/guest/collector"
	"github.com/codeready-toolchain/isolens/pkg/version"
)

// Raw capture files stay on disk but are excluded from the result package;
// the parsed summaries carry the signal at a fraction of the size.
var packageExcludedSuffixes = []string{".pml", ".csv", ".pcap"}

const (
	maxTcpvconRawChars = 20000
	maxHandleRawChars  = 30000
)

// packageResults zips collected artifacts and copies the archive to the
// shared folder. Returns the zip file name (not path). The share copy is
// best-effort: a failure is logged and the zip stays in the workdir.
func (a *Agent) packageResults(sampleName string, timeout time.Duration, collection []collector.Result) (string, error) {
	ts := time.Now().UTC().Format("20060102_150405")
	base := strings.TrimSuffix(sampleName, filepath.Ext(sampleName))
	zipName := fmt.Sprintf("results_%s_%s.zip", base, ts)
	zipPath := filepath.Join(a.workdir, zipName)

	summaryPath, err := a.buildAnalysisSummary(sampleName, timeout, collection)
	if err != nil {
		return "", err
	}

	// Gather every file the collectors reported.
	var allFiles []string
	for _, entry := range collection {
		allFiles = append(allFiles, entry.Files...)
	}

	metaPath := filepath.Join(a.artifactsDir, "metadata.json")
	meta := map[string]any{
		"sample":        sampleName,
		"timestamp":     ts,
		"agent_version": version.AgentVersion,
		"collectors":    collection,
	}
	if err := writeJSONFile(metaPath, meta); err != nil {
		return "", err
	}
	allFiles = append(allFiles, metaPath, summaryPath)

	if err := writeZip(zipPath, a.workdir, allFiles); err != nil {
		return "", err
	}

	shareDest := filepath.Join(a.sharePath, zipName)
	if err := copyFile(zipPath, shareDest); err != nil {
		a.logger.Error("Failed to copy package to share", "error", err)
	} else {
		a.logger.Info("Results package exported", "dest", shareDest)
	}

	return zipName, nil
}

// writeZip creates a deflate-compressed archive of files, with entry names
// relative to root. Excluded suffixes and missing files are skipped.
func writeZip(zipPath, root string, files []string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", zipPath, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, path := range files {
		if excludedFromPackage(path) || !fileExists(path) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		if err := addZipEntry(zw, path, filepath.ToSlash(rel)); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", zipPath, err)
	}
	return f.Close()
}

func addZipEntry(zw *zip.Writer, path, arcname string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	w, err := zw.Create(arcname)
	if err != nil {
		return fmt.Errorf("add %s: %w", arcname, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %s: %w", arcname, err)
	}
	return nil
}

func excludedFromPackage(path string) bool {
	for _, suffix := range packageExcludedSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// buildAnalysisSummary aggregates all collector outputs into one concise
// analysis-friendly JSON file and returns its path.
func (a *Agent) buildAnalysisSummary(sampleName string, timeout time.Duration, collection []collector.Result) (string, error) {
	summary := map[string]any{
		"sample":                sampleName,
		"analysis_timestamp":    time.Now().UTC().Format(time.RFC3339),
		"execution_timeout_sec": int(timeout / time.Second),
		"agent_version":         version.AgentVersion,
	}

	for _, entry := range collection {
		for _, fpath := range entry.Files {
			switch {
			case strings.HasSuffix(fpath, "_summary.json"):
				var parsed any
				if data, err := os.ReadFile(fpath); err != nil {
					summary[entry.Collector] = map[string]string{"read_error": err.Error()}
				} else if err := json.Unmarshal(data, &parsed); err != nil {
					summary[entry.Collector] = map[string]string{"read_error": err.Error()}
				} else {
					summary[entry.Collector] = parsed
				}
			case strings.HasSuffix(fpath, ".csv") && entry.Collector == "tcpvcon":
				if data, err := os.ReadFile(fpath); err == nil {
					summary["tcpvcon"] = map[string]string{"raw": truncate(string(data), maxTcpvconRawChars, "")}
				}
			case strings.HasSuffix(fpath, ".txt") && entry.Collector == "handle":
				if data, err := os.ReadFile(fpath); err == nil {
					summary["handle"] = map[string]string{
						"snapshot": truncate(string(data), maxHandleRawChars, "\n...(truncated)"),
					}
				}
			}
		}

		// Screenshots are image files, not JSON summaries.
		if entry.Collector == "screenshots" && len(entry.Files) > 0 {
			names := make([]string, len(entry.Files))
			for i, f := range entry.Files {
				names[i] = filepath.Base(f)
			}
			summary["screenshots"] = map[string]any{
				"count": len(entry.Files),
				"files": names,
			}
		}
	}

	outPath := filepath.Join(a.artifactsDir, "analysis_summary.json")
	if err := writeJSONFile(outPath, summary); err != nil {
		return "", err
	}
	a.logger.Info("Analysis summary written", "file", outPath)
	return outPath, nil
}

func truncate(s string, max int, marker string) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + marker
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
