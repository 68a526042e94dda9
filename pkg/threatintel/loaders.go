package threatintel

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxToolPayloadChars caps the raw data sent to any single agent,
// keeping token usage in check.
const MaxToolPayloadChars = 6000

const maxCSVRows = 200

// loaderFunc reads one collector's artifact from a report directory and
// returns the prompt payload plus whether real data was present. When no
// data exists the payload is a human-readable note for the agent.
type loaderFunc func(reportDir string) (payload string, hasData bool)

// toolLoaders maps agent name to its artifact loader.
var toolLoaders = map[string]loaderFunc{
	"sysmon-analyzer":   loadSysmon,
	"procmon-analyzer":  loadProcmon,
	"network-analyzer":  loadNetwork,
	"handle-analyzer":   loadHandle,
	"tcpvcon-analyzer":  loadTcpvcon,
	"metadata-analyzer": loadMetadata,
}

func loadSysmon(reportDir string) (string, bool) {
	return loadJSONSummary(reportDir, filepath.Join("sysmon", "sysmon_summary.json"), "Sysmon")
}

func loadProcmon(reportDir string) (string, bool) {
	return loadJSONSummary(reportDir, filepath.Join("procmon", "procmon_summary.json"), "Procmon")
}

func loadNetwork(reportDir string) (string, bool) {
	return loadJSONSummary(reportDir, filepath.Join("network", "network_summary.json"), "network capture")
}

func loadJSONSummary(reportDir, relPath, label string) (string, bool) {
	data := readJSON(filepath.Join(reportDir, "artifacts", relPath))
	if data == nil {
		return fmt.Sprintf("No %s data was collected for this analysis.", label), false
	}
	return truncateJSON(data), true
}

func loadHandle(reportDir string) (string, bool) {
	text := readTextCapped(filepath.Join(reportDir, "artifacts", "handle", "handle_snapshot.txt"), MaxToolPayloadChars)
	if strings.TrimSpace(text) == "" {
		return "No handle snapshot data was collected for this analysis.", false
	}
	return text, true
}

func loadTcpvcon(reportDir string) (string, bool) {
	text := readCSVAsText(filepath.Join(reportDir, "artifacts", "tcpvcon", "tcpvcon_snapshot.csv"), maxCSVRows)
	if strings.TrimSpace(text) == "" {
		return "No TCPVcon data was collected for this analysis.", false
	}
	return text, true
}

// loadMetadata combines a subset of the host manifest with the guest
// metadata file.
func loadMetadata(reportDir string) (string, bool) {
	combined := make(map[string]any)

	if manifest := readJSON(filepath.Join(reportDir, "analysis_manifest.json")); manifest != nil {
		files, _ := manifest["files_collected"].([]any)
		combined["manifest"] = map[string]any{
			"sample_name":           manifest["sample_name"],
			"status":                manifest["status"],
			"started_at":            manifest["started_at"],
			"completed_at":          manifest["completed_at"],
			"timeout":               manifest["timeout"],
			"sysmon_events":         manifest["sysmon_events"],
			"files_collected_count": len(files),
		}
	}
	if metadata := readJSON(filepath.Join(reportDir, "artifacts", "metadata.json")); metadata != nil {
		combined["metadata"] = metadata
	}

	if len(combined) == 0 {
		return "No metadata available for this analysis.", false
	}
	return truncateJSON(combined), true
}

func readJSON(path string) map[string]any {
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

func readTextCapped(path string, maxChars int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := string(raw)
	if len(text) > maxChars {
		return text[:maxChars]
	}
	return text
}

// readCSVAsText re-serializes a CSV file row by row, stopping after
// maxRows with a truncation marker.
func readCSVAsText(path string, maxRows int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var lines []string
	for i := 0; ; i++ {
		row, err := reader.Read()
		if err != nil {
			break
		}
		if i >= maxRows {
			lines = append(lines, fmt.Sprintf("... truncated (%d+ rows)", i))
			break
		}
		lines = append(lines, strings.Join(row, ","))
	}
	return strings.Join(lines, "\n")
}

// truncateJSON serializes data compactly and truncates it to the payload
// budget with a marker.
func truncateJSON(data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	text := string(raw)
	if len(text) > MaxToolPayloadChars {
		return text[:MaxToolPayloadChars] + "\n... [truncated]"
	}
	return text
}
