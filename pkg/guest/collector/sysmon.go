package collector

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const sysmonChannel = "Microsoft-Windows-Sysmon/Operational"

// sysmonEventNames maps Sysmon event IDs to readable names where the
// summary needs them.
var sysmonEventNames = map[string]string{
	"1": "ProcessCreate", "3": "NetworkConnect", "5": "ProcessTerminate",
	"7": "ImageLoaded", "8": "CreateRemoteThread", "11": "FileCreate",
	"12": "RegistryCreateDelete", "13": "RegistryValueSet",
	"14": "RegistryRename", "15": "FileCreateStreamHash",
	"22": "DNSQuery",
}

// Sysmon exports the Sysmon operational log and parses it into a concise
// structured summary filtered to events related to the executed sample.
type Sysmon struct {
	base
}

// NewSysmon creates the Sysmon event log collector.
func NewSysmon(workdir string, runner CommandRunner) *Sysmon {
	return &Sysmon{base: newBase("sysmon", workdir, runner)}
}

func (c *Sysmon) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.runner.Run(ctx, "wevtutil", "gl", sysmonChannel)
	return err == nil
}

func (c *Sysmon) Collect() Result {
	if !c.Available() {
		c.logger.Warn("Sysmon not available, skipping")
		return c.unavailable()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	raw, err := c.runner.Run(ctx, "wevtutil", "qe", sysmonChannel, "/f:xml")
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		if err != nil {
			c.logger.Warn("Sysmon query failed", "error", err)
		} else {
			c.logger.Warn("Sysmon returned no events")
		}
		return c.noData()
	}

	summary := ParseSysmonXML(string(raw), c.sample)

	summaryFile := filepath.Join(c.outputDir, "sysmon_summary.json")
	if err := writeJSON(summaryFile, summary); err != nil {
		c.logger.Error("Sysmon summary write failed", "error", err)
		return c.failed(err)
	}

	c.logger.Info("Sysmon summary written",
		"file", summaryFile,
		"total_events", summary.TotalEvents,
		"sample_events", summary.SampleEvents)
	return c.ok(summaryFile)
}

// SysmonSummary is the sample-filtered digest of a Sysmon log export.
type SysmonSummary struct {
	ParseError         string              `json:"parse_error,omitempty"`
	TotalEvents        int                 `json:"total_events"`
	SampleEvents       int                 `json:"sample_events"`
	SampleProcess      string              `json:"sample_process"`
	SamplePIDs         []string            `json:"sample_pids"`
	ProcessesCreated   []ProcessCreation   `json:"processes_created"`
	NetworkConnections []NetworkConnection `json:"network_connections"`
	DNSQueries         []string            `json:"dns_queries"`
	FilesCreated       []string            `json:"files_created"`
	RegistryEvents     []RegistryEvent     `json:"registry_events"`
	DLLsLoaded         []string            `json:"dlls_loaded"`
}

// ProcessCreation is one Sysmon event ID 1 record.
type ProcessCreation struct {
	Image  string `json:"image"`
	PID    string `json:"pid"`
	Parent string `json:"parent"`
	Cmd    string `json:"cmd"`
	User   string `json:"user"`
	Time   string `json:"time"`
}

// NetworkConnection is one Sysmon event ID 3 record.
type NetworkConnection struct {
	Image   string `json:"image"`
	Proto   string `json:"proto"`
	Src     string `json:"src"`
	Dst     string `json:"dst"`
	DstHost string `json:"dst_host"`
}

// RegistryEvent is one Sysmon event ID 12/13/14 record.
type RegistryEvent struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Details string `json:"details"`
}

// sysmonXMLEvents is the wrapper element added around the raw export so a
// sequence of sibling <Event> elements parses as one document.
type sysmonXMLEvents struct {
	Events []sysmonXMLEvent `xml:"Event"`
}

type sysmonXMLEvent struct {
	System struct {
		EventID     string `xml:"EventID"`
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	Data []struct {
		Name  string `xml:"Name,attr"`
		Value string `xml:",chardata"`
	} `xml:"EventData>Data"`
}

// ParseSysmonXML parses a raw wevtutil XML export into a structured summary
// filtered to events related to sampleProc (matched case-insensitively
// against image paths). An empty sampleProc keeps every event.
//
// Sample relation is transitive: a PID set is seeded from events whose Image
// contains the sample name and expanded through ParentProcessId links until
// it stops growing.
func ParseSysmonXML(rawXML, sampleProc string) *SysmonSummary {
	sampleLower := strings.ToLower(sampleProc)

	// Strip the events namespace for simpler parsing (both quote styles).
	cleaned := strings.ReplaceAll(rawXML,
		" xmlns='http://schemas.microsoft.com/win/2004/08/events/event'", "")
	cleaned = strings.ReplaceAll(cleaned,
		` xmlns="http://schemas.microsoft.com/win/2004/08/events/event"`, "")
	wrapped := "<Events>" + cleaned + "</Events>"

	var doc sysmonXMLEvents
	if err := xml.Unmarshal([]byte(wrapped), &doc); err != nil {
		return &SysmonSummary{ParseError: err.Error()}
	}

	allEvents := make([]map[string]string, 0, len(doc.Events))
	for _, raw := range doc.Events {
		ev := map[string]string{
			"EventID":     raw.System.EventID,
			"TimeCreated": raw.System.TimeCreated.SystemTime,
		}
		for _, d := range raw.Data {
			if d.Name != "" {
				ev[d.Name] = strings.TrimSpace(d.Value)
			}
		}
		allEvents = append(allEvents, ev)
	}

	// Build the set of sample-related PIDs, following the process tree.
	samplePIDs := make(map[string]bool)
	for _, ev := range allEvents {
		if sampleLower != "" && strings.Contains(strings.ToLower(ev["Image"]), sampleLower) {
			if pid := ev["ProcessId"]; pid != "" {
				samplePIDs[pid] = true
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for _, ev := range allEvents {
			ppid, pid := ev["ParentProcessId"], ev["ProcessId"]
			if samplePIDs[ppid] && pid != "" && !samplePIDs[pid] {
				samplePIDs[pid] = true
				changed = true
			}
		}
	}

	related := func(ev map[string]string) bool {
		if sampleLower == "" {
			return true
		}
		for _, f := range []string{"Image", "ParentImage", "SourceImage", "TargetImage"} {
			if strings.Contains(strings.ToLower(ev[f]), sampleLower) {
				return true
			}
		}
		return samplePIDs[ev["ProcessId"]]
	}

	var filtered []map[string]string
	for _, ev := range allEvents {
		if related(ev) {
			filtered = append(filtered, ev)
		}
	}

	summary := &SysmonSummary{
		TotalEvents:        len(allEvents),
		SampleEvents:       len(filtered),
		SampleProcess:      sampleProc,
		SamplePIDs:         sortedKeys(samplePIDs),
		ProcessesCreated:   []ProcessCreation{},
		NetworkConnections: []NetworkConnection{},
		DNSQueries:         []string{},
		FilesCreated:       []string{},
		RegistryEvents:     []RegistryEvent{},
		DLLsLoaded:         []string{},
	}
	if summary.SampleProcess == "" {
		summary.SampleProcess = "unknown"
	}

	seenDLL := make(map[string]bool)
	seenFile := make(map[string]bool)
	seenDNS := make(map[string]bool)

	for _, ev := range filtered {
		switch eid := ev["EventID"]; eid {
		case "1":
			summary.ProcessesCreated = append(summary.ProcessesCreated, ProcessCreation{
				Image:  ev["Image"],
				PID:    ev["ProcessId"],
				Parent: ev["ParentImage"],
				Cmd:    ev["CommandLine"],
				User:   ev["User"],
				Time:   ev["TimeCreated"],
			})
		case "3":
			summary.NetworkConnections = append(summary.NetworkConnections, NetworkConnection{
				Image:   ev["Image"],
				Proto:   ev["Protocol"],
				Src:     ev["SourceIp"] + ":" + ev["SourcePort"],
				Dst:     ev["DestinationIp"] + ":" + ev["DestinationPort"],
				DstHost: ev["DestinationHostname"],
			})
		case "7":
			if dll := ev["ImageLoaded"]; dll != "" && !seenDLL[dll] {
				seenDLL[dll] = true
				summary.DLLsLoaded = append(summary.DLLsLoaded, dll)
			}
		case "11", "15":
			if fn := ev["TargetFilename"]; fn != "" && !seenFile[fn] {
				seenFile[fn] = true
				summary.FilesCreated = append(summary.FilesCreated, fn)
			}
		case "12", "13", "14":
			typ := sysmonEventNames[eid]
			if typ == "" {
				typ = eid
			}
			summary.RegistryEvents = append(summary.RegistryEvents, RegistryEvent{
				Type:    typ,
				Key:     ev["TargetObject"],
				Details: ev["Details"],
			})
		case "22":
			if qn := ev["QueryName"]; qn != "" && !seenDNS[qn] {
				seenDNS[qn] = true
				summary.DNSQueries = append(summary.DNSQueries, qn)
			}
		}
	}

	if len(summary.DLLsLoaded) > 50 {
		summary.DLLsLoaded = summary.DLLsLoaded[:50]
	}

	return summary
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeJSON marshals v with two-space indentation and writes it to path,
// creating parent directories as needed.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
