package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Threat analysis report statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Finding is one observation from a per-tool agent.
type Finding struct {
	Severity    string `json:"severity"`
	Indicator   string `json:"indicator"`
	Description string `json:"description"`
}

// IOC is one indicator of compromise from a per-tool agent.
type IOC struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ToolAnalysisResult is the parsed verdict of a single tool agent.
type ToolAnalysisResult struct {
	Tool          string    `json:"tool"`
	AgentName     string    `json:"agent_name"`
	Verdict       string    `json:"verdict"`
	Confidence    int       `json:"confidence"`
	FindingsCount int       `json:"findings_count"`
	IOCsCount     int       `json:"iocs_count"`
	Summary       string    `json:"summary"`
	Findings      []Finding `json:"findings"`
	IOCs          []IOC     `json:"iocs"`
	RawResponse   string    `json:"raw_response"`
	Error         string    `json:"error,omitempty"`
}

// Classification describes what kind of malware the summarizer believes
// the sample is.
type Classification struct {
	MalwareType   string `json:"malware_type"`
	MalwareFamily string `json:"malware_family"`
	Platform      string `json:"platform"`
	Confidence    int    `json:"confidence"`
}

// KeyFinding is a consolidated finding in the final report.
type KeyFinding struct {
	Source      string `json:"source"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ReportIOC is a consolidated indicator in the final report.
type ReportIOC struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Value    string `json:"value"`
}

// MitreTechnique maps an observed behavior to MITRE ATT&CK.
type MitreTechnique struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tactic      string `json:"tactic"`
	Description string `json:"description"`
}

// Recommendation is an actionable follow-up from the summarizer.
type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
}

// Report is the final AI-driven threat analysis for a sandbox report.
type Report struct {
	AnalysisID       string                `json:"analysis_id"`
	Model            string                `json:"model"`
	StartedAt        string                `json:"started_at"`
	CompletedAt      string                `json:"completed_at"`
	Status           string                `json:"status"`
	Error            string                `json:"error,omitempty"`
	RiskScore        int                   `json:"risk_score"`
	ThreatLevel      string                `json:"threat_level"`
	Classification   Classification        `json:"classification"`
	ExecutiveSummary string                `json:"executive_summary"`
	DetailedAnalysis string                `json:"detailed_analysis"`
	KeyFindings      []KeyFinding          `json:"key_findings"`
	IOCs             []ReportIOC           `json:"iocs"`
	MitreAttack      []MitreTechnique      `json:"mitre_attack"`
	Recommendations  []Recommendation      `json:"recommendations"`
	ToolResults      []*ToolAnalysisResult `json:"tool_results"`
	RawSummary       string                `json:"raw_summary"`
}

// Analyzer runs the multi-agent pipeline over completed reports.
type Analyzer struct {
	reportsDir string
	chat       ChatService
	logger     *slog.Logger
}

// NewAnalyzer builds an analyzer over the given reports root.
func NewAnalyzer(reportsDir string, chat ChatService) *Analyzer {
	return &Analyzer{
		reportsDir: reportsDir,
		chat:       chat,
		logger:     slog.Default().With("component", "threatintel"),
	}
}

// AnalyzeReport runs the full pipeline on an existing report directory:
// load each collector's artifact, fan the payloads out to their analyst
// agents, feed every per-tool JSON to the summarizer, parse the final
// verdict and persist everything under ai_analysis/.
func (a *Analyzer) AnalyzeReport(ctx context.Context, analysisID string) *Report {
	report := &Report{
		AnalysisID:     analysisID,
		Status:         StatusPending,
		StartedAt:      utcNow(),
		ThreatLevel:    "none",
		Classification: Classification{MalwareType: "unknown", MalwareFamily: "unknown", Platform: "unknown"},
	}

	reportDir := filepath.Join(a.reportsDir, analysisID)
	if info, err := os.Stat(reportDir); err != nil || !info.IsDir() {
		report.Status = StatusFailed
		report.Error = fmt.Sprintf("Report directory not found: %s", analysisID)
		return report
	}

	report.Model = a.chat.Model()
	report.Status = StatusRunning
	sampleName := sampleNameFromManifest(reportDir)

	// Phase 1: agents with data run concurrently; collectors without
	// data get a canned inconclusive verdict with no chat call.
	type task struct {
		agent   Agent
		tool    string
		payload string
	}
	var tasks []task
	var noData []*ToolAnalysisResult

	for _, agent := range ToolAgents() {
		loader, ok := toolLoaders[agent.Name]
		if !ok {
			continue
		}
		tool := strings.TrimSuffix(agent.Name, "-analyzer")
		payload, hasData := loader(reportDir)
		if !hasData {
			result := noDataResult(tool, agent.Name)
			noData = append(noData, result)
			a.logger.Info("Skipped agent, no data", "agent", agent.Name)
			continue
		}
		tasks = append(tasks, task{agent: agent, tool: tool, payload: payload})
	}

	results := make([]*ToolAnalysisResult, len(tasks))
	if len(tasks) > 0 {
		a.logger.Info("Running tool agents", "count", len(tasks))
		g, gctx := errgroup.WithContext(ctx)
		for i, tk := range tasks {
			g.Go(func() error {
				results[i] = a.runToolAgent(gctx, tk.agent, tk.tool, sampleName, tk.payload)
				return nil
			})
		}
		// Agent failures are recorded on the result, never returned.
		_ = g.Wait()
	}
	report.ToolResults = append(results, noData...)

	// Phase 2: summarize all per-tool JSON verdicts.
	summaryPrompt := buildSummaryPrompt(sampleName, report.ToolResults)
	text, err := a.chat.Chat(ctx, summarizerAgent.Name, summaryPrompt)
	if err != nil {
		report.Error = fmt.Sprintf("Summarizer failed: %v", err)
		a.logger.Error("Threat summarizer failed", "error", err)
	} else {
		raw := cleanJSONResponse(text)
		report.RawSummary = raw
		parseSummaryJSON(raw, report)
		a.logger.Info("Threat summary",
			"risk_score", report.RiskScore,
			"threat_level", report.ThreatLevel,
			"malware_type", report.Classification.MalwareType)
	}

	report.CompletedAt = utcNow()
	if report.Error == "" {
		report.Status = StatusComplete
	} else {
		report.Status = StatusFailed
	}

	a.saveResults(reportDir, report)
	return report
}

// GetReport loads a previously saved AI report, or nil when none exists.
func (a *Analyzer) GetReport(analysisID string) map[string]any {
	return readJSON(filepath.Join(a.reportsDir, analysisID, "ai_analysis", "ai_report.json"))
}

func (a *Analyzer) runToolAgent(ctx context.Context, agent Agent, tool, sampleName, payload string) *ToolAnalysisResult {
	result := &ToolAnalysisResult{
		Tool:      tool,
		AgentName: agent.Name,
		Verdict:   "inconclusive",
		Findings:  []Finding{},
		IOCs:      []IOC{},
	}

	prompt := fmt.Sprintf(
		"Analyze the following %s data from a malware sandbox execution.\n"+
			"Sample file: %s\n\n"+
			"--- BEGIN %s DATA ---\n%s\n--- END %s DATA ---\n\n"+
			"IMPORTANT: Respond with ONLY a valid JSON object. "+
			"First character must be '{'. Last character must be '}'. "+
			"Use the exact keys: tool, verdict, confidence, findings, iocs, summary.",
		tool, sampleName, strings.ToUpper(tool), payload, strings.ToUpper(tool))

	text, err := a.chat.Chat(ctx, agent.Name, prompt)
	if err != nil {
		result.Error = err.Error()
		result.Summary = fmt.Sprintf("Agent error: %v", err)
		result.RawResponse = fallbackToolJSON(tool, result.Summary)
		a.logger.Error("Agent failed", "agent", agent.Name, "error", err)
		return result
	}

	raw := cleanJSONResponse(text)
	result.RawResponse = raw
	parseToolJSON(raw, result)
	a.logger.Info("Agent verdict",
		"agent", agent.Name,
		"verdict", result.Verdict,
		"confidence", result.Confidence,
		"findings", result.FindingsCount)
	return result
}

func noDataResult(tool, agentName string) *ToolAnalysisResult {
	return &ToolAnalysisResult{
		Tool:        tool,
		AgentName:   agentName,
		Verdict:     "inconclusive",
		Summary:     fmt.Sprintf("No %s data was available for analysis.", tool),
		Findings:    []Finding{},
		IOCs:        []IOC{},
		RawResponse: fallbackToolJSON(tool, fmt.Sprintf("No data collected by %s collector.", tool)),
	}
}

func fallbackToolJSON(tool, summary string) string {
	raw, _ := json.Marshal(map[string]any{
		"tool":       tool,
		"verdict":    "inconclusive",
		"confidence": 0,
		"findings":   []any{},
		"iocs":       []any{},
		"summary":    summary,
	})
	return string(raw)
}

func buildSummaryPrompt(sampleName string, results []*ToolAnalysisResult) string {
	parts := []string{
		"Sample: " + sampleName,
		"",
		"Below are the analysis outputs from each specialized tool analyst.",
		"Synthesize them into a final threat report.",
		"",
	}
	for _, result := range results {
		parts = append(parts,
			"--- "+strings.ToUpper(result.Tool)+" ANALYSIS ---",
			result.RawResponse,
			"")
	}
	parts = append(parts,
		"IMPORTANT: Respond with ONLY a valid JSON object. "+
			"First character must be '{'. Last character must be '}'. "+
			"Use the exact keys from the schema: risk_score, threat_level, classification, "+
			"executive_summary, key_findings, iocs, mitre_attack, recommendations, detailed_analysis.")
	return strings.Join(parts, "\n")
}

// cleanJSONResponse strips markdown fences some models add despite the
// instructions, then slices from the first '{' to the last '}'.
func cleanJSONResponse(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl > 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return text
}

// parseToolJSON fills result from a tool agent's JSON response. A parse
// failure falls back to treating the response as prose: keyword verdict,
// reduced confidence, summary capped at 2000 chars.
func parseToolJSON(raw string, result *ToolAnalysisResult) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		if strings.TrimSpace(raw) != "" {
			result.Summary = truncate(strings.TrimSpace(raw), 2000)
			result.Verdict = inferVerdictFromText(raw)
			result.Confidence = 40
		}
		result.Error = fmt.Sprintf("JSON parse error: %v", err)
		return
	}

	result.Verdict = strings.ToLower(strings.TrimSpace(asString(data["verdict"], "inconclusive")))
	result.Confidence = clampScore(asInt(data["confidence"]))
	result.Summary = strings.TrimSpace(asString(data["summary"], ""))

	if items, ok := data["findings"].([]any); ok {
		result.Findings = normalizeToolFindings(items)
		result.FindingsCount = len(result.Findings)
	}
	if items, ok := data["iocs"].([]any); ok {
		result.IOCs = normalizeToolIOCs(items)
		result.IOCsCount = len(result.IOCs)
	}
}

// inferVerdictFromText gives a best-effort verdict when an agent returns
// prose instead of JSON.
func inferVerdictFromText(text string) string {
	lower := strings.ToLower(text)
	for _, w := range []string{"malicious", "malware", "trojan", "ransomware", "backdoor"} {
		if strings.Contains(lower, w) {
			return "malicious"
		}
	}
	for _, w := range []string{"suspicious", "anomal", "unusual", "concerning"} {
		if strings.Contains(lower, w) {
			return "suspicious"
		}
	}
	for _, w := range []string{"benign", "clean", "legitimate", "safe"} {
		if strings.Contains(lower, w) {
			return "benign"
		}
	}
	return "inconclusive"
}

func normalizeToolFindings(items []any) []Finding {
	out := []Finding{}
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			out = append(out, Finding{
				Severity:    asString(v["severity"], "medium"),
				Indicator:   asString(v["indicator"], ""),
				Description: asString(v["description"], ""),
			})
		case string:
			out = append(out, Finding{Severity: "medium", Indicator: truncate(v, 80), Description: v})
		}
	}
	return out
}

func normalizeToolIOCs(items []any) []IOC {
	out := []IOC{}
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			out = append(out, IOC{
				Type:  asString(v["type"], "unknown"),
				Value: asString(v["value"], ""),
			})
		case string:
			out = append(out, IOC{Type: "unknown", Value: v})
		}
	}
	return out
}

// parseSummaryJSON fills the report from the summarizer's JSON. When the
// summarizer answers in prose instead, the text becomes the executive
// summary and the risk score is inferred from the per-tool verdicts.
func parseSummaryJSON(raw string, report *Report) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		if strings.TrimSpace(raw) != "" {
			text := strings.TrimSpace(raw)
			report.ExecutiveSummary = truncate(text, 3000)
			report.DetailedAnalysis = text
			report.RiskScore, report.ThreatLevel = fallbackRisk(report.ToolResults)
		} else {
			report.Error = fmt.Sprintf("Summary JSON parse error: %v", err)
		}
		return
	}

	report.RiskScore = clampScore(asInt(data["risk_score"]))
	report.ThreatLevel = strings.ToLower(strings.TrimSpace(asString(data["threat_level"], "none")))

	switch cls := data["classification"].(type) {
	case map[string]any:
		report.Classification = Classification{
			MalwareType:   strings.TrimSpace(asString(cls["malware_type"], "unknown")),
			MalwareFamily: strings.TrimSpace(asString(cls["malware_family"], "unknown")),
			Platform:      strings.TrimSpace(asString(cls["platform"], "unknown")),
			Confidence:    clampScore(asInt(cls["confidence"])),
		}
	case string:
		report.Classification = Classification{
			MalwareType:   strings.TrimSpace(cls),
			MalwareFamily: "unknown",
			Platform:      "unknown",
			Confidence:    50,
		}
	}

	report.ExecutiveSummary = strings.TrimSpace(asString(data["executive_summary"], ""))
	report.DetailedAnalysis = strings.TrimSpace(asString(data["detailed_analysis"], ""))
	report.KeyFindings = normalizeKeyFindings(asList(data["key_findings"]))
	report.IOCs = normalizeReportIOCs(asList(data["iocs"]))
	report.MitreAttack = normalizeMitre(asList(data["mitre_attack"]))
	report.Recommendations = normalizeRecommendations(asList(data["recommendations"]))
}

// fallbackRisk scores the run from per-tool verdicts alone.
func fallbackRisk(results []*ToolAnalysisResult) (int, string) {
	malicious, suspicious := 0, 0
	for _, r := range results {
		switch r.Verdict {
		case "malicious":
			malicious++
		case "suspicious":
			suspicious++
		}
	}
	switch {
	case malicious > 0:
		score := min(85, 50+malicious*15)
		level := "medium"
		if score >= 70 {
			level = "high"
		}
		return score, level
	case suspicious > 0:
		return min(65, 30+suspicious*15), "medium"
	default:
		return 20, "low"
	}
}

func normalizeKeyFindings(items []any) []KeyFinding {
	out := []KeyFinding{}
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			desc := asString(v["description"], "")
			if desc == "" {
				desc = asString(v["text"], "")
			}
			out = append(out, KeyFinding{
				Source:      asString(v["source"], ""),
				Severity:    asString(v["severity"], "medium"),
				Description: desc,
			})
		case string:
			out = append(out, KeyFinding{Severity: "medium", Description: v})
		}
	}
	return out
}

func normalizeReportIOCs(items []any) []ReportIOC {
	out := []ReportIOC{}
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			out = append(out, ReportIOC{
				Type:     asString(v["type"], "unknown"),
				Severity: asString(v["severity"], "medium"),
				Value:    asString(v["value"], ""),
			})
		case string:
			out = append(out, ReportIOC{Type: "unknown", Severity: "medium", Value: v})
		}
	}
	return out
}

func normalizeMitre(items []any) []MitreTechnique {
	out := []MitreTechnique{}
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			id := asString(v["id"], "")
			if id == "" {
				id = asString(v["technique_id"], "")
			}
			out = append(out, MitreTechnique{
				ID:          id,
				Name:        asString(v["name"], ""),
				Tactic:      asString(v["tactic"], ""),
				Description: asString(v["description"], ""),
			})
		case string:
			out = append(out, MitreTechnique{Name: v})
		}
	}
	return out
}

func normalizeRecommendations(items []any) []Recommendation {
	out := []Recommendation{}
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			action := asString(v["action"], "")
			if action == "" {
				action = asString(v["text"], "")
			}
			out = append(out, Recommendation{
				Priority: asString(v["priority"], "medium"),
				Action:   action,
			})
		case string:
			out = append(out, Recommendation{Priority: "medium", Action: v})
		}
	}
	return out
}

// saveResults persists the full report, every raw tool response and the
// raw summary under <report_dir>/ai_analysis/.
func (a *Analyzer) saveResults(reportDir string, report *Report) {
	aiDir := filepath.Join(reportDir, "ai_analysis")
	if err := os.MkdirAll(aiDir, 0o755); err != nil {
		a.logger.Error("Failed to create ai_analysis directory", "error", err)
		return
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(aiDir, "ai_report.json"), data, 0o644)
	}
	if err != nil {
		a.logger.Error("Failed to write ai_report.json", "error", err)
	}

	for _, result := range report.ToolResults {
		path := filepath.Join(aiDir, result.Tool+"_analysis.json")
		if err := os.WriteFile(path, []byte(result.RawResponse), 0o644); err != nil {
			a.logger.Error("Failed to write tool analysis", "tool", result.Tool, "error", err)
		}
	}

	if report.RawSummary != "" {
		path := filepath.Join(aiDir, "threat_report.json")
		if err := os.WriteFile(path, []byte(report.RawSummary), 0o644); err != nil {
			a.logger.Error("Failed to write threat_report.json", "error", err)
		}
	}
	a.logger.Info("AI analysis saved", "dir", aiDir)
}

func sampleNameFromManifest(reportDir string) string {
	if manifest := readJSON(filepath.Join(reportDir, "analysis_manifest.json")); manifest != nil {
		if name := asString(manifest["sample_name"], ""); name != "" {
			return name
		}
	}
	return "unknown"
}

func utcNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05") + "Z"
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func asString(v any, fallback string) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return fallback
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fallback
	}
}

// clampScore bounds a model-supplied confidence or risk score to [0,100].
func clampScore(n int) int {
	return min(100, max(0, n))
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return nil
}
