// Package threatintel runs the multi-agent AI analysis pipeline over a
// completed sandbox report. Each collector's output goes to a
// specialised analyst agent; their structured JSON verdicts are then fed
// to a summarizer agent that produces the final risk report.
package threatintel

import "strings"

// RequiredModel is enforced on every chat session regardless of
// caller-supplied overrides. A single small model keeps token cost low
// and latency predictable across the pipeline.
const RequiredModel = "gpt-5-mini"

// Agent defines one selectable analyst profile.
type Agent struct {
	Name        string
	DisplayName string
	Description string
	Prompt      string
}

const jsonRules = `CRITICAL RULES:
1. You MUST respond ONLY with a single valid JSON object. No markdown, no code fences, no prose before or after.
2. The very first character of your response MUST be '{'.
3. The very last character of your response MUST be '}'.
4. Use the EXACT JSON keys provided, do not add or remove keys.
5. All string values must be plain text (no nested JSON strings or HTML).
6. If a section has no data, use an empty array [].
7. Keep each finding concise (1-2 sentences max).
8. Do NOT wrap the JSON in ` + "```json```" + ` code fences.
`

const toolOutputSchema = `{
  "tool": "{TOOL_NAME}",
  "verdict": "malicious|suspicious|benign|inconclusive",
  "confidence": 0,
  "findings": [
    {
      "severity": "high|medium|low",
      "indicator": "what was observed",
      "description": "why it matters for malware analysis"
    }
  ],
  "iocs": [
    {
      "type": "process|file|registry|network|dns|url|mutex|hash",
      "value": "the indicator value"
    }
  ],
  "summary": "2-3 sentence summary of this tool's analysis"
}`

const summarySchema = `{
  "risk_score": 0,
  "threat_level": "critical|high|medium|low|none",
  "classification": {
    "malware_type": "trojan|worm|ransomware|spyware|adware|dropper|loader|rat|miner|botnet|infostealer|backdoor|unknown|benign",
    "malware_family": "family name or unknown",
    "platform": "win32|win64|dotnet|script|unknown",
    "confidence": 0
  },
  "executive_summary": "3-5 sentence high-level summary suitable for a report",
  "key_findings": [
    {
      "source": "tool_name",
      "severity": "critical|high|medium|low",
      "description": "description of the finding"
    }
  ],
  "iocs": [
    {
      "type": "process|file|registry|network|dns|url|mutex|hash",
      "severity": "critical|high|medium|low",
      "value": "the indicator value"
    }
  ],
  "mitre_attack": [
    {
      "id": "T1234",
      "name": "Technique Name",
      "tactic": "tactic_name",
      "description": "technique description"
    }
  ],
  "recommendations": [
    {
      "priority": "critical|high|medium|low",
      "action": "what to do"
    }
  ],
  "detailed_analysis": "1-2 paragraph narrative analysis combining all tool findings"
}`

func toolPrompt(intro, focus, toolName string) string {
	schema := strings.ReplaceAll(toolOutputSchema, "{TOOL_NAME}", toolName)
	return intro + "\n\n" + focus + "\n\n" + jsonRules +
		"\nRespond using this EXACT JSON schema (max 10 findings):\n" + schema
}

var sysmonAgent = Agent{
	Name:        "sysmon-analyzer",
	DisplayName: "Sysmon Analyzer",
	Description: "Analyzes Windows Sysmon event log data for malicious behavior indicators.",
	Prompt: toolPrompt(
		"You are an expert Sysmon log analyst specializing in malware behavioral detection.\n"+
			"You will receive Sysmon event summary data from a sandbox execution.",
		"Focus on:\n"+
			"- Process creation chains (parent to child) indicating injection or LOLBin abuse\n"+
			"- Suspicious image loads (unsigned DLLs, temp directory loads)\n"+
			"- Network connections to unusual ports or external IPs\n"+
			"- File creation in sensitive directories (System32, Temp, AppData)\n"+
			"- Registry modifications for persistence (Run keys, services)\n"+
			"- Named pipe creation/access patterns\n"+
			"- DNS queries to suspicious domains",
		"sysmon"),
}

var procmonAgent = Agent{
	Name:        "procmon-analyzer",
	DisplayName: "Procmon Analyzer",
	Description: "Analyzes Process Monitor data for file, registry, and process activity.",
	Prompt: toolPrompt(
		"You are an expert Process Monitor analyst specializing in malware behavioral analysis.\n"+
			"You will receive a procmon_summary.json with file activity, registry activity, "+
			"network activity, and process trees from a sandbox execution.",
		"Focus on:\n"+
			"- File operations in sensitive paths (Temp, AppData, System32, Startup)\n"+
			"- Self-copying or dropper behavior\n"+
			"- Registry persistence mechanisms (Run, RunOnce, Services, Scheduled Tasks)\n"+
			"- Excessive file enumeration suggesting data exfiltration recon\n"+
			"- .NET runtime loading patterns (may indicate managed malware)\n"+
			"- Creation of batch files, scripts, or executables\n"+
			"- Temp directory usage patterns\n"+
			"- Total event volume vs sample events ratio (high ratio = noisy malware)",
		"procmon"),
}

var networkAgent = Agent{
	Name:        "network-analyzer",
	DisplayName: "Network Analyzer",
	Description: "Analyzes captured network traffic for C2 communication and data exfiltration.",
	Prompt: toolPrompt(
		"You are an expert network traffic analyst specializing in malware C2 detection.\n"+
			"You will receive network capture summary data including TCP conversations, "+
			"DNS queries, and HTTP requests from a sandbox execution.",
		"Focus on:\n"+
			"- External IP connections (anything outside the sandbox subnet 192.168.56.x)\n"+
			"- DNS queries to suspicious or newly-registered domains\n"+
			"- HTTP requests to non-standard ports or unusual URIs\n"+
			"- High-frequency beaconing patterns (regular interval connections)\n"+
			"- Large data transfers suggesting exfiltration\n"+
			"- Connections to known-bad infrastructure patterns\n"+
			"- IMPORTANT: Filter out IsoLens agent traffic (192.168.56.105:9090 /api/*) as benign infrastructure\n"+
			"- IMPORTANT: Filter out mDNS/SSDP/LLMNR as normal OS noise",
		"network"),
}

var handleAgent = Agent{
	Name:        "handle-analyzer",
	DisplayName: "Handle Analyzer",
	Description: "Analyzes open file/registry/mutex handles for persistence and evasion indicators.",
	Prompt: toolPrompt(
		"You are an expert Windows handle analyst specializing in malware persistence detection.\n"+
			"You will receive Sysinternals Handle tool output showing open handles "+
			"held by the sample process during sandbox execution.",
		"Focus on:\n"+
			"- Handles to sensitive system files or directories\n"+
			"- Mutex/event objects (may indicate single-instance checks or C2 sync)\n"+
			"- Handles to registry keys related to persistence\n"+
			"- Open handles to other process memory (possible injection)\n"+
			"- File handles in temp directories or user profile paths\n"+
			"- Log files or configuration files created by the sample\n"+
			"- Handles to network-related objects",
		"handle"),
}

var tcpvconAgent = Agent{
	Name:        "tcpvcon-analyzer",
	DisplayName: "TCPVcon Analyzer",
	Description: "Analyzes active TCP/UDP connections snapshot for C2 and lateral movement.",
	Prompt: toolPrompt(
		"You are an expert network connection analyst specializing in identifying "+
			"malware command-and-control channels.\n"+
			"You will receive TCPVcon snapshot data (CSV format) showing active TCP/UDP "+
			"connections at the time of capture during sandbox execution.",
		"Focus on:\n"+
			"- Established connections to external IPs (non-RFC1918)\n"+
			"- Listening ports opened by the sample process\n"+
			"- Connections to unusual port numbers\n"+
			"- Multiple connections suggesting beaconing or distributed C2\n"+
			"- IMPORTANT: Filter out IsoLens agent connections (port 9090) as benign\n"+
			"- IMPORTANT: Filter out standard Windows services unless sample owns them",
		"tcpvcon"),
}

var metadataAgent = Agent{
	Name:        "metadata-analyzer",
	DisplayName: "Metadata Analyzer",
	Description: "Analyzes execution metadata and collector status for anomalies.",
	Prompt: toolPrompt(
		"You are an expert sandbox analysis reviewer.\n"+
			"You will receive metadata about a sandbox execution including sample name, "+
			"execution timestamp, timeout settings, and collector availability.",
		"Focus on:\n"+
			"- Sample file naming conventions (does the name suggest a known malware family?)\n"+
			"- Collector failures that might indicate anti-analysis/evasion techniques\n"+
			"- Execution timing anomalies\n"+
			"- Whether the sample was a .exe, .dll, .bat, .ps1 etc and implications\n"+
			"- Missing data that might indicate sandbox detection and evasion",
		"metadata"),
}

var summarizerAgent = Agent{
	Name:        "threat-summarizer",
	DisplayName: "Threat Summarizer",
	Description: "Produces final risk score, classification, and executive summary from all tool analyses.",
	Prompt: "You are a senior threat intelligence analyst producing the FINAL assessment report.\n" +
		"You will receive JSON analysis outputs from multiple specialized tool analysts " +
		"(sysmon, procmon, network, handle, tcpvcon, metadata). Each was produced by " +
		"an expert analyzing one data source from the same sandbox execution.\n\n" +
		"Your job:\n" +
		"1. Synthesize all tool analyses into a unified threat assessment\n" +
		"2. Assign a risk score from 0 (benign) to 100 (critical active threat)\n" +
		"3. Classify the malware type and family if possible\n" +
		"4. Extract and deduplicate the most important IOCs\n" +
		"5. Map behaviors to MITRE ATT&CK techniques\n" +
		"6. Provide actionable recommendations\n\n" +
		"Risk score guidelines:\n" +
		"  0-15:  Benign / clean\n" +
		"  16-35: Low risk / potentially unwanted\n" +
		"  36-60: Medium risk / suspicious behavior confirmed\n" +
		"  61-80: High risk / likely malware with active capabilities\n" +
		"  81-100: Critical / confirmed destructive or data-stealing malware\n\n" +
		"Weight the analyses: procmon and sysmon findings are strongest indicators, " +
		"network activity is critical for C2 detection, handle data is supporting evidence.\n" +
		"If a tool returned no data or inconclusive, note it but don't penalize the score.\n\n" +
		"Include the 5-10 most important findings across all tools in key_findings.\n" +
		"Include 3-5 actionable recommendations.\n\n" +
		jsonRules +
		"\nRespond using this EXACT JSON schema:\n" + summarySchema,
}

// toolAgents is the dispatch sequence for per-tool analysis.
var toolAgents = []Agent{
	sysmonAgent,
	procmonAgent,
	networkAgent,
	handleAgent,
	tcpvconAgent,
	metadataAgent,
}

// ToolAgents returns the per-tool analyzer agents in dispatch order.
func ToolAgents() []Agent {
	return append([]Agent(nil), toolAgents...)
}

// Agents returns all agents, tool analyzers plus the summarizer.
func Agents() []Agent {
	return append(ToolAgents(), summarizerAgent)
}

// AgentByName looks up an agent by its Name field.
func AgentByName(name string) (Agent, bool) {
	for _, agent := range Agents() {
		if agent.Name == name {
			return agent, true
		}
	}
	return Agent{}, false
}
