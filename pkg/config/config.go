// Package config loads and validates isolens configuration.
//
// Configuration lives in a single isolens.yaml file inside the config
// directory. Environment variables are expanded with {{.VAR}} template
// syntax before parsing, and user values are merged over built-in
// defaults.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the fully resolved host configuration.
type Config struct {
	configDir string

	Agent     *AgentConfig
	VM        *VMConfig
	Paths     *PathsConfig
	Analysis  *AnalysisConfig
	Gateway   *GatewayConfig
	LLM       *LLMConfig
	Retention *RetentionConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// AgentConfig describes how to reach the guest agent inside the sandbox VM.
type AgentConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// BaseURL returns the agent's HTTP base URL.
func (c *AgentConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// VMConfig identifies the sandbox virtual machine.
type VMConfig struct {
	// Name is the VirtualBox VM name or UUID.
	Name string
	// VBoxManage is the VBoxManage executable (name or absolute path).
	VBoxManage string
	// Headless starts the VM without a GUI window.
	Headless bool
}

// PathsConfig holds the host-side directory layout.
type PathsConfig struct {
	// ShareDir is the VirtualBox shared folder visible to the guest.
	ShareDir string
	// SamplesDir archives submitted samples as <analysis_id>_<name>.
	SamplesDir string
	// ReportsDir holds one report directory per analysis.
	ReportsDir string
}

// AnalysisConfig holds detonation defaults and orchestration timing.
type AnalysisConfig struct {
	// DefaultTimeoutSec is the detonation window when the caller omits one.
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	// ScreenshotIntervalSec is the default guest screenshot cadence.
	ScreenshotIntervalSec int `yaml:"screenshot_interval_sec"`
	// HostScreenshotIntervalSec is the VBoxManage screenshotpng cadence.
	HostScreenshotIntervalSec int `yaml:"host_screenshot_interval_sec"`
	// PollIntervalSec is how often the orchestrator polls agent status.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// CompletionGraceSec is added to the detonation timeout to form the
	// total wait budget for the agent to return to idle.
	CompletionGraceSec int `yaml:"completion_grace_sec"`
}

// GatewayConfig holds the host gateway listen address.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig describes the chat completion service used by the threat analyzer.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible chat completions endpoint base.
	BaseURL string
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string
	// RequestTimeout bounds each chat completion call.
	RequestTimeout time.Duration
}

// RetentionConfig controls report directory retention.
type RetentionConfig struct {
	// ReportRetentionDays is how many days report directories are kept.
	ReportRetentionDays int
	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration
}

// DefaultAnalysisConfig returns the built-in analysis timing defaults.
func DefaultAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{
		DefaultTimeoutSec:         60,
		ScreenshotIntervalSec:     5,
		HostScreenshotIntervalSec: 15,
		PollIntervalSec:           5,
		CompletionGraceSec:        300,
	}
}

// DefaultGatewayConfig returns the built-in gateway listen defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Host: "0.0.0.0",
		Port: 8000,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ReportRetentionDays: 30,
		CleanupInterval:     12 * time.Hour,
	}
}
