package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// IsolensYAMLConfig represents the complete isolens.yaml file structure.
type IsolensYAMLConfig struct {
	Agent     *AgentYAMLConfig     `yaml:"agent"`
	VM        *VMYAMLConfig        `yaml:"vm"`
	Paths     *PathsYAMLConfig     `yaml:"paths"`
	Analysis  *AnalysisConfig      `yaml:"analysis"`
	Gateway   *GatewayConfig       `yaml:"gateway"`
	LLM       *LLMYAMLConfig       `yaml:"llm"`
	Retention *RetentionYAMLConfig `yaml:"retention"`
}

// AgentYAMLConfig holds guest agent endpoint settings from YAML.
type AgentYAMLConfig struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	RequestTimeout string `yaml:"request_timeout,omitempty"` // Parsed to time.Duration
}

// VMYAMLConfig holds VirtualBox VM settings from YAML.
type VMYAMLConfig struct {
	Name       string `yaml:"name,omitempty"`
	VBoxManage string `yaml:"vboxmanage,omitempty"`
	Headless   *bool  `yaml:"headless,omitempty"`
}

// PathsYAMLConfig holds directory layout settings from YAML.
type PathsYAMLConfig struct {
	ShareDir   string `yaml:"share_dir,omitempty"`
	SamplesDir string `yaml:"samples_dir,omitempty"`
	ReportsDir string `yaml:"reports_dir,omitempty"`
}

// LLMYAMLConfig holds chat service settings from YAML.
type LLMYAMLConfig struct {
	BaseURL        string `yaml:"base_url,omitempty"`
	APIKeyEnv      string `yaml:"api_key_env,omitempty"`
	RequestTimeout string `yaml:"request_timeout,omitempty"` // Parsed to time.Duration
}

// RetentionYAMLConfig holds report retention settings from YAML.
type RetentionYAMLConfig struct {
	ReportRetentionDays int    `yaml:"report_retention_days,omitempty"`
	CleanupInterval     string `yaml:"cleanup_interval,omitempty"` // Parsed to time.Duration
}

// Initialize loads, resolves, and validates the host configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load isolens.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"vm", cfg.VM.Name,
		"agent", cfg.Agent.BaseURL(),
		"share_dir", cfg.Paths.ShareDir,
		"reports_dir", cfg.Paths.ReportsDir)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadIsolensYAML()
	if err != nil {
		return nil, NewLoadError("isolens.yaml", err)
	}

	// Resolve analysis timing (user YAML overrides built-in defaults).
	analysisCfg := DefaultAnalysisConfig()
	if yamlCfg.Analysis != nil {
		if err := mergo.Merge(analysisCfg, yamlCfg.Analysis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge analysis config: %w", err)
		}
	}

	gatewayCfg := DefaultGatewayConfig()
	if yamlCfg.Gateway != nil {
		if err := mergo.Merge(gatewayCfg, yamlCfg.Gateway, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge gateway config: %w", err)
		}
	}

	return &Config{
		configDir: configDir,
		Agent:     resolveAgentConfig(yamlCfg.Agent),
		VM:        resolveVMConfig(yamlCfg.VM),
		Paths:     resolvePathsConfig(yamlCfg.Paths),
		Analysis:  analysisCfg,
		Gateway:   gatewayCfg,
		LLM:       resolveLLMConfig(yamlCfg.LLM),
		Retention: resolveRetentionConfig(yamlCfg.Retention),
	}, nil
}

// validate performs sanity checks on the resolved configuration.
func validate(cfg *Config) error {
	if cfg.VM.Name == "" {
		return NewValidationError("vm", cfg.VM.Name, "name", ErrMissingRequiredField)
	}
	if cfg.Agent.Port <= 0 || cfg.Agent.Port > 65535 {
		return NewValidationError("agent", cfg.Agent.Host, "port", ErrInvalidValue)
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return NewValidationError("gateway", cfg.Gateway.Host, "port", ErrInvalidValue)
	}
	if cfg.Analysis.DefaultTimeoutSec <= 0 {
		return NewValidationError("analysis", "", "default_timeout_sec", ErrInvalidValue)
	}
	if cfg.Analysis.PollIntervalSec <= 0 {
		return NewValidationError("analysis", "", "poll_interval_sec", ErrInvalidValue)
	}
	return nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadIsolensYAML() (*IsolensYAMLConfig, error) {
	var config IsolensYAMLConfig
	if err := l.loadYAML("isolens.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// resolveAgentConfig resolves agent endpoint settings, applying defaults.
func resolveAgentConfig(a *AgentYAMLConfig) *AgentConfig {
	cfg := &AgentConfig{
		Host:           "192.168.56.105",
		Port:           9090,
		RequestTimeout: 15 * time.Second,
	}

	if a == nil {
		return cfg
	}
	if a.Host != "" {
		cfg.Host = a.Host
	}
	if a.Port != 0 {
		cfg.Port = a.Port
	}
	if a.RequestTimeout != "" {
		cfg.RequestTimeout = parseDurationOrDefault("agent.request_timeout", a.RequestTimeout, cfg.RequestTimeout)
	}

	return cfg
}

// resolveVMConfig resolves VirtualBox settings, applying defaults.
func resolveVMConfig(v *VMYAMLConfig) *VMConfig {
	cfg := &VMConfig{
		Name:       "WindowsSandbox",
		VBoxManage: "VBoxManage",
		Headless:   true,
	}

	if v == nil {
		return cfg
	}
	if v.Name != "" {
		cfg.Name = v.Name
	}
	if v.VBoxManage != "" {
		cfg.VBoxManage = v.VBoxManage
	}
	if v.Headless != nil {
		cfg.Headless = *v.Headless
	}

	return cfg
}

// resolvePathsConfig resolves the directory layout, applying defaults.
func resolvePathsConfig(p *PathsYAMLConfig) *PathsConfig {
	cfg := &PathsConfig{
		ShareDir:   "./share",
		SamplesDir: "./data/samples",
		ReportsDir: "./data/reports",
	}

	if p == nil {
		return cfg
	}
	if p.ShareDir != "" {
		cfg.ShareDir = p.ShareDir
	}
	if p.SamplesDir != "" {
		cfg.SamplesDir = p.SamplesDir
	}
	if p.ReportsDir != "" {
		cfg.ReportsDir = p.ReportsDir
	}

	return cfg
}

// resolveLLMConfig resolves chat service settings, applying defaults.
func resolveLLMConfig(l *LLMYAMLConfig) *LLMConfig {
	cfg := &LLMConfig{
		BaseURL:        "https://api.githubcopilot.com",
		APIKeyEnv:      "COPILOT_API_KEY",
		RequestTimeout: 120 * time.Second,
	}

	if l == nil {
		return cfg
	}
	if l.BaseURL != "" {
		cfg.BaseURL = l.BaseURL
	}
	if l.APIKeyEnv != "" {
		cfg.APIKeyEnv = l.APIKeyEnv
	}
	if l.RequestTimeout != "" {
		cfg.RequestTimeout = parseDurationOrDefault("llm.request_timeout", l.RequestTimeout, cfg.RequestTimeout)
	}

	return cfg
}

// resolveRetentionConfig resolves retention settings, applying defaults.
func resolveRetentionConfig(r *RetentionYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if r == nil {
		return cfg
	}
	if r.ReportRetentionDays > 0 {
		cfg.ReportRetentionDays = r.ReportRetentionDays
	}
	if r.CleanupInterval != "" {
		cfg.CleanupInterval = parseDurationOrDefault("retention.cleanup_interval", r.CleanupInterval, cfg.CleanupInterval)
	}

	return cfg
}

func parseDurationOrDefault(field, value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field,
			"value", value,
			"default", def,
			"error", err)
		return def
	}
	return d
}
