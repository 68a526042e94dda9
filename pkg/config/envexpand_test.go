package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key_env: {{.KEY_NAME}}",
			env:   map[string]string{"KEY_NAME": "COPILOT_API_KEY"},
			want:  "api_key_env: COPILOT_API_KEY",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "literal $VAR is NOT expanded (no collision)",
			input: `share_dir: C:\share\$recycle`,
			env:   map[string]string{},
			want:  `share_dir: C:\share\$recycle`,
		},
		{
			name:  "multiple substitutions in one line",
			input: "base_url: {{.PROTOCOL}}://{{.HOST}}:{{.PORT}}",
			env: map[string]string{
				"PROTOCOL": "http",
				"HOST":     "192.168.56.105",
				"PORT":     "9090",
			},
			want: "base_url: http://192.168.56.105:9090",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name:  "no substitution when no variables",
			input: "vm:\n  name: WindowsSandbox",
			env:   map[string]string{"UNUSED": "value"},
			want:  "vm:\n  name: WindowsSandbox",
		},
		{
			name:  "variables in nested YAML structure",
			input: "agent:\n  host: {{.AGENT_HOST}}\n  port: {{.AGENT_PORT}}",
			env: map[string]string{
				"AGENT_HOST": "10.0.2.15",
				"AGENT_PORT": "9090",
			},
			want: "agent:\n  host: 10.0.2.15\n  port: 9090",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

// Malformed template syntax is passed through unchanged so the YAML parser
// can handle the content or fail with a clearer error message.
func TestExpandEnvMalformedTemplates(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "unclosed template - missing closing braces",
			input: "api_key_env: {{.API_KEY",
		},
		{
			name:  "template with undefined function",
			input: "api_key_env: {{.API_KEY | upper}}",
		},
		{
			name:  "empty template",
			input: "key: {{}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("API_KEY", "should-not-appear")

			result := ExpandEnv([]byte(tt.input))

			assert.Equal(t, tt.input, string(result),
				"malformed template should be passed through unchanged")
			assert.NotContains(t, string(result), "should-not-appear")
		})
	}
}

func TestExpandEnvWithEmptyInput(t *testing.T) {
	result := ExpandEnv([]byte(""))
	assert.Equal(t, "", string(result))
}
