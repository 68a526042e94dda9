package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codeready-toolchain/isolens/pkg/config"
)

var (
	// ErrEmptyPrompt rejects chat calls with a blank prompt.
	ErrEmptyPrompt = errors.New("prompt must not be empty")

	// ErrUnknownAgent rejects chat calls naming an agent outside the catalog.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrMissingAPIKey indicates the configured API key variable is unset.
	ErrMissingAPIKey = errors.New("chat API key not configured")
)

// ChatService sends a prompt to a named analyst agent and returns the
// raw response text. Implementations pin the model to RequiredModel.
type ChatService interface {
	Model() string
	Chat(ctx context.Context, agentName, prompt string) (string, error)
}

// HTTPChatService talks to an OpenAI-compatible chat completions
// endpoint. The agent's prompt becomes the system message; caller
// content becomes the user message.
type HTTPChatService struct {
	baseURL    string
	apiKeyEnv  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPChatService builds the chat transport from the LLM configuration.
func NewHTTPChatService(cfg *config.LLMConfig) *HTTPChatService {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPChatService{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKeyEnv:  cfg.APIKeyEnv,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "chat"),
	}
}

// Model always reports the pinned model.
func (s *HTTPChatService) Model() string { return RequiredModel }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends prompt to the named agent and returns the assistant text.
func (s *HTTPChatService) Chat(ctx context.Context, agentName, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	agent, ok := AgentByName(agentName)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, agentName)
	}

	apiKey := os.Getenv(s.apiKeyEnv)
	if apiKey == "" {
		return "", fmt.Errorf("%w: set %s", ErrMissingAPIKey, s.apiKeyEnv)
	}

	payload, err := json.Marshal(chatRequest{
		Model: RequiredModel,
		Messages: []chatMessage{
			{Role: "system", Content: agent.Prompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	s.logger.Info("Calling agent", "agent", agent.Name, "prompt_chars", len(prompt))
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request to %s: %w", agent.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode chat response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := ""
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("chat service returned HTTP %d: %s", resp.StatusCode, msg)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("chat service returned no choices for %s", agent.Name)
	}
	return decoded.Choices[0].Message.Content, nil
}
