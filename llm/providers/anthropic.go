// Package providers implements the wire protocols the llm client can speak.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/simflow/llm"
)

// AnthropicProvider implements the Anthropic messages API.
type AnthropicProvider struct{}

const anthropicVersion = "2023-06-01"

// NewAnthropic returns an AnthropicProvider reading ANTHROPIC_API_KEY.
func NewAnthropic() *AnthropicProvider {
	return &AnthropicProvider{}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// BuildURL returns the messages endpoint under baseURL.
func (a *AnthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

// SetHeaders sets the API key and protocol version.
func (a *AnthropicProvider) SetHeaders(req *http.Request) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		req.Header.Set("x-api-key", key)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

// anthropicMaxTokens is sent when the caller sets no limit; the messages
// API requires one.
const anthropicMaxTokens = 4096

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the messages API body. System messages are
// lifted into the top-level system field and consecutive turns of the same
// role are merged, since the API expects user and assistant to alternate.
func (a *AnthropicProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	var system []string
	turns := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == msg.Role {
			turns[n-1].Content += "\n\n" + msg.Content
			continue
		}
		turns = append(turns, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("anthropic request for %s has no user or assistant messages", model)
	}
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	return json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    turns,
		System:      strings.Join(system, "\n\n"),
		Temperature: temperature,
	})
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse concatenates the text blocks of a messages API reply.
func (a *AnthropicProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content: text.String(),
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}
