package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/simflow/llm"
	"github.com/c360studio/simflow/model"
	"github.com/c360studio/simflow/workflow"
)

const (
	// DefaultConfidence is assumed when a JSON reply omits confidence_score.
	DefaultConfidence = 0.8
	// UnstructuredConfidence is assigned to replies that carry no JSON.
	UnstructuredConfidence = 0.7
)

// LLMAgent performs a stage by prompting a model through the llm client.
type LLMAgent struct {
	client       llm.Completer
	stage        string
	capability   model.Capability
	systemPrompt string
	temperature  *float64
	maxTokens    int
	logger       *slog.Logger
}

// LLMOption configures an LLMAgent.
type LLMOption func(*LLMAgent)

// WithCapability overrides the stage's default model capability.
func WithCapability(c model.Capability) LLMOption {
	return func(a *LLMAgent) {
		a.capability = c
	}
}

// WithSystemPrompt overrides the stage's built-in system prompt.
func WithSystemPrompt(prompt string) LLMOption {
	return func(a *LLMAgent) {
		a.systemPrompt = prompt
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(a *LLMAgent) {
		a.temperature = &t
	}
}

// WithMaxTokens limits the reply length.
func WithMaxTokens(n int) LLMOption {
	return func(a *LLMAgent) {
		a.maxTokens = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LLMOption {
	return func(a *LLMAgent) {
		a.logger = l
	}
}

// NewLLMAgent creates the agent for one stage.
func NewLLMAgent(client llm.Completer, stage string, opts ...LLMOption) *LLMAgent {
	temp := 0.1
	a := &LLMAgent{
		client:       client,
		stage:        stage,
		capability:   model.CapabilityForStage(stage),
		systemPrompt: SystemPrompt(stage),
		temperature:  &temp,
		maxTokens:    2000,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewLLMBindings binds an LLMAgent to each stage.
func NewLLMBindings(client llm.Completer, stages []string, opts ...LLMOption) Bindings {
	b := make(Bindings, len(stages))
	for _, stage := range stages {
		b[stage] = NewLLMAgent(client, stage, opts...)
	}
	return b
}

// Process implements Agent. Transport failures are returned as errors; a
// reply the model flags with a non-empty "errors" list is still a success
// and left for validation to judge.
func (a *LLMAgent) Process(ctx context.Context, req Request) (Result, error) {
	userPrompt, err := buildUserPrompt(req)
	if err != nil {
		return Result{}, err
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		Capability: a.capability.String(),
		Messages: []llm.Message{
			{Role: "system", Content: a.systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("complete %s: %w", a.stage, err)
	}

	out, confidence := parseReply(resp.Content)
	out["_model"] = resp.Model
	out["_request_id"] = resp.RequestID

	a.logger.Debug("Stage agent replied",
		"workflow_id", req.Input.WorkflowID,
		"stage", a.stage,
		"model", resp.Model,
		"confidence", confidence,
		"tokens", resp.Usage.TotalTokens)

	return Result{
		Success:         true,
		Output:          out,
		ConfidenceScore: confidence,
	}, nil
}

// parseReply decodes a model reply. Non-JSON replies are kept verbatim
// under "content".
func parseReply(content string) (map[string]any, float64) {
	var out map[string]any
	if err := llm.DecodeJSON(content, &out); err != nil {
		return map[string]any{"content": strings.TrimSpace(content)}, UnstructuredConfidence
	}
	if out == nil {
		out = map[string]any{}
	}

	confidence := DefaultConfidence
	if v, ok := out["confidence_score"].(float64); ok {
		confidence = v
	}
	delete(out, "confidence_score")
	return out, confidence
}

func buildUserPrompt(req Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Project goal: %s\n", req.Input.Goal)
	fmt.Fprintf(&b, "Physics domain: %s\n", req.Input.DomainKind)
	fmt.Fprintf(&b, "Stage: %s\n", req.Stage)
	if req.Input.Iteration > 0 {
		fmt.Fprintf(&b, "Attempt: %d (earlier attempts did not meet the quality bar)\n", req.Input.Iteration+1)
	}

	if len(req.Input.Inputs) > 0 {
		data, err := json.MarshalIndent(inputData(req.Input.Inputs), "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode stage inputs: %w", err)
		}
		b.WriteString("\nResults of earlier stages:\n```json\n")
		b.Write(data)
		b.WriteString("\n```\n")
	}

	if req.HumanFeedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback to address:\n%s\n", req.HumanFeedback)
	}
	return b.String(), nil
}

func inputData(in map[string]workflow.StageOutput) map[string]any {
	out := make(map[string]any, len(in))
	for stage, o := range in {
		out[stage] = map[string]any{
			"data":             o.Data,
			"confidence_score": o.ConfidenceScore,
		}
	}
	return out
}
