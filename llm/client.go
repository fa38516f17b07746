// Package llm provides a provider-agnostic chat-completion client with retry,
// fallback and circuit breaking. Stage agents use it through the model
// registry's capability chains.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/simflow/model"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024

// Completer is the subset of Client used by agents.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is a provider-agnostic LLM client.
type Client struct {
	registry    *model.Registry
	providers   Providers
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	tracer      trace.Tracer
}

var _ Completer = (*Client)(nil)

// Message is a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Request defines a completion request.
type Request struct {
	// Capability selects the fallback chain in the model registry. Unknown
	// capabilities fall back to model.CapabilityAnalysis.
	Capability string

	Messages []Message

	// Temperature nil uses the endpoint default; 0 is deterministic.
	Temperature *float64

	// MaxTokens 0 uses the endpoint default.
	MaxTokens int
}

// TokenUsage is the token consumption of one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completion result.
type Response struct {
	// RequestID correlates the call in logs and step snapshots.
	RequestID    string
	Content      string
	Model        string
	Endpoint     string
	Usage        TokenUsage
	FinishReason string
	Attempts     int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithProviders sets the providers endpoints may reference.
func WithProviders(ps ...Provider) ClientOption {
	return func(client *Client) {
		client.providers = NewProviders(ps...)
	}
}

// NewClient creates a client over the given model registry. Without
// WithProviders every request fails with a FatalError.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		providers:   Providers{},
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/c360studio/simflow/llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a completion request, walking the capability's fallback
// chain. Transient failures are retried per endpoint; a fatal failure stops
// the walk.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Capability == "" {
		return nil, fmt.Errorf("capability is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.capability", req.Capability),
		attribute.String("llm.request_id", requestID),
	))
	defer span.End()

	capVal := model.ParseCapability(req.Capability)
	if capVal == "" {
		capVal = model.CapabilityAnalysis
	}
	chain := c.registry.GetAvailableFallbackChain(capVal)
	if len(chain) == 0 {
		err := fmt.Errorf("no models configured for capability %s", req.Capability)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var lastErr error
	for _, name := range chain {
		endpoint := c.registry.GetEndpoint(name)
		if endpoint == nil {
			c.logger.Debug("No endpoint for model, skipping", "model", name)
			continue
		}
		if !c.registry.IsEndpointAvailable(name) {
			c.logger.Debug("Endpoint circuit open, skipping", "model", name)
			continue
		}

		resp, attempts, err := c.tryEndpoint(ctx, endpoint, name, req)
		if err == nil {
			resp.RequestID = requestID
			resp.Endpoint = name
			resp.Attempts = attempts
			span.SetAttributes(
				attribute.String("llm.endpoint", name),
				attribute.Int("llm.tokens", resp.Usage.TotalTokens),
			)
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("Endpoint failed, trying fallback",
			"request_id", requestID,
			"model", name,
			"provider", endpoint.Provider,
			"attempts", attempts,
			"error", err)

		if IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no usable endpoint")
	}
	err := fmt.Errorf("all endpoints failed for capability %s: %w", req.Capability, lastErr)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// tryEndpoint attempts a request with retries and returns the attempt count.
func (c *Client) tryEndpoint(ctx context.Context, ep *model.EndpointConfig, name string, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return resp, attempt, nil
		}
		lastErr = err

		// Auth and bad-request failures say nothing about endpoint health.
		if IsFatal(err) {
			return nil, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"model", name,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkEndpointFailure(name)
	return nil, c.retryConfig.MaxAttempts, lastErr
}

// doRequest executes a single HTTP request.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := c.providers.Get(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewTransientError(err)
	}
	return resp, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// 400, 401, 403 and anything unexpected.
		return NewFatalError(err)
	}
}
