package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/simflow/llm"
	"github.com/c360studio/simflow/llm/providers"
	"github.com/c360studio/simflow/model"
)

func chatHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id":    "chatcmpl-1",
			"model": "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func registryFor(urls ...string) *model.Registry {
	names := make([]string, len(urls))
	endpoints := make(map[string]*model.EndpointConfig, len(urls))
	for i, u := range urls {
		name := []string{"primary", "secondary", "tertiary"}[i]
		names[i] = name
		endpoints[name] = &model.EndpointConfig{Provider: "ollama", URL: u, Model: "test-model"}
	}
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityAnalysis: {Preferred: names[:1], Fallback: names[1:]},
		},
		endpoints,
	)
}

func fastRetry() llm.ClientOption {
	return llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       5 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        20 * time.Millisecond,
	})
}

func analysisRequest() llm.Request {
	return llm.Request{
		Capability: "analysis",
		Messages:   []llm.Message{{Role: "user", Content: "Analyse bracket.step"}},
	}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		chatHandler(`{"confidence_score": 0.9}`)(w, r)
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(server.URL+"/v1"), llm.WithProviders(providers.All()...))

	resp, err := client.Complete(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"confidence_score": 0.9}`, resp.Content)
	assert.Equal(t, "primary", resp.Endpoint)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		chatHandler("ok")(w, r)
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(server.URL), llm.WithProviders(providers.NewOllama()), fastRetry())

	resp, err := client.Complete(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var primary, secondary atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primary.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid API key"))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondary.Add(1)
		chatHandler("unused")(w, r)
	}))
	defer good.Close()

	client := llm.NewClient(registryFor(bad.URL, good.URL), llm.WithProviders(providers.NewOllama()), fastRetry())

	_, err := client.Complete(context.Background(), analysisRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), primary.Load())
	assert.Equal(t, int32(0), secondary.Load(), "fatal errors stop fallback")
}

func TestClient_Complete_Fallback(t *testing.T) {
	var primary atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primary.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(chatHandler("from fallback"))
	defer up.Close()

	registry := registryFor(down.URL, up.URL)
	client := llm.NewClient(registry, llm.WithProviders(providers.NewOllama()), fastRetry())

	resp, err := client.Complete(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)
	assert.Equal(t, "secondary", resp.Endpoint)
	assert.Equal(t, int32(3), primary.Load())

	health := registry.GetEndpointHealth("primary")
	require.NotNil(t, health)
	assert.Equal(t, 1, health.FailureCount)
}

func TestClient_Complete_AllEndpointsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(server.URL, server.URL), llm.WithProviders(providers.NewOllama()), fastRetry())

	_, err := client.Complete(context.Background(), analysisRequest())
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "all endpoints failed")
}

func TestClient_Complete_UnknownProvider(t *testing.T) {
	server := httptest.NewServer(chatHandler("unused"))
	defer server.Close()

	// No providers configured.
	client := llm.NewClient(registryFor(server.URL))

	_, err := client.Complete(context.Background(), analysisRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := llm.NewClient(registryFor(server.URL, server.URL), llm.WithProviders(providers.NewOllama()), fastRetry())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, analysisRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "x"}}})
	assert.ErrorContains(t, err, "capability is required")

	_, err = client.Complete(context.Background(), llm.Request{Capability: "analysis"})
	assert.ErrorContains(t, err, "at least one message")
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := llm.RetryConfig{BackoffBase: 100 * time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 300 * time.Millisecond}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{6, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		got := cfg.Backoff(tt.attempt)
		lo := time.Duration(float64(tt.base) * 0.75)
		hi := time.Duration(float64(tt.base) * 1.25)
		if got < lo || got > hi {
			t.Errorf("Backoff(%d) = %v, want within [%v, %v]", tt.attempt, got, lo, hi)
		}
	}
}
