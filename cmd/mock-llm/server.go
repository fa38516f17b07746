package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// capturedRequest is a served request kept for inspection.
type capturedRequest struct {
	Stage     string        `json:"stage"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per stage
	Timestamp int64         `json:"timestamp"`
}

// stageLineRe finds the stage a prompt is for.
var stageLineRe = regexp.MustCompile(`(?m)^Stage: (\S+)`)

type server struct {
	fixtures   map[string][]string
	confidence float64
	logger     *slog.Logger
	calls      atomic.Int64

	mu         sync.Mutex
	stageCalls map[string]int
	requests   map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, confidence float64, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:   fixtures,
		confidence: confidence,
		logger:     logger,
		stageCalls: make(map[string]int),
		requests:   make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", s.handleHealth)
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleModels)
	e.GET("/stats", s.handleStats)
	e.GET("/requests", s.handleRequests)
	return e
}

// stageOf returns the stage named in the last user message, or "" when none.
func stageOf(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if m := stageLineRe.FindStringSubmatch(messages[i].Content); m != nil {
			return m[1]
		}
	}
	return ""
}

// record counts a call for stage and returns its 1-based index.
func (s *server) record(stage string, req chatRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageCalls[stage]++
	n := s.stageCalls[stage]
	s.requests[stage] = append(s.requests[stage], capturedRequest{
		Stage:     stage,
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: n,
		Timestamp: time.Now().UnixMilli(),
	})
	return n
}

// reply picks the content for the nth call of stage.
func (s *server) reply(stage string, n int) string {
	seq, ok := s.fixtures[stage]
	if !ok {
		seq, ok = s.fixtures[defaultFixture]
	}
	if !ok || len(seq) == 0 {
		return s.synthesize(stage)
	}
	if n <= len(seq) {
		return seq[n-1]
	}
	return seq[len(seq)-1]
}

func (s *server) synthesize(stage string) string {
	data, _ := json.Marshal(map[string]any{
		"summary":          fmt.Sprintf("mock %s result", stage),
		"recommendations":  []string{},
		"errors":           []string{},
		"confidence_score": s.confidence,
	})
	return string(data)
}

func (s *server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(c echo.Context) error {
	var req chatRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	callNum := s.calls.Add(1)
	stage := stageOf(req.Messages)
	if stage == "" {
		stage = defaultFixture
	}
	n := s.record(stage, req)
	content := s.reply(stage, n)

	s.logger.Debug("Served completion",
		"call", callNum,
		"model", req.Model,
		"stage", stage,
		"stage_call", n,
		"bytes", len(content))

	return c.JSON(http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("mock-%d", callNum),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	})
}

// handleModels lists one mock model per fixture stage.
func (s *server) handleModels(c echo.Context) error {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures)+1)
	names = append(names, "mock")
	for stage := range s.fixtures {
		names = append(names, "mock-"+stage)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, n := range names {
		models = append(models, modelEntry{ID: n, Object: "model", OwnedBy: "mock-llm"})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *server) handleStats(c echo.Context) error {
	s.mu.Lock()
	byStage := make(map[string]int, len(s.stageCalls))
	for stage, n := range s.stageCalls {
		byStage[stage] = n
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_stage": byStage,
	})
}

// handleRequests returns captured requests, optionally filtered by ?stage=
// and ?call= (1-indexed).
func (s *server) handleRequests(c echo.Context) error {
	stageFilter := c.QueryParam("stage")
	callFilter := 0
	if v := c.QueryParam("call"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "call must be a positive integer")
		}
		callFilter = n
	}

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for stage, reqs := range s.requests {
		if stageFilter != "" && stage != stageFilter {
			continue
		}
		for _, r := range reqs {
			if callFilter == 0 || r.CallIndex == callFilter {
				result[stage] = append(result[stage], r)
			}
		}
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{"requests_by_stage": result})
}
