// Package testutil provides test doubles for code that calls llm.Completer.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/simflow/llm"
)

// MockCompleter is a thread-safe llm.Completer returning canned responses in
// order. Once Responses is exhausted the last one is repeated.
//
//	mock := &testutil.MockCompleter{
//	    Responses: []*llm.Response{{Content: `{"confidence_score": 0.9}`}},
//	}
type MockCompleter struct {
	mu        sync.Mutex
	Responses []*llm.Response
	// Err, when set, is returned instead of a response.
	Err error

	requests []llm.Request
}

var _ llm.Completer = (*MockCompleter)(nil)

// Complete records the request and returns the next canned response.
func (m *MockCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Model: "test-model"}, nil
	}
	i := len(m.requests) - 1
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i], nil
}

// Requests returns a copy of every request seen so far.
func (m *MockCompleter) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// CallCount returns the number of Complete calls.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
