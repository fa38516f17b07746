// Package agenttest provides a testify mock of agent.Agent.
package agenttest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/c360studio/simflow/agent"
)

// MockAgent is a testify mock of agent.Agent.
type MockAgent struct {
	mock.Mock
}

var _ agent.Agent = (*MockAgent)(nil)

// Process implements agent.Agent.
func (m *MockAgent) Process(ctx context.Context, req agent.Request) (agent.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(agent.Result)
	return res, args.Error(1)
}

// ForStage matches requests for the given stage.
func ForStage(stage string) any {
	return mock.MatchedBy(func(req agent.Request) bool { return req.Stage == stage })
}
