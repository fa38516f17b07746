package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/simflow/agent"
	"github.com/c360studio/simflow/agent/agenttest"
	"github.com/c360studio/simflow/llm"
	"github.com/c360studio/simflow/llm/testutil"
	"github.com/c360studio/simflow/workflow"
)

func meshRequest() agent.Request {
	return agent.Request{
		Stage: "mesh",
		Input: workflow.Projection{
			WorkflowID: "wf-1",
			ProjectID:  "proj-1",
			Goal:       "Static stress analysis of a bracket",
			DomainKind: workflow.DomainStructural,
			Stage:      "mesh",
			Inputs: map[string]workflow.StageOutput{
				"geometry": {Data: map[string]any{"defeaturing_steps": []any{"remove fillets"}}, ConfidenceScore: 0.9},
			},
			Iteration: 1,
		},
		HumanFeedback: "Refine around the bolt holes",
	}
}

func TestLLMAgent_Process(t *testing.T) {
	mockLLM := &testutil.MockCompleter{Responses: []*llm.Response{{
		Content:   "```json\n{\"mesh_strategy\": \"tetrahedral\", \"confidence_score\": 0.65}\n```",
		Model:     "qwen2.5:14b",
		RequestID: "req-1",
	}}}

	a := agent.NewLLMAgent(mockLLM, "mesh")
	res, err := a.Process(context.Background(), meshRequest())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.InDelta(t, 0.65, res.ConfidenceScore, 1e-9)
	assert.Equal(t, "tetrahedral", res.Output["mesh_strategy"])
	assert.NotContains(t, res.Output, "confidence_score")
	assert.Equal(t, "qwen2.5:14b", res.Output["_model"])

	reqs := mockLLM.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "setup", reqs[0].Capability)
	require.Len(t, reqs[0].Messages, 2)
	assert.Contains(t, reqs[0].Messages[0].Content, "mesh generation specialist")
	user := reqs[0].Messages[1].Content
	assert.Contains(t, user, "Static stress analysis of a bracket")
	assert.Contains(t, user, "structural")
	assert.Contains(t, user, "remove fillets")
	assert.Contains(t, user, "Refine around the bolt holes")
	assert.Contains(t, user, "Attempt: 2")
}

func TestLLMAgent_ConfidenceDefaults(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		confidence float64
		key        string
	}{
		{"json without confidence", `{"boundary_conditions": ["fixed base"]}`, agent.DefaultConfidence, "boundary_conditions"},
		{"free text", "Use a fixed support at the base.", agent.UnstructuredConfidence, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockLLM := &testutil.MockCompleter{Responses: []*llm.Response{{Content: tt.content}}}
			res, err := agent.NewLLMAgent(mockLLM, "physics").Process(context.Background(), meshRequest())
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.InDelta(t, tt.confidence, res.ConfidenceScore, 1e-9)
			assert.Contains(t, res.Output, tt.key)
		})
	}
}

func TestLLMAgent_ClientError(t *testing.T) {
	mockLLM := &testutil.MockCompleter{Err: llm.NewFatalError(errors.New("invalid API key"))}

	_, err := agent.NewLLMAgent(mockLLM, "geometry").Process(context.Background(), meshRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "geometry")
}

func TestLLMAgent_Options(t *testing.T) {
	mockLLM := &testutil.MockCompleter{Responses: []*llm.Response{{Content: `{}`}}}
	a := agent.NewLLMAgent(mockLLM, "custom-stage",
		agent.WithCapability("review"),
		agent.WithSystemPrompt("Be brief."),
		agent.WithTemperature(0),
		agent.WithMaxTokens(500),
	)

	_, err := a.Process(context.Background(), meshRequest())
	require.NoError(t, err)

	req := mockLLM.Requests()[0]
	assert.Equal(t, "review", req.Capability)
	assert.Equal(t, "Be brief.", req.Messages[0].Content)
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
	assert.Equal(t, 500, req.MaxTokens)
}

func TestSystemPrompt(t *testing.T) {
	for _, stage := range []string{"geometry", "mesh", "materials", "physics"} {
		assert.Contains(t, agent.SystemPrompt(stage), "confidence_score", stage)
	}
	assert.Contains(t, agent.SystemPrompt("thermal-loads"), `"thermal-loads" stage`)
}

func TestBindings(t *testing.T) {
	tpl := workflow.Template{
		Name:   "two",
		Stages: []workflow.StageSpec{{Name: "geometry"}, {Name: "mesh"}},
	}

	b := agent.NewStaticBindings([]string{"geometry"})
	err := b.Check(tpl)
	require.ErrorIs(t, err, workflow.ErrUnknownAgent)
	assert.Contains(t, err.Error(), "mesh")

	_, err = b.For("mesh")
	assert.ErrorIs(t, err, workflow.ErrUnknownAgent)

	b["mesh"] = agent.NewStaticAgent()
	require.NoError(t, b.Check(tpl))
	assert.Equal(t, []string{"geometry", "mesh"}, b.Stages())
}

func TestStaticAgent(t *testing.T) {
	a := agent.NewStaticAgent(
		agent.Result{Success: false, Error: "CAD import failed"},
		agent.Result{Success: true, Output: map[string]any{"ok": true}, ConfidenceScore: 0.9},
	)

	first, err := a.Process(context.Background(), meshRequest())
	require.NoError(t, err)
	assert.False(t, first.Success)

	for range 2 {
		res, err := a.Process(context.Background(), meshRequest())
		require.NoError(t, err)
		assert.True(t, res.Success)
		res.Output["mutated"] = true
	}
	again, _ := a.Process(context.Background(), meshRequest())
	assert.NotContains(t, again.Output, "mutated")
	assert.Equal(t, 4, a.Calls())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = agent.NewStaticAgent().Process(ctx, meshRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFuncAndMockAgent(t *testing.T) {
	f := agent.Func(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{Success: true, ConfidenceScore: 0.5}, nil
	})
	res, err := f.Process(context.Background(), meshRequest())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.ConfidenceScore, 1e-9)

	m := &agenttest.MockAgent{}
	m.On("Process", mock.Anything, agenttest.ForStage("mesh")).
		Return(agent.Result{Success: true, ConfidenceScore: 0.9}, nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err = m.Process(ctx, meshRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)
	m.AssertExpectations(t)
}
