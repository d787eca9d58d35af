package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kfaulkner/steward/llm"
	"github.com/kfaulkner/steward/planner"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient returns canned completions in order, holding the last one
// once the script runs out.
type scriptedClient struct {
	responses []string
	err       error
}

func (s *scriptedClient) Complete(_ context.Context, _ llm.Request) (*llm.Completion, error) {
	if s.err != nil {
		return nil, s.err
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return &llm.Completion{Content: resp}, nil
}

type fakeTransport struct {
	tools       []tools.Tool
	discoverErr error
	results     map[string]tools.Result
	callErr     error
	calls       []string
}

func (f *fakeTransport) Discover(context.Context) ([]tools.Tool, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.tools, nil
}

func (f *fakeTransport) Call(_ context.Context, name string, _ map[string]any) (tools.Result, error) {
	f.calls = append(f.calls, name)
	if f.callErr != nil {
		return tools.Result{}, f.callErr
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return tools.Result{Err: "no such tool"}, nil
}

func (f *fakeTransport) Close() error { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoop(transport tools.Transport, client llm.Client, maxIterations int) *Loop {
	gw := tools.NewGateway(transport, time.Second, 1, discard())
	p := planner.New(client, nil, discard())
	return New(gw, p, maxIterations, discard())
}

func run(t *testing.T, l *Loop, goal string) (*session.Session, error) {
	t.Helper()
	sess := session.New(goal, "gemini")
	sess.AppendMessage("user", goal)
	err := l.Run(context.Background(), sess)
	require.True(t, sess.Status().Terminal(), "run must leave the session terminal")
	return sess, err
}

func lastAssistant(snap session.Snapshot) string {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == "assistant" {
			return snap.Messages[i].Content
		}
	}
	return ""
}

const weatherPlan = `{
  "analysis": "Fetch the weather, then answer",
  "plan": [
    {"step": 1, "action": "tool_call", "tool_name": "get_weather", "description": "Fetch weather", "inputs": {"city": "Paris"}},
    {"step": 2, "action": "respond", "description": "Summarize for the user"}
  ]
}`

func weatherTool() tools.Tool {
	return tools.Tool{
		Name:        "get_weather",
		Description: "Get the weather",
		Schema: tools.Schema{Fields: []tools.Field{
			{Name: "city", Type: tools.TypeString, Required: true},
		}},
	}
}

func TestRunHappyPath(t *testing.T) {
	transport := &fakeTransport{
		tools:   []tools.Tool{weatherTool()},
		results: map[string]tools.Result{"get_weather": {Success: true, Data: `{"temp": 21}`}},
	}
	client := &scriptedClient{responses: []string{weatherPlan, "It is 21 degrees in Paris."}}

	sess, err := run(t, newLoop(transport, client, 10), "weather in Paris")
	require.NoError(t, err)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"get_weather"}, transport.calls)

	// Every tool-bearing step leaves an audit record; the respond step does
	// not invoke anything.
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "get_weather", snap.ToolCalls[0].ToolName)
	assert.Equal(t, 0, snap.ToolCalls[0].StepIndex)
	assert.Equal(t, `{"temp": 21}`, snap.ToolCalls[0].Output)

	for _, st := range snap.Plan {
		assert.Equal(t, session.StepDone, st.Status)
	}
	assert.Equal(t, "It is 21 degrees in Paris.", lastAssistant(snap))
}

func TestRunRespondDirectly(t *testing.T) {
	transport := &fakeTransport{tools: []tools.Tool{weatherTool()}}
	client := &scriptedClient{responses: []string{
		`{"analysis": "No tool needed", "plan": [{"step": 1, "action": "respond", "description": "Answer directly"}]}`,
		"Paris is the capital of France.",
	}}

	sess, err := run(t, newLoop(transport, client, 10), "capital of France?")
	require.NoError(t, err)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Empty(t, snap.ToolCalls)
	assert.Empty(t, transport.calls)
	assert.Equal(t, "Paris is the capital of France.", lastAssistant(snap))
}

func TestRunToolFailureEndsErrored(t *testing.T) {
	transport := &fakeTransport{
		tools:   []tools.Tool{weatherTool()},
		results: map[string]tools.Result{"get_weather": {Err: "upstream boom"}},
	}
	client := &scriptedClient{responses: []string{weatherPlan, "The weather service failed."}}

	sess, err := run(t, newLoop(transport, client, 10), "weather in Paris")
	require.Error(t, err)

	var execErr *tools.ToolExecutionError
	require.ErrorAs(t, err, &execErr)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusError, snap.Status)
	assert.Contains(t, snap.Error, "upstream boom")

	// The failed call is still on the audit trail and the run still ends
	// with a final response.
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "upstream boom", snap.ToolCalls[0].Err)
	assert.Equal(t, session.StepFailed, snap.Plan[0].Status)
	assert.NotEmpty(t, lastAssistant(snap))
}

func TestRunToolTimeoutEndsErrored(t *testing.T) {
	// The call times out on the first attempt and on the retry; the step
	// fails with a timeout classification and the run ends Errored.
	transport := &fakeTransport{
		tools:   []tools.Tool{weatherTool()},
		callErr: context.DeadlineExceeded,
	}
	client := &scriptedClient{responses: []string{weatherPlan, "Could not reach the weather service."}}

	sess, err := run(t, newLoop(transport, client, 10), "weather in Paris")
	require.Error(t, err)

	var terr *tools.ToolTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "get_weather", terr.Tool)
	assert.Len(t, transport.calls, 2, "one retry then surface the timeout")

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusError, snap.Status)
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, session.StepFailed, snap.Plan[0].Status)
}

func TestRunValidationFailureReplans(t *testing.T) {
	transport := &fakeTransport{tools: []tools.Tool{weatherTool()}}
	// First plan omits the required city argument; validation fails without
	// touching the transport, and the loop replans into a direct response.
	client := &scriptedClient{responses: []string{
		`{"analysis": "bad plan", "plan": [{"step": 1, "action": "tool_call", "tool_name": "get_weather", "description": "Fetch weather", "inputs": {}}]}`,
		`{"analysis": "answer directly", "plan": [{"step": 1, "action": "respond", "description": "Answer from context"}]}`,
		"I could not fetch live weather, but here is what I know.",
	}}

	sess, err := run(t, newLoop(transport, client, 10), "weather in Paris")
	require.NoError(t, err)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Empty(t, transport.calls, "validation failures must not reach the transport")
	require.Len(t, snap.ToolCalls, 1)
	assert.NotEmpty(t, snap.ToolCalls[0].Err)
}

func TestRunDegradedDiscovery(t *testing.T) {
	transport := &fakeTransport{discoverErr: errors.New("connection refused")}
	client := &scriptedClient{responses: []string{
		`{"analysis": "no tools available", "plan": [{"step": 1, "action": "respond", "description": "Answer from model knowledge"}]}`,
		"Here is what I know without tools.",
	}}
	l := newLoop(transport, client, 10)

	sess := session.New("capital of France?", "gemini")
	sess.AppendMessage("user", "capital of France?")
	err := l.Run(context.Background(), sess)
	require.NoError(t, err)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Empty(t, snap.ToolCalls)
	assert.Equal(t, 0, l.gateway.Registry().Len(), "degraded discovery leaves an empty registry")
}

func TestRunBudgetExhaustion(t *testing.T) {
	transport := &fakeTransport{
		tools:   []tools.Tool{weatherTool()},
		results: map[string]tools.Result{"get_weather": {Success: true, Data: "ok"}},
	}
	twoSteps := `{
  "analysis": "two lookups",
  "plan": [
    {"step": 1, "action": "tool_call", "tool_name": "get_weather", "description": "Paris", "inputs": {"city": "Paris"}},
    {"step": 2, "action": "tool_call", "tool_name": "get_weather", "description": "London", "inputs": {"city": "London"}}
  ]
}`
	client := &scriptedClient{responses: []string{twoSteps, "Partial results only."}}

	sess, err := run(t, newLoop(transport, client, 1), "weather in Paris and London")
	require.Error(t, err)

	var budgetErr *BudgetExhaustedError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 1, budgetErr.Limit)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusError, snap.Status)
	assert.Equal(t, session.StepDone, snap.Plan[0].Status)
	assert.Equal(t, session.StepSkipped, snap.Plan[1].Status)
	assert.LessOrEqual(t, snap.IterationCount, 1)

	// The truncation is visible in the conversation and a final response is
	// still produced.
	var truncated bool
	for _, msg := range snap.Messages {
		if msg.Role == "system" && msg.Content != "" {
			truncated = true
		}
	}
	assert.True(t, truncated)
	assert.Equal(t, "Partial results only.", lastAssistant(snap))
}

func TestRunCancellation(t *testing.T) {
	transport := &fakeTransport{tools: []tools.Tool{weatherTool()}}
	client := &scriptedClient{err: errors.New("should not matter")}
	l := newLoop(transport, client, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess := session.New("weather", "gemini")
	sess.AppendMessage("user", "weather")
	err := l.Run(ctx, sess)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusError, snap.Status)
	assert.Contains(t, snap.Error, "cancelled")
	// Finalization degraded to the templated summary.
	assert.NotEmpty(t, lastAssistant(snap))
}

func TestRunPlanningFailureRetriesThenErrors(t *testing.T) {
	transport := &fakeTransport{tools: []tools.Tool{weatherTool()}}
	client := &scriptedClient{err: errors.New("provider down")}

	sess, err := run(t, newLoop(transport, client, 10), "weather")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planning failed")
	assert.Equal(t, session.StatusError, sess.Status())
}

func TestRunSelectToolFillsUnboundStep(t *testing.T) {
	transport := &fakeTransport{
		tools:   []tools.Tool{weatherTool()},
		results: map[string]tools.Result{"get_weather": {Success: true, Data: "sunny"}},
	}
	// The plan names the tool but leaves the inputs unbound; a dedicated
	// selection call fills them in before dispatch.
	client := &scriptedClient{responses: []string{
		`{"analysis": "lookup", "plan": [{"step": 1, "action": "tool_call", "tool_name": "get_weather", "description": "Fetch weather"}]}`,
		`{"tool_name": "get_weather", "inputs": {"city": "Paris"}}`,
		"Sunny in Paris.",
	}}

	sess, err := run(t, newLoop(transport, client, 10), "weather in Paris")
	require.NoError(t, err)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Status)
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, map[string]any{"city": "Paris"}, snap.ToolCalls[0].Args)
}

func TestRunSelectToolFailureLeavesAuditRecord(t *testing.T) {
	transport := &fakeTransport{tools: []tools.Tool{weatherTool()}}
	// The selection call comes back as prose with no JSON object in it, so
	// the step fails before anything is dispatched.
	client := &scriptedClient{responses: []string{
		`{"analysis": "lookup", "plan": [{"step": 1, "action": "tool_call", "tool_name": "get_weather", "description": "Fetch weather"}]}`,
		"I cannot decide.",
		"Nothing was accomplished.",
	}}

	sess, err := run(t, newLoop(transport, client, 10), "weather in Paris")
	require.Error(t, err)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusError, snap.Status)
	assert.Empty(t, transport.calls)
	assert.Equal(t, session.StepFailed, snap.Plan[0].Status)
	// The failed transition still leaves its audit record.
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "get_weather", snap.ToolCalls[0].ToolName)
	assert.Contains(t, snap.ToolCalls[0].Err, "tool selection")
}

func TestRunDeferredRecoverableFailureReplans(t *testing.T) {
	transport := &fakeTransport{
		tools:   []tools.Tool{weatherTool()},
		results: map[string]tools.Result{"get_weather": {Success: true, Data: "sunny"}},
	}
	// Step 1 fails validation and the remaining respond step runs first.
	// Once the plan is out of steps the remembered recoverable failure must
	// route back to planning, not end the session.
	badPlan := `{
	  "analysis": "lookup",
	  "plan": [
	    {"step": 1, "action": "tool_call", "tool_name": "get_weather", "description": "Fetch weather", "inputs": {"location": "Paris"}},
	    {"step": 2, "action": "respond", "description": "Tell the user"}
	  ]
	}`
	goodPlan := `{
	  "analysis": "retry with the right field",
	  "plan": [
	    {"step": 1, "action": "tool_call", "tool_name": "get_weather", "description": "Fetch weather", "inputs": {"city": "Paris"}}
	  ]
	}`
	client := &scriptedClient{responses: []string{badPlan, goodPlan, "Sunny in Paris."}}

	sess, err := run(t, newLoop(transport, client, 10), "weather in Paris")
	require.NoError(t, err)

	snap := sess.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Status)
	// The invalid attempt never reached the transport, the replanned one did.
	assert.Equal(t, []string{"get_weather"}, transport.calls)
	require.Len(t, snap.ToolCalls, 2)
	assert.NotEmpty(t, snap.ToolCalls[0].Err)
	assert.Empty(t, snap.ToolCalls[1].Err)
}
