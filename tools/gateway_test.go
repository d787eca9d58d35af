package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	tools       []Tool
	discoverErr error
	results     map[string]Result
	callErrs    []error // consumed per call; nil entries mean success
	calls       int
	closed      bool
}

func (s *stubTransport) Discover(context.Context) ([]Tool, error) {
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	return s.tools, nil
}

func (s *stubTransport) Call(_ context.Context, name string, _ map[string]any) (Result, error) {
	s.calls++
	if len(s.callErrs) > 0 {
		err := s.callErrs[0]
		s.callErrs = s.callErrs[1:]
		if err != nil {
			return Result{}, err
		}
	}
	if res, ok := s.results[name]; ok {
		return res, nil
	}
	return Result{Success: true, Data: "ok"}, nil
}

func (s *stubTransport) Close() error {
	s.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func remoteTool() Tool {
	return Tool{
		Name: "get_weather",
		Schema: Schema{Fields: []Field{
			{Name: "city", Type: TypeString, Required: true},
		}},
	}
}

func TestDiscoverMergesLocalTools(t *testing.T) {
	g := NewGateway(&stubTransport{tools: []Tool{remoteTool()}}, time.Second, 1, testLogger())

	ts, err := g.Discover(context.Background())
	require.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range ts {
		names[tool.Name] = true
	}
	assert.True(t, names["get_weather"])
	assert.True(t, names["add_author"], "local capability set merges into the snapshot")
	assert.Equal(t, len(ts), g.Registry().Len())
}

func TestDiscoverIsIdempotent(t *testing.T) {
	transport := &stubTransport{tools: []Tool{remoteTool()}}
	g := NewGateway(transport, time.Second, 1, testLogger())

	first, err := g.Discover(context.Background())
	require.NoError(t, err)
	second, err := g.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, len(first), g.Registry().Len())
}

func TestDiscoverFailureLeavesEmptyRegistry(t *testing.T) {
	g := NewGateway(&stubTransport{discoverErr: errors.New("refused")}, time.Second, 1, testLogger())

	_, err := g.Discover(context.Background())
	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	// Degraded mode: no remote tools means no tools at all, local ones
	// included.
	assert.Equal(t, 0, g.Registry().Len())
}

func TestDiscoverAppliesToolset(t *testing.T) {
	g := NewGateway(&stubTransport{tools: []Tool{remoteTool()}}, time.Second, 1, testLogger())
	g.SetToolset([]string{"get_*"})

	ts, err := g.Discover(context.Background())
	require.NoError(t, err)
	for _, tool := range ts {
		assert.Contains(t, tool.Name, "get_")
	}
	_, ok := g.Registry().Get("add_author")
	assert.False(t, ok)
	_, ok = g.Registry().Get("get_authors")
	assert.True(t, ok)
}

func TestCallUnknownTool(t *testing.T) {
	transport := &stubTransport{tools: []Tool{remoteTool()}}
	g := NewGateway(transport, time.Second, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	res, err := g.Call(context.Background(), "no_such_tool", nil)
	var uerr *UnknownToolError
	require.ErrorAs(t, err, &uerr)
	assert.NotEmpty(t, res.Err)
	assert.Zero(t, transport.calls, "unknown tools never reach the transport")
}

func TestCallValidationPrecedesDispatch(t *testing.T) {
	transport := &stubTransport{tools: []Tool{remoteTool()}}
	g := NewGateway(transport, time.Second, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	res, err := g.Call(context.Background(), "get_weather", map[string]any{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"city"}, verr.Missing)
	assert.NotEmpty(t, res.Err)
	assert.Zero(t, transport.calls)
}

func TestCallSuccess(t *testing.T) {
	transport := &stubTransport{
		tools:   []Tool{remoteTool()},
		results: map[string]Result{"get_weather": {Success: true, Data: "sunny"}},
	}
	g := NewGateway(transport, time.Second, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	res, err := g.Call(context.Background(), "get_weather", map[string]any{"city": "Paris"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sunny", res.Data)
	assert.Equal(t, 1, transport.calls)
}

func TestCallRemoteFailure(t *testing.T) {
	transport := &stubTransport{
		tools:   []Tool{remoteTool()},
		results: map[string]Result{"get_weather": {Err: "upstream boom"}},
	}
	g := NewGateway(transport, time.Second, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	res, err := g.Call(context.Background(), "get_weather", map[string]any{"city": "Paris"})
	var xerr *ToolExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "upstream boom", res.Err)
	assert.Equal(t, 1, transport.calls, "remote-side failures are not transient")
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	transport := &stubTransport{
		tools:    []Tool{remoteTool()},
		callErrs: []error{context.DeadlineExceeded, nil},
		results:  map[string]Result{"get_weather": {Success: true, Data: "sunny"}},
	}
	g := NewGateway(transport, 50*time.Millisecond, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	res, err := g.Call(context.Background(), "get_weather", map[string]any{"city": "Paris"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, transport.calls)
}

func TestCallTimeoutAfterRetryBudget(t *testing.T) {
	transport := &stubTransport{
		tools:    []Tool{remoteTool()},
		callErrs: []error{context.DeadlineExceeded, context.DeadlineExceeded},
	}
	g := NewGateway(transport, 50*time.Millisecond, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	res, err := g.Call(context.Background(), "get_weather", map[string]any{"city": "Paris"})
	var terr *ToolTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "get_weather", terr.Tool)
	assert.NotEmpty(t, res.Err)
	assert.Equal(t, 2, transport.calls)
}

func TestCallNonTransientErrorNotRetried(t *testing.T) {
	transport := &stubTransport{
		tools:    []Tool{remoteTool()},
		callErrs: []error{errors.New("protocol violation")},
	}
	g := NewGateway(transport, time.Second, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	_, err = g.Call(context.Background(), "get_weather", map[string]any{"city": "Paris"})
	var xerr *ToolExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, 1, transport.calls)
}

func TestCallCancelledContext(t *testing.T) {
	transport := &stubTransport{tools: []Tool{remoteTool()}}
	g := NewGateway(transport, time.Second, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transport.callErrs = []error{ctx.Err()}

	_, err = g.Call(ctx, "get_weather", map[string]any{"city": "Paris"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, transport.calls, "cancellation is not retried")
}

func TestCallLocalToolNeverHitsTransport(t *testing.T) {
	transport := &stubTransport{tools: []Tool{remoteTool()}}
	g := NewGateway(transport, time.Second, 1, testLogger())
	_, err := g.Discover(context.Background())
	require.NoError(t, err)

	res, err := g.Call(context.Background(), "add_author", map[string]any{"name": "Frank Herbert"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Data, "Frank Herbert")
	assert.Zero(t, transport.calls)

	res, err = g.Call(context.Background(), "get_author_by_name", map[string]any{"name": "Frank Herbert"})
	require.NoError(t, err)
	assert.Contains(t, res.Data, "Frank Herbert")
	assert.Zero(t, transport.calls)
}

func TestCloseReleasesTransport(t *testing.T) {
	transport := &stubTransport{}
	g := NewGateway(transport, time.Second, 1, testLogger())
	require.NoError(t, g.Close())
	assert.True(t, transport.closed)
}
