package tools

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Transport is the wire side of the gateway: one discovery call and one
// invocation call against the tool provider.
type Transport interface {
	Discover(ctx context.Context) ([]Tool, error)
	Call(ctx context.Context, name string, args map[string]any) (Result, error)
	Close() error
}

// Gateway fronts the tool provider. It owns the registry snapshot, performs
// schema validation before any dispatch, routes locally handled capabilities
// in process, retries transient failures once with backoff, and normalizes
// every outcome into a Result. It never writes to session state; recording
// outcomes is the agent loop's job.
type Gateway struct {
	transport Transport
	registry  *Registry
	local     *AuthorRegistry
	patterns  []string
	timeout   time.Duration
	retries   int
	log       *slog.Logger
}

// NewGateway creates a gateway over the given transport. timeout bounds each
// invocation attempt and retries is the budget for transient failures.
func NewGateway(transport Transport, timeout time.Duration, retries int, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		transport: transport,
		registry:  NewRegistry(),
		local:     NewAuthorRegistry(),
		timeout:   timeout,
		retries:   retries,
		log:       log,
	}
}

// Registry returns the current discovery snapshot holder.
func (g *Gateway) Registry() *Registry { return g.registry }

// SetToolset restricts future discovery snapshots to tools whose names
// match any of the glob patterns. Call before Discover.
func (g *Gateway) SetToolset(patterns []string) { g.patterns = patterns }

// Discover contacts the provider, merges in the local capability set for
// tools the provider lacks, and atomically replaces the registry snapshot.
// On failure the snapshot is replaced with the empty set (degraded mode)
// and a DiscoveryError returned; an empty provider list is a valid,
// non-error outcome.
func (g *Gateway) Discover(ctx context.Context) ([]Tool, error) {
	remote, err := g.transport.Discover(ctx)
	if err != nil {
		g.registry.Replace(nil)
		return nil, &DiscoveryError{Cause: err}
	}
	merged := remote
	seen := make(map[string]bool, len(remote))
	for _, t := range remote {
		seen[t.Name] = true
	}
	for _, t := range g.local.Tools() {
		if !seen[t.Name] {
			merged = append(merged, t)
		}
	}
	if len(g.patterns) > 0 {
		var kept []Tool
		for _, t := range merged {
			if matchAny(g.patterns, t.Name) {
				kept = append(kept, t)
			}
		}
		merged = kept
	}
	g.registry.Replace(merged)
	g.log.Info("tool discovery complete", "remote", len(remote), "total", len(merged))
	return merged, nil
}

// Call validates and executes one tool invocation. The returned Result
// always describes the outcome; the error, when non-nil, carries the typed
// classification for the caller's failure policy.
func (g *Gateway) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	tool, ok := g.registry.Get(name)
	if !ok {
		err := &UnknownToolError{Name: name}
		return Result{Err: err.Error()}, err
	}

	warnings, err := Validate(tool, args)
	if err != nil {
		return Result{Err: err.Error()}, err
	}
	for _, w := range warnings {
		g.log.Warn("tool arguments", "tool", name, "warning", w)
	}

	if g.local.Handles(name) {
		res := g.local.Call(name, args)
		if !res.Success {
			return res, &ToolExecutionError{Tool: name, Reason: res.Err}
		}
		return res, nil
	}

	var res Result
	var callErr error
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		res, callErr = g.transport.Call(callCtx, name, args)
		cancel()
		if callErr == nil {
			break
		}
		if ctx.Err() != nil {
			// Cancelled from outside; not a transient fault.
			return Result{Err: ctx.Err().Error()}, ctx.Err()
		}
		if attempt >= g.retries || !transient(callErr) {
			break
		}
		g.log.Debug("retrying tool call", "tool", name, "attempt", attempt+1, "cause", callErr)
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return Result{Err: ctx.Err().Error()}, ctx.Err()
		}
	}

	if callErr != nil {
		if isTimeout(callErr) {
			err := &ToolTimeoutError{Tool: name, Timeout: g.timeout}
			return Result{Err: err.Error()}, err
		}
		err := &ToolExecutionError{Tool: name, Reason: callErr.Error()}
		return Result{Err: err.Error()}, err
	}
	if !res.Success {
		return res, &ToolExecutionError{Tool: name, Reason: res.Err}
	}
	return res, nil
}

// Close releases the underlying transport.
func (g *Gateway) Close() error {
	return g.transport.Close()
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoff(attempt int) time.Duration {
	return 500 * time.Millisecond << attempt
}
