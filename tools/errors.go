package tools

import (
	"fmt"
	"strings"
	"time"
)

// DiscoveryError reports an unreachable provider or a malformed discovery
// payload. An empty tool list is not a DiscoveryError.
type DiscoveryError struct {
	Cause error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("tool discovery failed: %v", e.Cause)
}

func (e *DiscoveryError) Unwrap() error { return e.Cause }

// UnknownToolError reports a call against a name absent from the current
// discovery snapshot. Never retried: this is a planning defect.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ValidationError reports arguments that do not satisfy a tool's schema.
// Raised before any network traffic; never retried.
type ValidationError struct {
	Tool    string
	Missing []string // required fields absent from the arguments
	Invalid []string // fields whose values have the wrong type
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "wrong type: "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("invalid arguments for tool %q (%s)", e.Tool, strings.Join(parts, "; "))
}

// ToolTimeoutError reports a call that exceeded its timeout past the retry
// budget.
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s (retries exhausted)", e.Tool, e.Timeout)
}

// ToolExecutionError reports a remote-side failure: the provider answered,
// but with an error.
type ToolExecutionError struct {
	Tool   string
	Reason string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Reason)
}
