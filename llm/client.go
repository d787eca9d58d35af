// Package llm abstracts over the interchangeable completion backends. A
// backend receives the conversation plus the available tool descriptors and
// returns either free text or structured tool-invocation intents.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
)

// Provider identifies a completion backend. The set is closed; unknown
// identifiers fail fast at parse time.
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderBedrock   Provider = "bedrock"
)

// Providers lists every member of the closed set.
func Providers() []Provider {
	return []Provider{ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderBedrock}
}

// ParseProvider validates a provider identifier.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// ToolIntent is a structured "invoke tool X with arguments Y" response.
type ToolIntent struct {
	ID   string
	Name string
	Args map[string]any
}

// Completion is a backend's answer: free text, tool intents, or both.
type Completion struct {
	Content     string
	ToolIntents []ToolIntent
}

// Request carries everything a backend needs: the running conversation and
// the tool descriptors the model may reference. The active plan reaches the
// model inside the conversation content.
type Request struct {
	Messages []session.Message
	Tools    []tools.Tool
}

// Client is the interface every completion backend implements.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// WithTimeout wraps a client so every completion carries a deadline.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{inner: c, timeout: d}
}

type timeoutClient struct {
	inner   Client
	timeout time.Duration
}

func (t *timeoutClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Complete(ctx, req)
}

// ProviderUnavailableError reports a backend that cannot run, typically a
// missing credential. Callers decide whether to fall back; the factory
// never does so silently.
type ProviderUnavailableError struct {
	Provider Provider
	Reason   string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %q unavailable: %s", e.Provider, e.Reason)
}

// ProviderError reports a failed or malformed completion from an otherwise
// configured backend.
type ProviderError struct {
	Provider Provider
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// New constructs the client for a provider. Construction checks credentials
// and fails fast with ProviderUnavailableError; it does not call the
// backend.
func New(ctx context.Context, p Provider, model string) (Client, error) {
	switch p {
	case ProviderGemini:
		return NewGeminiClient(ctx, model)
	case ProviderOpenAI:
		return NewOpenAIClient(model)
	case ProviderAnthropic:
		return NewAnthropicClient(model)
	case ProviderBedrock:
		return NewBedrockClient(ctx, model)
	}
	return nil, fmt.Errorf("unknown provider %q", p)
}

// IsAvailable reports whether a provider has usable credentials configured.
func IsAvailable(p Provider) bool {
	switch p {
	case ProviderGemini:
		return keyConfigured("GEMINI_API_KEY")
	case ProviderOpenAI:
		return keyConfigured("OPENAI_API_KEY")
	case ProviderAnthropic:
		return keyConfigured("ANTHROPIC_API_KEY")
	case ProviderBedrock:
		return os.Getenv("AWS_ACCESS_KEY_ID") != "" || os.Getenv("AWS_PROFILE") != ""
	}
	return false
}

// Available returns the providers with usable credentials.
func Available() []Provider {
	var out []Provider
	for _, p := range Providers() {
		if IsAvailable(p) {
			out = append(out, p)
		}
	}
	return out
}

// keyConfigured rejects empty keys and the placeholder values that ship in
// sample env files.
func keyConfigured(envVar string) bool {
	key := os.Getenv(envVar)
	return key != "" && !strings.HasPrefix(key, "your_")
}
