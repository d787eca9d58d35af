package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/kfaulkner/steward/errors"
)

// HTTPTransport posts JSON-RPC 2.0 requests to a REST-style tool provider.
// Unlike the stdio variant there is no initialization handshake; the
// provider is assumed ready.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
}

// NewHTTPTransport creates a transport for the provider at baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + "/mcp/message",
		client:   &http.Client{},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *HTTPTransport) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("tool provider returned status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, errors.Wrapf(err, "invalid JSON from tool provider")
	}
	if rpcResp.Error != nil {
		return nil, errors.New("tool provider error: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Discover requests tools/list and parses the descriptor list.
func (t *HTTPTransport) Discover(ctx context.Context) ([]Tool, error) {
	raw, err := t.rpc(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrapf(err, "malformed discovery payload")
	}
	out := make([]Tool, 0, len(payload.Tools))
	for _, entry := range payload.Tools {
		out = append(out, Tool{
			Name:        entry.Name,
			Description: entry.Description,
			Schema:      ParseSchema(entry.InputSchema),
		})
	}
	return out, nil
}

// Call issues tools/call and normalizes the heterogeneous response shapes:
// MCP-style content blocks, an embedded isError flag, or a plain payload.
func (t *HTTPTransport) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	raw, err := t.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return Result{}, err
	}
	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Content) > 0 {
		var text string
		for _, c := range payload.Content {
			if c.Type == "text" || c.Type == "" {
				text += c.Text
			}
		}
		if payload.IsError {
			return Result{Err: text}, nil
		}
		return Result{Success: true, Data: text}, nil
	}
	// Plain success payload; pass it through as raw JSON.
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err == nil {
		if msg, ok := probe["error"].(string); ok && msg != "" {
			return Result{Err: msg}, nil
		}
	}
	return Result{Success: true, Data: string(raw)}, nil
}

// Close is a no-op; the transport holds no connection state.
func (t *HTTPTransport) Close() error { return nil }
