package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/kfaulkner/steward/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// StdioTransport speaks MCP to a tool-provider subprocess over stdio. The
// SDK performs the initialization handshake (capability negotiation) as part
// of Connect, before any tool listing.
type StdioTransport struct {
	cmd  *exec.Cmd
	conn *mcpsdk.ClientSession
}

// NewStdioTransport launches the provider subprocess and connects to it.
func NewStdioTransport(ctx context.Context, command string, args []string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "steward", Version: "v0.1.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server %q", command)
	}
	return &StdioTransport{cmd: cmd, conn: conn}, nil
}

// Discover lists the provider's tools, following pagination cursors.
func (t *StdioTransport) Discover(ctx context.Context) ([]Tool, error) {
	var out []Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := t.conn.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools")
		}
		for _, raw := range list.Tools {
			tool := Tool{Name: raw.Name, Description: raw.Description}
			if raw.InputSchema != nil {
				// The SDK surfaces schemas as its own type; round-trip
				// through JSON into the flat field descriptor.
				if data, err := json.Marshal(raw.InputSchema); err == nil {
					tool.Schema = SchemaFromJSON(data)
				}
			}
			out = append(out, tool)
		}
		if list.NextCursor == "" {
			return out, nil
		}
		params.Cursor = list.NextCursor
	}
}

// Call invokes one tool and normalizes the MCP content blocks.
func (t *StdioTransport) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	res, err := t.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return Result{}, err
	}
	var text string
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	if res.IsError {
		return Result{Err: text}, nil
	}
	return Result{Success: true, Data: text}, nil
}

// Close disconnects and terminates the provider subprocess.
func (t *StdioTransport) Close() error {
	if t.conn != nil {
		t.conn.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}
