package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
)

// AnthropicClient backs completions with the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient requires ANTHROPIC_API_KEY to be set.
func NewAnthropicClient(model string) (*AnthropicClient, error) {
	if !keyConfigured("ANTHROPIC_API_KEY") {
		return nil, &ProviderUnavailableError{Provider: ProviderAnthropic, Reason: "ANTHROPIC_API_KEY not set"}
	}
	client := anthropic.NewClient(
		option.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")),
	)
	return &AnthropicClient{client: &client, model: model}, nil
}

// Complete sends the conversation to the Anthropic API.
func (a *AnthropicClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	messages, systemPrompt := convertMessagesToAnthropic(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  messages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	for _, t := range req.Tools {
		tp := convertToolToAnthropic(t)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tp})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderAnthropic, Cause: err}
	}
	return parseAnthropicResponse(resp)
}

// convertMessagesToAnthropic maps the conversation into Anthropic's message
// format. System messages become the system prompt (last one wins); tool
// results travel as user-role text since invocations are plan-driven, not
// tool_use round trips.
func convertMessagesToAnthropic(messages []session.Message) ([]anthropic.MessageParam, string) {
	var out []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user", "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			if msg.Content == "" {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{{
					OfText: &anthropic.TextBlockParam{
						Text: msg.Content,
					},
				}},
			})
		case "system":
			systemPrompt = msg.Content
		}
	}
	return out, systemPrompt
}

// convertToolToAnthropic maps a tool descriptor, including its full field
// schema, into Anthropic's tool format.
func convertToolToAnthropic(t tools.Tool) anthropic.ToolParam {
	properties := make(map[string]interface{}, len(t.Schema.Fields))
	for _, f := range t.Schema.Fields {
		properties[f.Name] = map[string]interface{}{
			"type":        string(f.Type),
			"description": f.Description,
		}
	}
	return anthropic.ToolParam{
		Name:        t.Name,
		Description: anthropic.String(t.Description),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: properties,
		},
	}
}

func parseAnthropicResponse(resp *anthropic.Message) (*Completion, error) {
	completion := &Completion{}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			completion.Content += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, &ProviderError{Provider: ProviderAnthropic, Cause: err}
			}
			completion.ToolIntents = append(completion.ToolIntents, ToolIntent{
				ID:   c.ID,
				Name: c.Name,
				Args: args,
			})
		}
	}
	return completion, nil
}
