package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient backs completions with the OpenAI Chat Completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient requires OPENAI_API_KEY to be set. OPENAI_BASE_URL is
// honored for custom endpoints.
func NewOpenAIClient(model string) (*OpenAIClient, error) {
	if !keyConfigured("OPENAI_API_KEY") {
		return nil, &ProviderUnavailableError{Provider: ProviderOpenAI, Reason: "OPENAI_API_KEY not set"}
	}
	options := []option.RequestOption{
		option.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(options...)
	// The &c is required, do not replace and just use c
	return &OpenAIClient{client: &c, model: model}, nil
}

// Complete sends the conversation to the OpenAI API.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(req.Messages),
		Tools:    convertToolsToOpenAI(req.Tools),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderOpenAI, Cause: err}
	}
	return parseOpenAIResponse(resp)
}

func parseOpenAIResponse(resp *openai.ChatCompletion) (*Completion, error) {
	if len(resp.Choices) == 0 {
		return &Completion{}, nil
	}
	choice := resp.Choices[0].Message
	completion := &Completion{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		var args map[string]interface{}
		// Arguments arrive as a JSON string holding a flat argument map.
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, &ProviderError{Provider: ProviderOpenAI, Cause: err}
		}
		completion.ToolIntents = append(completion.ToolIntents, ToolIntent{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return completion, nil
}

// convertMessagesToOpenAI maps the conversation into OpenAI's message union.
// Tool results are user-role text; invocations are plan-driven so there are
// no tool_call IDs to thread back.
func convertMessagesToOpenAI(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(msg.Content))
		case "user", "tool":
			fallthrough
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// convertToolsToOpenAI maps tool descriptors, including field schemas, into
// OpenAI's function-tool format.
func convertToolsToOpenAI(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var out []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		properties := make(map[string]any, len(t.Schema.Fields))
		var required []string
		for _, f := range t.Schema.Fields {
			properties[f.Name] = map[string]any{
				"type":        string(f.Type),
				"description": f.Description,
			}
			if f.Required {
				required = append(required, f.Name)
			}
		}
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			params["required"] = required
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		}))
	}
	return out
}
