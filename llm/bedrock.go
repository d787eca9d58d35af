package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
)

// BedrockClient backs completions with Anthropic models on AWS Bedrock. The
// request body is the Anthropic messages schema marshalled by hand; the SDK
// only carries the bytes.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient requires AWS credentials in the environment.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	if !IsAvailable(ProviderBedrock) {
		return nil, &ProviderUnavailableError{Provider: ProviderBedrock, Reason: "AWS credentials not configured"}
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBedrock, Cause: err}
	}
	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// Complete invokes the model through the Bedrock runtime.
func (b *BedrockClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	body, err := buildBedrockRequest(req.Messages, req.Tools)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBedrock, Cause: err}
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &ProviderError{Provider: ProviderBedrock, Cause: err}
	}
	return parseBedrockResponse(resp.Body)
}

// buildBedrockRequest marshals the conversation and tool descriptors into
// the Anthropic-on-Bedrock request schema.
func buildBedrockRequest(messages []session.Message, ts []tools.Tool) ([]byte, error) {
	var body []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user", "tool":
			body = append(body, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": msg.Content},
				},
			})
		case "assistant":
			if msg.Content == "" {
				continue
			}
			body = append(body, map[string]interface{}{
				"role": "assistant",
				"content": []map[string]interface{}{
					{"type": "text", "text": msg.Content},
				},
			})
		case "system":
			systemPrompt = msg.Content
		}
	}

	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          body,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(ts) > 0 {
		var decls []map[string]interface{}
		for _, t := range ts {
			decls = append(decls, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": bedrockInputSchema(t.Schema),
			})
		}
		request["tools"] = decls
	}
	return json.Marshal(request)
}

// bedrockInputSchema maps the flat field descriptor into the JSON schema
// object Anthropic models expect.
func bedrockInputSchema(s tools.Schema) map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		properties[f.Name] = map[string]interface{}{
			"type":        string(f.Type),
			"description": f.Description,
		}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func parseBedrockResponse(body []byte) (*Completion, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &ProviderError{Provider: ProviderBedrock, Cause: err}
	}
	if errMsg, ok := response["error"]; ok {
		return nil, &ProviderError{Provider: ProviderBedrock, Cause: fmt.Errorf("bedrock API error: %v", errMsg)}
	}

	content, ok := response["content"].([]interface{})
	if !ok {
		return &Completion{}, nil
	}

	completion := &Completion{}
	for i, item := range content {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok {
				completion.Content += text
			}
		case "tool_use":
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]interface{})
			if name == "" {
				continue
			}
			id, _ := block["id"].(string)
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, name)
			}
			completion.ToolIntents = append(completion.ToolIntents, ToolIntent{
				ID:   id,
				Name: name,
				Args: input,
			})
		}
	}
	return completion, nil
}
