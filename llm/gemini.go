package llm

import (
	"context"
	"errors"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
	"google.golang.org/api/option"
)

var (
	errEmptyConversation = errors.New("conversation is empty")
	errEmptyResponse     = errors.New("received an empty response")
)

// GeminiClient backs completions with the Google Gemini API.
type GeminiClient struct {
	model *genai.GenerativeModel
}

// NewGeminiClient requires GEMINI_API_KEY to be set.
func NewGeminiClient(ctx context.Context, model string) (*GeminiClient, error) {
	if !keyConfigured("GEMINI_API_KEY") {
		return nil, &ProviderUnavailableError{Provider: ProviderGemini, Reason: "GEMINI_API_KEY not set"}
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(os.Getenv("GEMINI_API_KEY")))
	if err != nil {
		return nil, &ProviderError{Provider: ProviderGemini, Cause: err}
	}
	return &GeminiClient{model: client.GenerativeModel(model)}, nil
}

// Complete sends the conversation to the Gemini API.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	history := convertMessagesToGemini(req.Messages)
	if len(history) == 0 {
		return nil, &ProviderError{Provider: ProviderGemini, Cause: errEmptyConversation}
	}
	g.model.Tools = convertToolsToGemini(req.Tools)

	// The last message is the new prompt; everything before it is history.
	last := history[len(history)-1]
	chat := g.model.StartChat()
	chat.History = history[:len(history)-1]
	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderGemini, Cause: err}
	}
	return parseGeminiResponse(resp)
}

// convertMessagesToGemini maps the conversation into Gemini's content
// format. Gemini only distinguishes "user" and "model" roles, so system
// prompts and tool results travel as user content.
func convertMessagesToGemini(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

// convertToolsToGemini maps tool descriptors into Gemini's function
// declarations, carrying the full field schema.
func convertToolsToGemini(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range ts {
		properties := make(map[string]*genai.Schema, len(t.Schema.Fields))
		var required []string
		for _, f := range t.Schema.Fields {
			properties[f.Name] = &genai.Schema{
				Type:        geminiType(f.Type),
				Description: f.Description,
			}
			if f.Required {
				required = append(required, f.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   required,
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func geminiType(t tools.FieldType) genai.Type {
	switch t {
	case tools.TypeInteger:
		return genai.TypeInteger
	case tools.TypeNumber:
		return genai.TypeNumber
	case tools.TypeBoolean:
		return genai.TypeBoolean
	case tools.TypeObject:
		return genai.TypeObject
	case tools.TypeArray:
		return genai.TypeArray
	}
	return genai.TypeString
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (*Completion, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &ProviderError{Provider: ProviderGemini, Cause: errEmptyResponse}
	}
	completion := &Completion{}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			completion.Content += string(v)
		case genai.FunctionCall:
			completion.ToolIntents = append(completion.ToolIntents, ToolIntent{
				Name: v.Name,
				Args: v.Args,
			})
		}
	}
	return completion, nil
}
