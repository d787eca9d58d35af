package llm

import (
	"encoding/json"
	"testing"

	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBedrockRequest(t *testing.T) {
	messages := []session.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi, how can I help?"},
		{Role: "tool", Content: "tool output"},
	}

	body, err := buildBedrockRequest(messages, nil)
	require.NoError(t, err)

	var request map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &request))

	assert.Equal(t, "bedrock-2023-05-31", request["anthropic_version"])
	assert.Equal(t, "You are a helpful assistant.", request["system"])
	assert.NotContains(t, request, "tools")

	msgs := request["messages"].([]interface{})
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].(map[string]interface{})["role"])
	assert.Equal(t, "assistant", msgs[1].(map[string]interface{})["role"])
	// Tool results travel as user-role content.
	assert.Equal(t, "user", msgs[2].(map[string]interface{})["role"])
}

func TestBuildBedrockRequestWithTools(t *testing.T) {
	tool := tools.Tool{
		Name:        "get_weather",
		Description: "Get the weather for a city",
		Schema: tools.Schema{Fields: []tools.Field{
			{Name: "city", Type: tools.TypeString, Description: "City name", Required: true},
			{Name: "days", Type: tools.TypeInteger, Description: "Forecast days"},
		}},
	}

	body, err := buildBedrockRequest([]session.Message{{Role: "user", Content: "weather?"}}, []tools.Tool{tool})
	require.NoError(t, err)

	var request map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &request))

	decls := request["tools"].([]interface{})
	require.Len(t, decls, 1)
	decl := decls[0].(map[string]interface{})
	assert.Equal(t, "get_weather", decl["name"])

	schema := decl["input_schema"].(map[string]interface{})
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]interface{})
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "days")
	assert.Equal(t, "integer", props["days"].(map[string]interface{})["type"])
	assert.Equal(t, []interface{}{"city"}, schema["required"])
}

func TestParseBedrockResponseText(t *testing.T) {
	body := []byte(`{"content":[{"type":"text","text":"Paris is the capital."}]}`)

	completion, err := parseBedrockResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", completion.Content)
	assert.Empty(t, completion.ToolIntents)
}

func TestParseBedrockResponseToolUse(t *testing.T) {
	body := []byte(`{"content":[
		{"type":"text","text":"Looking it up."},
		{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Paris"}}
	]}`)

	completion, err := parseBedrockResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "Looking it up.", completion.Content)
	require.Len(t, completion.ToolIntents, 1)
	assert.Equal(t, "toolu_1", completion.ToolIntents[0].ID)
	assert.Equal(t, "get_weather", completion.ToolIntents[0].Name)
	assert.Equal(t, map[string]any{"city": "Paris"}, completion.ToolIntents[0].Args)
}

func TestParseBedrockResponseError(t *testing.T) {
	_, err := parseBedrockResponse([]byte(`{"error":"model not found"}`))
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ProviderBedrock, perr.Provider)
}
