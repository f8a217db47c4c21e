package tools

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/llm/requesters"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// GenerateToolsForOpenAI renders tools as chat-completions function
// definitions: {type:"function", function:{name, description, parameters}}.
func GenerateToolsForOpenAI(tools []models.ToolDescriptor) []openai.Tool {
	return requesters.OpenAITools(tools)
}

// GenerateToolsForAnthropic renders tools as messages-API tool definitions:
// {name, description, input_schema}.
func GenerateToolsForAnthropic(tools []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	return requesters.AnthropicTools(tools)
}
