// Package requesters implements llm.Requester for the supported provider
// wire protocols.
package requesters

import "github.com/haasonsaas/switchboard/internal/llm"

// Register adds every built-in requester to reg.
func Register(reg *llm.RequesterRegistry) {
	reg.Register(OpenAIName, NewOpenAI)
	reg.Register(AnthropicName, NewAnthropic)
	reg.Register(GeminiName, NewGemini)
	reg.Register(BedrockName, NewBedrock)
}
