package llm

import (
	"slices"

	"github.com/haasonsaas/switchboard/internal/config"
)

// Model abilities.
const (
	AbilityFuncCall = "func_call"
	AbilityVision   = "vision"
)

// RuntimeProvider is a configured provider with its requester and keys.
type RuntimeProvider struct {
	Config    config.ProviderConfig
	Requester Requester
	Tokens    *TokenManager
}

// RuntimeLLMModel is a chat model bound to its provider.
type RuntimeLLMModel struct {
	Config   config.ModelConfig
	Provider *RuntimeProvider
}

// UUID returns the model id.
func (m *RuntimeLLMModel) UUID() string { return m.Config.UUID }

// Name returns the provider-side model name.
func (m *RuntimeLLMModel) Name() string { return m.Config.Name }

// HasAbility reports whether the model declares ability.
func (m *RuntimeLLMModel) HasAbility(ability string) bool {
	return slices.Contains(m.Config.Abilities, ability)
}

// RuntimeEmbeddingModel is an embedding model bound to its provider.
type RuntimeEmbeddingModel struct {
	Config   config.ModelConfig
	Provider *RuntimeProvider
}

// UUID returns the model id.
func (m *RuntimeEmbeddingModel) UUID() string { return m.Config.UUID }

// Name returns the provider-side model name.
func (m *RuntimeEmbeddingModel) Name() string { return m.Config.Name }
