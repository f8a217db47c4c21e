package llm

import (
	"sync"
)

// TokenManager hands out a provider's API keys round-robin.
type TokenManager struct {
	mu     sync.Mutex
	tokens []string
	next   int
}

// NewTokenManager creates a manager over keys. Empty keys are dropped.
func NewTokenManager(keys []string) *TokenManager {
	tm := &TokenManager{}
	for _, k := range keys {
		if k != "" {
			tm.tokens = append(tm.tokens, k)
		}
	}
	return tm
}

// Next returns the next key, or "" when the provider has none.
func (t *TokenManager) Next() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tokens) == 0 {
		return ""
	}
	k := t.tokens[t.next%len(t.tokens)]
	t.next = (t.next + 1) % len(t.tokens)
	return k
}

// Len returns the number of keys.
func (t *TokenManager) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}
