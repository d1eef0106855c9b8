// Package textgen defines the text-generation collaborator used for
// assistant replies and resolver-style merges, plus its built-in providers.
//
// Generators may fail arbitrarily; callers treat any failure as a normal
// fallback trigger, never as a system fault.
package textgen

import "context"

// Turn is one entry of a conversation handed to a Generator.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces text from an ordered conversation.
type Generator interface {
	// Generate returns the next assistant utterance for the conversation.
	Generate(ctx context.Context, conversation []Turn) (string, error)
}
