package ai

import "context"

// TextGenerator produces text from a prompt, bounded by a maximum number of
// output tokens. Calls are fallible and may take arbitrarily long; callers
// bound them with the context.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error)
}
