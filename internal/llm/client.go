// Package llm provides the assistant client used to rephrase agenda
// topic lists into friendly announcement prose.
package llm

import "context"

// Rewriter turns raw text into a short rephrasing suitable for a chat
// message. hint carries extra context for the rewrite (the tone or the
// occasion); implementations may ignore it.
type Rewriter interface {
	Rewrite(ctx context.Context, text, hint string) (string, error)
}
