// Package llm provides the AI completion drivers used for chat replies and
// backup commit labels.
package llm

import "context"

// Completer turns a prompt into a single text completion.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Provider is a named Completer.
type Provider interface {
	Completer
	Name() string
}
