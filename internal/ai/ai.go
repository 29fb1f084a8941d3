package ai

import "context"

// Message is one role-tagged turn of provider context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider generates a complete assistant reply for the given context.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface for providers that can stream.
// Both channels are closed when the stream ends. Fragments delivered on
// chunks before an error are valid and must not be discarded: consumers
// read errs only after chunks is exhausted.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
