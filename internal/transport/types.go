// Package transport defines the chat-platform abstraction consumed by
// the orchestration core. The concrete Telegram adapter lives in the
// telegram subpackage.
package transport

import "context"

// Message is one incoming chat message.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget addresses an outgoing message.
type ChatTarget struct {
	ChatID int64
}

// SendOptions tweak outgoing messages.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a chat platform connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
