package messaging

import "context"

type Handler interface {
	// NewMessage returns an empty message for the subscriber to unmarshal
	// into before dispatch.
	NewMessage() Message
	Handle(ctx context.Context, message Message) error
}
