package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const MessageTypeHeader = "MessageType"

// JetStreamPublisher enqueues typed job messages on the work-queue stream.
// The message type travels in a header so the subscriber can pick a handler
// without decoding the payload first.
type JetStreamPublisher struct {
	js nats.JetStreamContext
}

func NewPublisher(js nats.JetStreamContext) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", message.MessageType(), err)
	}

	msg := nats.NewMsg(jobSubject)
	msg.Header.Set(MessageTypeHeader, message.MessageType())
	msg.Data = data

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s message: %w", message.MessageType(), err)
	}

	return nil
}
