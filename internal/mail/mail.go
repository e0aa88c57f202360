// Package mail sends transactional email (verification and reset codes).
// Delivery is fire-and-forget: callers log failures and carry on.
package mail

import (
	"context"

	"github.com/rs/zerolog"
)

// QueueName is the RabbitMQ queue the outbound mail worker drains.
const QueueName = "mail.outbound"

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher is the subset of queue.Publisher the QueueSender needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// QueueSender hands messages to the mail worker over RabbitMQ.
type QueueSender struct{ Pub Publisher }

func (s QueueSender) Send(ctx context.Context, msg Message) error {
	return s.Pub.Publish(ctx, QueueName, msg)
}

// LogSender only logs the message. It is used in development and when no
// broker is available. Bodies carry codes, so they are logged at debug.
type LogSender struct{ Log zerolog.Logger }

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("mail not sent: no broker")
	s.Log.Debug().Str("to", msg.To).Str("body", msg.Body).Msg("mail body")
	return nil
}
