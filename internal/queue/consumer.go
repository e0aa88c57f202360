package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/model"
)

// AuditHandler stores one entry taken off the queue.
type AuditHandler func(ctx context.Context, e model.AuditEntry) error

const (
	handleTimeout   = 5 * time.Second
	storeRetryPause = time.Second
)

// errMalformed marks a message that will never decode into an entry.
var errMalformed = errors.New("malformed audit message")

// requeue reports whether a failed message is worth another delivery.
func requeue(err error) bool {
	return !errors.Is(err, errMalformed)
}

// StartAuditConsumer drains AuditQueue into handle until ctx is cancelled.
// It reconnects with exponential backoff. A message that cannot be decoded
// is dropped so it cannot loop; one that could not be stored goes back on
// the queue after a short pause, and handle must tolerate seeing it twice.
func StartAuditConsumer(ctx context.Context, url string, handle AuditHandler, log zerolog.Logger) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("audit-consumer: dial failed")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, handle, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("audit-consumer: consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, handle AuditHandler, log zerolog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn().Err(err).Msg("audit-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(AuditQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(AuditQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleAudit(ctx, d.Body, handle); err != nil {
				retry := requeue(err)
				log.Error().Err(err).Bool("requeue", retry).Msg("audit-consumer: handle message failed")
				if retry && !sleep(ctx, storeRetryPause) {
					_ = d.Nack(false, true)
					return ctx.Err()
				}
				_ = d.Nack(false, retry)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleAudit(ctx context.Context, body []byte, handle AuditHandler) error {
	var e model.AuditEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: entry without id", errMalformed)
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	return handle(ctx, e)
}
