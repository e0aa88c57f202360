package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher sends JSON messages to durable queues over one long-lived
// connection. A broken connection is dropped and dialed again on the next
// Publish. Errors are logged and returned so callers may ignore them.
type Publisher struct {
	url string
	log zerolog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	now      func() time.Time
}

func NewPublisher(url string, log zerolog.Logger) *Publisher {
	return &Publisher{url: url, log: log, declared: map[string]bool{}, now: time.Now}
}

// Connect dials eagerly so startup can tell whether the broker is there.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.channel()
	return err
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
	p.declared = map[string]bool{}
}

// Publish marshals v and sends it persistently to queue through the
// default exchange.
func (p *Publisher) Publish(ctx context.Context, queue string, v any) error {
	msg, err := encode(v, p.now())
	if err != nil {
		p.log.Error().Err(err).Str("queue", queue).Msg("rabbitmq: marshal failed")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		p.log.Warn().Err(err).Str("queue", queue).Msg("rabbitmq: no channel")
		return err
	}
	if !p.declared[queue] {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			p.reset()
			p.log.Warn().Err(err).Str("queue", queue).Msg("rabbitmq: queue declare failed")
			return fmt.Errorf("declare %s: %w", queue, err)
		}
		p.declared[queue] = true
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		p.reset()
		p.log.Warn().Err(err).Str("queue", queue).Msg("rabbitmq: publish failed")
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

func encode(v any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		Body:         body,
	}, nil
}

// Close tears down the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
