package activity

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"creditrail/internal/errors"
)

// Publisher fans freshly recorded activity events out to downstream
// reporting consumers. Duplicate-key absorptions are never re-published.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *Event) error { return nil }
func (NoopPublisher) Close() error                          { return nil }

// RabbitMQPublisherConfig describes the broker connection.
type RabbitMQPublisherConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQPublisher publishes events as JSON to a RabbitMQ queue.
type RabbitMQPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQPublisher connects and declares the queue.
func NewRabbitMQPublisher(cfg RabbitMQPublisherConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "rabbitmq url must not be empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "creditrail.activity"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(errors.CodeInternal, err, "open rabbitmq channel")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrap(errors.CodeInternal, err, "declare rabbitmq queue")
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish implements Publisher.
func (p *RabbitMQPublisher) Publish(ctx context.Context, event *Event) error {
	if p == nil || p.ch == nil {
		return errors.New(errors.CodeInternal, "rabbitmq publisher not initialised")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, err, "encode activity event")
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close implements Publisher.
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var (
	_ Publisher = (*RabbitMQPublisher)(nil)
	_ Publisher = NoopPublisher{}
)
