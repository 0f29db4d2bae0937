// Package tasks implements the durable half of the Detach capability
// (§4.8, §4.9): structured background jobs dispatched to RabbitMQ so the
// TTL refresher and fallback-population work survive a proxy restart.
//
// Grounded on the teacher's infrastructure/queue/rabbitmq.go client
// (connection/channel seams, QueueDeclare/Publish/Consume/Qos shape,
// Ack/Nack-with-retry-republish idiom against
// github.com/rabbitmq/amqp091-go), generalized from a single
// TranscodeTask payload to a Kind-discriminated Task envelope covering
// both refresh and fallback-populate jobs.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind discriminates the background job a Task carries.
type Kind string

const (
	KindRefresh          Kind = "refresh"
	KindFallbackPopulate Kind = "fallback_populate"
)

// Task is the wire payload for both background job kinds. Fields not
// relevant to a given Kind are left zero.
type Task struct {
	Kind       Kind              `json:"kind"`
	BaseKey    string            `json:"base_key"`
	Path       string            `json:"path"`
	Options    map[string]string `json:"options,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Queue is the durable dispatch contract used by C8/C9.
type Queue interface {
	Publish(ctx context.Context, task Task) error
	Consume(ctx context.Context, handler func(Task) error) error
	Close() error
}

// ClientConfig configures the RabbitMQ-backed Queue.
type ClientConfig struct {
	URL        string
	QueueName  string
	Exchange   string
	RoutingKey string
	Prefetch   int
	MaxRetries int
}

// DefaultClientConfig returns sane defaults for the background task queue.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:        url,
		QueueName:  "proxy_background_tasks",
		Exchange:   "",
		RoutingKey: "proxy_background_tasks",
		Prefetch:   4,
		MaxRetries: 3,
	}
}

type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
	IsClosed() bool
}

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Client implements Queue using RabbitMQ.
type Client struct {
	conn    amqpConnection
	channel amqpChannel
	config  ClientConfig
}

var _ Queue = (*Client)(nil)

// NewClient connects to RabbitMQ and declares the background task queue,
// failing fast on misconfiguration.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return newClientWithConnection(ctx, conn, cfg)
}

func newClientWithConnection(ctx context.Context, conn amqpConnection, cfg ClientConfig) (*Client, error) {
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	_, err = ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &Client{conn: conn, channel: ch, config: cfg}, nil
}

// Publish sends a background task. Messages are persistent so they survive
// a broker restart.
func (c *Client) Publish(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	err = c.channel.PublishWithContext(ctx, c.config.Exchange, c.config.RoutingKey, false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// Consume runs handler for each received task until ctx is cancelled.
//
// Ack/Nack strategy (unchanged from the teacher's transcode consumer):
//   - success: Ack
//   - malformed body: Nack without requeue
//   - handler failure below MaxRetries: bump RetryCount, republish, Ack original
//   - handler failure at MaxRetries: Nack without requeue, drop
func (c *Client) Consume(ctx context.Context, handler func(Task) error) error {
	msgs, err := c.channel.Consume(c.config.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("task channel closed unexpectedly")
			}

			var task Task
			if err := json.Unmarshal(msg.Body, &task); err != nil {
				_ = msg.Nack(false, false)
				continue
			}

			if err := handler(task); err != nil {
				if task.RetryCount >= c.config.MaxRetries {
					slog.Error("background task exhausted retries",
						"kind", task.Kind, "base_key", task.BaseKey, "retry_count", task.RetryCount, "error", err)
					_ = msg.Nack(false, false)
					continue
				}
				task.RetryCount++
				if pubErr := c.Publish(ctx, task); pubErr != nil {
					slog.Error("failed to republish task for retry",
						"kind", task.Kind, "base_key", task.BaseKey, "retry_count", task.RetryCount, "error", pubErr)
					_ = msg.Nack(false, false)
				} else {
					_ = msg.Ack(false)
				}
				continue
			}

			_ = msg.Ack(false)
		}
	}
}

// Ping reports whether the underlying AMQP connection is still open, for
// readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("tasks: connection closed")
	}
	return nil
}

// Close gracefully closes the channel and connection.
func (c *Client) Close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Pool is a bounded in-process worker pool satisfying reqctx.Detacher for
// best-effort background work that doesn't need to survive a restart
// (e.g. kicking off a TTL refresh whose eventual failure is harmless).
// Cross-process durable dispatch goes through Queue.Publish directly,
// never through Detach: an AMQP message needs a serializable payload and
// a Go closure cannot be marshaled, so the two capabilities are kept
// separate rather than forced through one interface.
type Pool struct {
	sem chan struct{}
}

// NewPool creates a Pool allowing up to maxConcurrent in-flight detached
// goroutines; callers beyond that limit block until a slot frees.
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{sem: make(chan struct{}, maxConcurrent)}
}

// Detach implements reqctx.Detacher.
func (p *Pool) Detach(fn func(ctx context.Context)) {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		fn(context.Background())
	}()
}
