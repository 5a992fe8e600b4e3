// Package amqp carries the pipeline's work messages over RabbitMQ: a durable
// direct exchange with one queue per message kind, persistent publishing and
// manually acknowledged, at-least-once consumption.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// ErrDiscard marks a message as permanently unprocessable. The consume loop
// rejects it without requeueing; redelivery cannot fix a malformed payload.
var ErrDiscard = errors.New("discard message")

// Handler processes one delivery body. Returning an error wrapping ErrDiscard
// drops the message; any other error returns it to the queue for redelivery.
type Handler func(ctx context.Context, body []byte) error

type Client struct {
	mu           sync.Mutex
	url          string
	exchangeName string
	queueNames   []string
	conn         *amqp091.Connection
	channel      *amqp091.Channel
}

// NewClient connects to the broker and declares the exchange and every queue,
// so publishers and consumers can start in any order.
func NewClient(url, exchangeName string, queueNames ...string) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueNames:   queueNames,
	}

	if err := client.connect(); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = channel

	if err := c.setup(); err != nil {
		c.Close()
		return fmt.Errorf("setup exchange and queues: %w", err)
	}

	return nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queueName := range c.queueNames {
		_, err = c.channel.QueueDeclare(
			queueName, // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			nil,       // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queueName, err)
		}

		// Routing key equals the queue name on a direct exchange.
		err = c.channel.QueueBind(queueName, queueName, c.exchangeName, false, nil)
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", queueName, err)
		}
	}

	return nil
}

// reconnect re-dials the broker with exponential backoff until the context is
// cancelled. When several consume loops lose the broker at once, the first one
// through the lock redials and the rest find the restored connection and
// return without dialing again.
func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(exponentialBackoff(attempt)):
		}

		if err := c.connect(); err != nil {
			slog.WarnContext(ctx, "AMQP reconnect failed",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		slog.InfoContext(ctx, "AMQP reconnected", "attempt", attempt+1)
		return nil
	}
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	const max = 30 * time.Second
	if attempt >= 5 {
		return max
	}
	d := time.Second << uint(attempt)
	if d > max {
		return max
	}
	return d
}

// isConnectionError reports whether err looks like a broken broker
// connection rather than an application failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, fragment := range []string{
		"connection refused",
		"connection closed",
		"channel closed",
		"channel/connection is not open",
		"EOF",
		"broken pipe",
		"use of closed network connection",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func (c *Client) publish(ctx context.Context, queueName string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()

	err := channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		queueName,      // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}

	return nil
}

// PublishTransactionCreated enqueues a categorization request.
func (c *Client) PublishTransactionCreated(ctx context.Context, queueName string, msg *TransactionCreatedMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal created message: %w", err)
	}

	if err := c.publish(ctx, queueName, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published transaction created message",
		"transaction_id", msg.TransactionID,
		"owner_id", msg.OwnerID,
		"queue", queueName)

	return nil
}

// PublishTransactionCategorized enqueues a completion event.
func (c *Client) PublishTransactionCategorized(ctx context.Context, queueName string, msg *TransactionCategorizedMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal categorized message: %w", err)
	}

	if err := c.publish(ctx, queueName, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published transaction categorized event",
		"transaction_id", msg.TransactionID,
		"owner_id", msg.OwnerID,
		"queue", queueName)

	return nil
}

// Consume delivers queue messages to handler with at most concurrency
// in-flight handlers. A handler error wrapping ErrDiscard drops the message;
// any other error nacks it back onto the queue for redelivery. The loop
// survives broker outages by reconnecting with backoff, and returns only when
// the context is cancelled.
func (c *Client) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	for {
		err := c.consumeOnce(ctx, queueName, concurrency, handler)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		if !isConnectionError(err) {
			return err
		}

		slog.WarnContext(ctx, "AMQP consume interrupted, reconnecting",
			"queue", queueName,
			"error", err)

		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()

	// Bound unacknowledged deliveries to the handler pool size.
	if err := channel.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	msgs, err := channel.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack (we want manual ack)
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming messages",
		"queue", queueName,
		"concurrency", concurrency)

	g := &errgroup.Group{}
	g.SetLimit(concurrency)

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			slog.InfoContext(ctx, "Stopping message consumption",
				"queue", queueName,
				"reason", ctx.Err())
			return nil
		case delivery, ok := <-msgs:
			if !ok {
				g.Wait()
				return errors.New("message channel closed")
			}

			g.Go(func() error {
				c.handleDelivery(ctx, queueName, delivery, handler)
				return nil
			})
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, queueName string, delivery amqp091.Delivery, handler Handler) {
	err := handler(ctx, delivery.Body)
	if err == nil {
		delivery.Ack(false)
		return
	}

	if errors.Is(err, ErrDiscard) {
		slog.ErrorContext(ctx, "Discarding unprocessable message",
			"queue", queueName,
			"error", err)
		delivery.Nack(false, false) // reject and don't requeue
		return
	}

	slog.ErrorContext(ctx, "Message handling failed, requeueing",
		"queue", queueName,
		"redelivered", delivery.Redelivered,
		"error", err)
	delivery.Nack(false, true) // reject and requeue
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
