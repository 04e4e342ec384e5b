package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const (
	headerDelay   = "x-delay"
	headerAttempt = "x-attempt"
	headerBudget  = "x-retry-budget"
	headerKey     = "x-key"
)

// AMQPQueue publishes to an x-delayed-message exchange so per-message
// delays are honoured by the broker. Failed deliveries are republished
// with an incremented attempt header until the retry budget is spent, then
// rejected without requeue so the broker can dead-letter them.
type AMQPQueue struct {
	conn     *amqp.Connection
	mu       sync.Mutex // guards ch for publishing
	ch       *amqp.Channel
	exchange string
	queue    string
	prefetch int
}

func NewAMQPQueue(url, exchange, queueName string, prefetch int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 10
	}

	q := &AMQPQueue{conn: conn, ch: ch, exchange: exchange, queue: queueName, prefetch: prefetch}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) declare() error {
	err := q.ch.ExchangeDeclare(
		q.exchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	_, err = q.ch.QueueDeclare(
		q.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Publish(_ context.Context, topic string, body []byte, opts PublishOptions) (string, error) {
	msg := Message{
		ID:          uuid.NewString(),
		Key:         opts.Key,
		Body:        body,
		Attempt:     1,
		RetryBudget: opts.RetryBudget,
	}
	if err := q.publish(topic, msg, opts.Delay); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (q *AMQPQueue) publish(topic string, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.ch.Publish(q.exchange, topic, false, false, amqp.Publishing{
		Headers: amqp.Table{
			headerDelay:   delay.Milliseconds(),
			headerAttempt: int64(msg.Attempt),
			headerBudget:  int64(msg.RetryBudget),
			headerKey:     msg.Key,
		},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe binds the queue to topic and consumes in a goroutine until ctx
// is cancelled or the channel closes.
func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if err := q.ch.QueueBind(q.queue, topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	// A dedicated channel keeps consumer flow control away from publishes.
	cch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := cch.Qos(q.prefetch, 0, false); err != nil {
		cch.Close()
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := cch.Consume(
		q.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		cch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		defer cch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("AMQP delivery channel closed")
					return
				}
				q.handle(ctx, topic, d, handler)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	msg := messageFromDelivery(d)
	err := handler(ctx, msg)
	if err == nil {
		d.Ack(false)
		return
	}

	logger := log.With().Str("message_id", msg.ID).Int("attempt", msg.Attempt).Logger()
	if msg.Attempt > msg.RetryBudget {
		logger.Error().Err(err).Msg("Job permanently failed, retry budget exhausted")
		d.Nack(false, false)
		return
	}

	next := msg
	next.Attempt++
	if perr := q.publish(topic, next, Backoff(msg.Attempt)); perr != nil {
		// Redelivery by the broker keeps the job alive; the attempt count
		// is not advanced in that case.
		logger.Error().Err(perr).Msg("Failed to republish job, requeueing")
		d.Nack(false, true)
		return
	}
	logger.Warn().Err(err).Msg("Job failed, scheduled retry")
	d.Ack(false)
}

func messageFromDelivery(d amqp.Delivery) Message {
	msg := Message{
		ID:          d.MessageId,
		Body:        d.Body,
		Attempt:     headerInt(d.Headers, headerAttempt, 1),
		RetryBudget: headerInt(d.Headers, headerBudget, 0),
	}
	if k, ok := d.Headers[headerKey].(string); ok {
		msg.Key = k
	}
	return msg
}

func headerInt(t amqp.Table, name string, def int) int {
	switch v := t[name].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return def
}

func (q *AMQPQueue) Close() error {
	if q.ch != nil {
		q.ch.Close()
	}
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
