package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DeliveryTopic carries one message per (recipient, channel) job.
const DeliveryTopic = "message_deliveries"

// Message is one queued payload as seen by a handler.
type Message struct {
	ID string
	// Key groups messages for throttling, typically the tenant id.
	Key  string
	Body []byte
	// Attempt is 1 on first delivery.
	Attempt     int
	RetryBudget int
}

type PublishOptions struct {
	Delay       time.Duration
	RetryBudget int
	Key         string
}

type Handler func(ctx context.Context, msg Message) error

// Queue is the durable work queue contract: publish with delay and retry
// budget, at-least-once delivery to subscribers.
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte, opts PublishOptions) (string, error)
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// Backoff is the delay before redelivering a message whose attempt failed.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 500 * time.Millisecond << (attempt - 1)
	if d > time.Minute || d <= 0 {
		return time.Minute
	}
	return d
}

// InMemoryQueue runs handlers in goroutines with delay and retry. It is
// not durable and is used in dev mode and tests.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	done     chan struct{}
	closed   bool

	// Backoff overrides the package backoff, mainly for tests.
	Backoff func(attempt int) time.Duration
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
		Backoff:  Backoff,
	}
}

// Publish hands the message to every subscriber of topic.
func (q *InMemoryQueue) Publish(_ context.Context, topic string, body []byte, opts PublishOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("queue closed")
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		return "", fmt.Errorf("no subscribers for topic %s", topic)
	}

	msg := Message{
		ID:          uuid.NewString(),
		Key:         opts.Key,
		Body:        body,
		Attempt:     1,
		RetryBudget: opts.RetryBudget,
	}
	for _, h := range handlers {
		q.wg.Add(1)
		go q.processJob(h, msg, opts.Delay)
	}
	return msg.ID, nil
}

// processJob handles delay, retries and backoff for one subscriber.
func (q *InMemoryQueue) processJob(h Handler, msg Message, delay time.Duration) {
	defer q.wg.Done()
	if !q.sleep(delay) {
		return
	}

	for {
		err := h(context.Background(), msg)
		if err == nil {
			return
		}
		if msg.Attempt > msg.RetryBudget {
			log.Error().Err(err).Str("message_id", msg.ID).Int("attempt", msg.Attempt).
				Msg("Job permanently failed, retry budget exhausted")
			return
		}
		log.Warn().Err(err).Str("message_id", msg.ID).Int("attempt", msg.Attempt).
			Int("retry_budget", msg.RetryBudget).Msg("Job failed, retrying")
		if !q.sleep(q.Backoff(msg.Attempt)) {
			return
		}
		msg.Attempt++
	}
}

func (q *InMemoryQueue) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-q.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.done:
		return false
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(_ context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published message has finished processing.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Close abandons pending delays and backoffs and waits for running handlers.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

var _ Queue = (*InMemoryQueue)(nil)
