// Package dispatch expands campaigns into per-recipient jobs and publishes
// them to the delivery queue.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/monitoring"
	"github.com/unclebandit/salonflow-messaging/internal/queue"
)

const DefaultRetryBudget = 3

// BuildJobs returns one job per (recipient, channel) pair the recipient can
// actually receive. Recipients are deduplicated by id; a client on a "both"
// campaign can still get two jobs, one per channel.
func BuildJobs(c *model.Campaign, recipients []*model.Client) []model.WorkerJob {
	seen := make(map[uuid.UUID]bool, len(recipients))
	channels := c.Channel.Expand()
	jobs := make([]model.WorkerJob, 0, len(recipients)*len(channels))

	for _, r := range recipients {
		if r == nil || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		for _, ch := range channels {
			if !r.Reachable(ch) {
				continue
			}
			jobs = append(jobs, model.WorkerJob{
				TenantID:     c.TenantID,
				CampaignID:   c.ID,
				ClientID:     r.ID,
				Channel:      ch,
				AutomationID: c.AutomationID,
			})
		}
	}
	return jobs
}

// CountByChannel tallies jobs per delivery channel for the quota check.
func CountByChannel(jobs []model.WorkerJob) map[model.Channel]int {
	out := make(map[model.Channel]int, 2)
	for _, j := range jobs {
		out[j.Channel]++
	}
	return out
}

type Dispatcher struct {
	Queue       queue.Queue
	Topic       string
	RetryBudget int
	Now         func() time.Time
}

func NewDispatcher(q queue.Queue, retryBudget int) *Dispatcher {
	if retryBudget < 0 {
		retryBudget = DefaultRetryBudget
	}
	return &Dispatcher{Queue: q, Topic: queue.DeliveryTopic, RetryBudget: retryBudget, Now: time.Now}
}

// Result summarises one dispatch. Handle is the id of the first message
// published; it is a reference for observability and does not identify the
// other jobs.
type Result struct {
	Handle    string
	Published int
	Failed    int
}

// Delay is the time from now until the campaign's scheduled send, never
// negative.
func (d *Dispatcher) Delay(c *model.Campaign) time.Duration {
	if c.ScheduledAt == nil {
		return 0
	}
	delay := c.ScheduledAt.Sub(d.now())
	if delay < 0 {
		return 0
	}
	return delay
}

// Dispatch publishes every job. Jobs that fail to publish are counted in
// Result.Failed; an error is returned only if nothing could be published.
func (d *Dispatcher) Dispatch(ctx context.Context, c *model.Campaign, jobs []model.WorkerJob) (Result, error) {
	var res Result
	if len(jobs) == 0 {
		return res, nil
	}

	opts := queue.PublishOptions{
		Delay:       d.Delay(c),
		RetryBudget: d.RetryBudget,
		Key:         c.TenantID.String(),
	}
	logger := log.With().Str("tenant_id", c.TenantID.String()).Str("campaign_id", c.ID.String()).Logger()

	var lastErr error
	for _, job := range jobs {
		body, err := job.Marshal()
		if err == nil {
			var handle string
			handle, err = d.Queue.Publish(ctx, d.Topic, body, opts)
			if err == nil {
				if res.Handle == "" {
					res.Handle = handle
				}
				res.Published++
				monitoring.JobsDispatched.WithLabelValues(string(job.Channel)).Inc()
				continue
			}
		}
		lastErr = err
		res.Failed++
		logger.Error().Err(err).Str("client_id", job.ClientID.String()).Str("channel", string(job.Channel)).
			Msg("Failed to enqueue delivery job")
	}

	logger.Info().Int("published", res.Published).Int("failed", res.Failed).
		Dur("delay", opts.Delay).Str("queue_handle", res.Handle).Msg("Campaign dispatched")

	if res.Published == 0 {
		return res, fmt.Errorf("dispatch: no job could be enqueued: %w", lastErr)
	}
	return res, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}
