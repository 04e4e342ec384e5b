// Package provider sends rendered messages through email and SMS gateways.
package provider

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Outgoing is one rendered message addressed to one recipient.
type Outgoing struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a message and returns the provider's message id. Errors
// are not classified; callers retry every failure.
type Sender interface {
	Send(ctx context.Context, msg Outgoing) (string, error)
}

type SenderFunc func(ctx context.Context, msg Outgoing) (string, error)

func (f SenderFunc) Send(ctx context.Context, msg Outgoing) (string, error) { return f(ctx, msg) }

// LogSender only logs. It stands in for real gateways in dev mode.
type LogSender struct {
	Channel string
}

func (s LogSender) Send(_ context.Context, msg Outgoing) (string, error) {
	id := "dev-" + uuid.NewString()
	log.Info().
		Str("channel", s.Channel).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("body_len", len(msg.Body)).
		Str("provider_message_id", id).
		Msg("Dev sender: message not delivered")
	return id, nil
}
