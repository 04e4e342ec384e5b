package model

import "fmt"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelBoth  Channel = "both"
)

func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelEmail, ChannelSMS, ChannelBoth:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Expand returns the delivery channels a campaign channel fans out to.
func (c Channel) Expand() []Channel {
	switch c {
	case ChannelEmail:
		return []Channel{ChannelEmail}
	case ChannelSMS:
		return []Channel{ChannelSMS}
	case ChannelBoth:
		return []Channel{ChannelEmail, ChannelSMS}
	}
	return nil
}

// Covers reports whether content written for c can be delivered on other.
func (c Channel) Covers(other Channel) bool {
	return c == ChannelBoth || c == other
}

// IncludesEmail is true for email and both.
func (c Channel) IncludesEmail() bool { return c == ChannelEmail || c == ChannelBoth }
