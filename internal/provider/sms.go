package provider

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender sends SMS through one tenant's Twilio account.
type TwilioSender struct {
	api            messageCreator
	from           string
	statusCallback string
}

func NewTwilioSender(accountSID, authToken, from, statusCallback string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{api: client.Api, from: from, statusCallback: statusCallback}
}

func (s *TwilioSender) Send(_ context.Context, msg Outgoing) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)
	if s.statusCallback != "" {
		params.SetStatusCallback(s.statusCallback)
	}

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("twilio: response without message sid")
	}
	return *resp.Sid, nil
}
