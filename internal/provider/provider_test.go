package provider

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/unclebandit/salonflow-messaging/internal/crypto"
	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
)

type fakeTwilio struct {
	params *twilioApi.CreateMessageParams
	sid    *string
	err    error
}

func (f *fakeTwilio) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = p
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{Sid: f.sid}, nil
}

func TestTwilioSender_Send(t *testing.T) {
	sid := "SM123"
	api := &fakeTwilio{sid: &sid}
	s := &TwilioSender{api: api, from: "+15550000", statusCallback: "https://hooks.example.com/sms"}

	id, err := s.Send(context.Background(), Outgoing{To: "+15551111", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "SM123", id)
	assert.Equal(t, "+15551111", *api.params.To)
	assert.Equal(t, "+15550000", *api.params.From)
	assert.Equal(t, "hi", *api.params.Body)
	assert.Equal(t, "https://hooks.example.com/sms", *api.params.StatusCallback)
}

func TestTwilioSender_Errors(t *testing.T) {
	s := &TwilioSender{api: &fakeTwilio{err: errors.New("21211 invalid number")}}
	_, err := s.Send(context.Background(), Outgoing{To: "x"})
	assert.ErrorContains(t, err, "invalid number")

	s = &TwilioSender{api: &fakeTwilio{}}
	_, err = s.Send(context.Background(), Outgoing{To: "x"})
	assert.Error(t, err, "missing sid")
}

func TestSMTPSender_Send(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s := NewSMTPSender("smtp.example.com", 0, "user", "pw", "salon@example.com")
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, a)
		return nil
	}

	id, err := s.Send(context.Background(), Outgoing{To: "ana@example.com", Subject: "Hello", Body: "<p>Hi</p>"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<") && strings.HasSuffix(id, "@smtp.example.com>"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "salon@example.com", gotFrom)
	assert.Equal(t, []string{"ana@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Hello\r\n")
	assert.Contains(t, string(gotMsg), "Message-ID: "+id)
	assert.Contains(t, string(gotMsg), "<p>Hi</p>")
}

func TestSMTPSender_Failure(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", 25, "", "", "a@b.c")
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 mailbox unavailable") }
	_, err := s.Send(context.Background(), Outgoing{To: "x@y.z"})
	assert.ErrorContains(t, err, "550")
}

type credStore map[uuid.UUID]*model.ProviderCredentials

func (c credStore) Get(_ context.Context, id uuid.UUID) (*model.ProviderCredentials, error) {
	if cr, ok := c[id]; ok {
		return cr, nil
	}
	return nil, appErrors.NewNotFound("provider credentials", id)
}

func testVault(t *testing.T) *crypto.Vault {
	v, err := crypto.NewVault([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return v
}

func TestResolver_DecryptsTenantSecrets(t *testing.T) {
	v := testVault(t)
	tenant := uuid.New()
	token, err := v.Encrypt("twilio-secret")
	require.NoError(t, err)
	pass, err := v.Encrypt("smtp-secret")
	require.NoError(t, err)

	r := NewResolver(credStore{tenant: {
		TenantID: tenant, TwilioAccountSID: "AC1", TwilioAuthToken: token, SMSFrom: "+1",
		SMTPHost: "mail.salon.io", SMTPPort: 465, SMTPUsername: "u", SMTPPassword: pass, EmailFrom: "hi@salon.io",
	}}, v, SMTPDefaults{}, "https://cb")

	var gotToken, gotPass string
	r.newSMS = func(sid, tok, from, cb string) Sender {
		gotToken = tok
		assert.Equal(t, "https://cb?tenant_id="+tenant.String(), cb)
		return LogSender{}
	}
	r.newEmail = func(h string, p int, u, pw, f string) Sender {
		gotPass = pw
		assert.Equal(t, "mail.salon.io", h)
		assert.Equal(t, 465, p)
		return LogSender{}
	}

	_, err = r.SenderFor(context.Background(), tenant, model.ChannelSMS)
	require.NoError(t, err)
	_, err = r.SenderFor(context.Background(), tenant, model.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "twilio-secret", gotToken)
	assert.Equal(t, "smtp-secret", gotPass)

	token, err = r.TwilioAuthToken(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, "twilio-secret", token)
	_, err = r.TwilioAuthToken(context.Background(), uuid.New())
	assert.True(t, appErrors.IsNotFound(err))
}

func TestResolver_PlatformSMTPDefaults(t *testing.T) {
	r := NewResolver(credStore{}, testVault(t), SMTPDefaults{Host: "relay", Port: 25, From: "no-reply@platform.io"}, "")
	var host string
	r.newEmail = func(h string, p int, u, pw, f string) Sender { host = h; return LogSender{} }
	_, err := r.SenderFor(context.Background(), uuid.New(), model.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "relay", host)
}

func TestResolver_UnconfiguredWithoutFallback(t *testing.T) {
	r := NewResolver(credStore{}, testVault(t), SMTPDefaults{}, "")
	_, err := r.SenderFor(context.Background(), uuid.New(), model.ChannelSMS)
	assert.ErrorContains(t, err, "not configured")

	r.Fallback = func(ch model.Channel) Sender { return LogSender{Channel: string(ch)} }
	s, err := r.SenderFor(context.Background(), uuid.New(), model.ChannelSMS)
	require.NoError(t, err)
	id, err := s.Send(context.Background(), Outgoing{To: "+1", Body: "x"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "dev-"))
}

func TestResolver_TamperedSecretFails(t *testing.T) {
	v := testVault(t)
	tenant := uuid.New()
	token, err := v.Encrypt("secret")
	require.NoError(t, err)
	tampered := token[:len(token)-2] + "AA"
	if tampered == token {
		tampered = token[:len(token)-2] + "BB"
	}
	r := NewResolver(credStore{tenant: {TenantID: tenant, TwilioAccountSID: "AC", TwilioAuthToken: tampered, SMSFrom: "+1"}}, v, SMTPDefaults{}, "")
	_, err = r.SenderFor(context.Background(), tenant, model.ChannelSMS)
	assert.Error(t, err)
}
