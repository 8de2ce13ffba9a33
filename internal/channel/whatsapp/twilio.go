package whatsapp

import (
	"context"
	"time"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"flareguard/internal/media"
)

type twilioBackend struct {
	client *twilio.RestClient
	from   string
	to     string
}

func newTwilioBackend(cfg TwilioConfig, timeout time.Duration) *twilioBackend {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	client.SetTimeout(timeout)
	return &twilioBackend{
		client: client,
		from:   normalizeWhatsApp(cfg.From),
		to:     normalizeWhatsApp(cfg.To),
	}
}

func (b *twilioBackend) name() string { return "twilio" }

func (b *twilioBackend) send(ctx context.Context, text string, ref media.Reference) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(b.from)
	params.SetTo(b.to)
	params.SetBody(text)
	if ref.Attached() {
		params.SetMediaUrl([]string{ref.URL})
	}
	_, err := b.client.Api.CreateMessage(params)
	return err
}
