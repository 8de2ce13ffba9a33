package whatsapp

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flareguard/internal/channel"
	"flareguard/internal/media"
)

const callMeBotURL = "https://api.callmebot.com/whatsapp.php"

// callMeBotBackend is the legacy lightweight provider: a single GET with
// the message in the query string. It cannot attach media; the media URL
// is already part of the text.
type callMeBotBackend struct {
	apiKey  string
	to      string
	baseURL string
	http    *http.Client
}

func newCallMeBotBackend(cfg CallMeBotConfig, timeout time.Duration) *callMeBotBackend {
	return &callMeBotBackend{
		apiKey:  cfg.APIKey,
		to:      strings.TrimPrefix(strings.TrimSpace(cfg.To), "whatsapp:"),
		baseURL: callMeBotURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (b *callMeBotBackend) name() string { return "callmebot" }

func (b *callMeBotBackend) send(ctx context.Context, text string, _ media.Reference) error {
	q := url.Values{}
	q.Set("phone", b.to)
	q.Set("text", text)
	q.Set("apikey", b.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &channel.StatusError{Op: "callmebot", Status: resp.StatusCode}
	}
	return nil
}
