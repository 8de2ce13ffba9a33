package telegram

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"flareguard/internal/alert"
	"flareguard/internal/channel"
	"flareguard/internal/history"
	"flareguard/internal/media"
	"flareguard/internal/registry"
	"flareguard/pkg/logx"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type sentMsg struct {
	chatID int64
	photo  bool
	text   string
}

// fakeBot records sends and fails per-chat with configured errors.
type fakeBot struct {
	sendErr map[int64]error
	sent    []sentMsg

	rawResp map[string][]byte
	rawErr  map[string]error
	rawReqs []string
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	chat, ok := to.(*tele.Chat)
	if !ok {
		return nil, errors.New("unexpected recipient type")
	}
	if err := f.sendErr[chat.ID]; err != nil {
		return nil, err
	}
	msg := sentMsg{chatID: chat.ID}
	switch v := what.(type) {
	case *tele.Photo:
		msg.photo = true
		msg.text = v.Caption
	case string:
		msg.text = v
	default:
		return nil, errors.New("unexpected payload type")
	}
	f.sent = append(f.sent, msg)
	return &tele.Message{}, nil
}

func (f *fakeBot) Raw(method string, _ interface{}) ([]byte, error) {
	f.rawReqs = append(f.rawReqs, method)
	if err := f.rawErr[method]; err != nil {
		return nil, err
	}
	return f.rawResp[method], nil
}

func newTestAdapter(t *testing.T, bot api) (*Adapter, *registry.Store) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(registry.Config{
		Path:       filepath.Join(dir, "sysdata.bin"),
		CursorPath: filepath.Join(dir, "last_update.bin"),
		Key:        testKey,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	cfg := Config{PollTimeout: time.Second, SendTimeout: time.Second}
	return newWithAPI(cfg, bot, reg, nil, logx.Nop()), reg
}

func writeFrame(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return path
}

func TestDeliverBroadcastsPhoto(t *testing.T) {
	bot := &fakeBot{}
	a, reg := newTestAdapter(t, bot)
	if _, err := reg.Add(10, 20); err != nil {
		t.Fatalf("Add: %v", err)
	}

	al := alert.Alert{Kind: alert.KindFire, ImagePath: writeFrame(t, "jpeg"), At: time.Now()}
	if err := a.Deliver(context.Background(), al, media.Reference{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(bot.sent) != 2 {
		t.Fatalf("sent = %d messages", len(bot.sent))
	}
	for _, m := range bot.sent {
		if !m.photo {
			t.Fatalf("chat %d got text, want photo", m.chatID)
		}
		if m.text != "🚨 Fire Detected!" {
			t.Fatalf("caption = %q", m.text)
		}
	}
}

func TestDeliverPrunesBlockedSubscribers(t *testing.T) {
	bot := &fakeBot{sendErr: map[int64]error{
		20: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"},
	}}
	a, reg := newTestAdapter(t, bot)
	if _, err := reg.Add(10, 20, 30); err != nil {
		t.Fatalf("Add: %v", err)
	}

	al := alert.Alert{Kind: alert.KindFire, ImagePath: writeFrame(t, "jpeg"), At: time.Now()}
	if err := a.Deliver(context.Background(), al, media.Reference{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ids, err := reg.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(ids, []int64{10, 30}) {
		t.Fatalf("registry = %v, want [10 30]", ids)
	}
}

func TestDeliverRecordsPerSubscriberOutcomes(t *testing.T) {
	bot := &fakeBot{sendErr: map[int64]error{
		20: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"},
	}}
	a, reg := newTestAdapter(t, bot)
	hist, err := history.Open(history.Config{Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	defer hist.Close()
	a.hist = hist

	if _, err := reg.Add(10, 20); err != nil {
		t.Fatalf("Add: %v", err)
	}
	al := alert.Alert{Kind: alert.KindFire, ImagePath: writeFrame(t, "jpeg"), At: time.Now()}
	if err := a.Deliver(context.Background(), al, media.Reference{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	rows, err := hist.RecentDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want one per subscriber", len(rows))
	}
	byRecipient := map[string]history.DeliveryEntry{}
	for _, r := range rows {
		if r.Channel != "telegram" {
			t.Fatalf("channel = %q", r.Channel)
		}
		byRecipient[r.Recipient] = r
	}
	if e := byRecipient["10"]; e.Outcome != "sent" || e.Attempts != 1 {
		t.Fatalf("chat 10 row = %+v", e)
	}
	if e := byRecipient["20"]; e.Outcome != "permanent-failure" || e.Error == "" {
		t.Fatalf("chat 20 row = %+v", e)
	}
}

func TestDeliverTextOnlyWhenFrameUnreadable(t *testing.T) {
	bot := &fakeBot{}
	a, reg := newTestAdapter(t, bot)
	if _, err := reg.Add(10); err != nil {
		t.Fatalf("Add: %v", err)
	}

	al := alert.Alert{Kind: alert.KindSmoke, ImagePath: filepath.Join(t.TempDir(), "gone.jpg"), At: time.Now()}
	if err := a.Deliver(context.Background(), al, media.Reference{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].photo {
		t.Fatalf("sent = %+v, want one text message", bot.sent)
	}
}

func TestDeliverNoSubscribers(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeBot{})
	al := alert.Alert{Kind: alert.KindFire, At: time.Now()}
	if err := a.Deliver(context.Background(), al, media.Reference{}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("Deliver = %v, want ErrNoRecipients", err)
	}
}

func TestDiscoverRegistersSenders(t *testing.T) {
	bot := &fakeBot{rawResp: map[string][]byte{
		"getUpdates": []byte(`{"ok":true,"result":[
			{"update_id":41,"message":{"chat":{"id":100}}},
			{"update_id":42,"message":{"chat":{"id":200}}},
			{"update_id":43}
		]}`),
	}}
	a, reg := newTestAdapter(t, bot)

	added, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !reflect.DeepEqual(added, []int64{100, 200}) {
		t.Fatalf("added = %v", added)
	}
	cur, _ := reg.Cursor()
	if cur != 43 {
		t.Fatalf("cursor = %d, want 43", cur)
	}

	// Replay adds nothing.
	added, err = a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover replay: %v", err)
	}
	if len(added) != 0 {
		t.Fatalf("replay added %v", added)
	}
}

func TestVerifyOnlyAuthInvalidates(t *testing.T) {
	bot := &fakeBot{rawErr: map[string]error{
		"sendChatAction": &tele.Error{Code: 403},
	}}
	a, _ := newTestAdapter(t, bot)
	if a.Verify(context.Background(), 10) {
		t.Fatal("blocked chat must fail verification")
	}

	bot.rawErr["sendChatAction"] = &tele.Error{Code: 504}
	if !a.Verify(context.Background(), 10) {
		t.Fatal("a timeout says nothing about the subscription")
	}

	delete(bot.rawErr, "sendChatAction")
	if !a.Verify(context.Background(), 10) {
		t.Fatal("healthy chat must pass")
	}
}

func TestVerifySweepPrunes(t *testing.T) {
	bot := &fakeBot{rawErr: map[string]error{
		"sendChatAction": &tele.Error{Code: 403},
	}}
	a, reg := newTestAdapter(t, bot)
	if _, err := reg.Add(10, 20); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := a.VerifySweep(context.Background()); err != nil {
		t.Fatalf("VerifySweep: %v", err)
	}
	ids, _ := reg.Load()
	if len(ids) != 0 {
		t.Fatalf("registry = %v, want empty after sweep", ids)
	}
}

func TestSendMediaAppendsURL(t *testing.T) {
	bot := &fakeBot{}
	a, reg := newTestAdapter(t, bot)
	if _, err := reg.Add(10); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ref := media.Reference{URL: "https://img.example/abc.jpg", Provider: media.ProviderImageHost}
	if err := a.SendMedia(context.Background(), "🚨 Fire Detected!", ref); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if bot.sent[0].text != "🚨 Fire Detected! https://img.example/abc.jpg" {
		t.Fatalf("text = %q", bot.sent[0].text)
	}
}

var _ channel.Channel = (*Adapter)(nil)
var _ channel.Sender = (*Adapter)(nil)
