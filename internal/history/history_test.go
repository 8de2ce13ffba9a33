package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"flareguard/pkg/logx"
)

func TestDisabledStoreIsNoop(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("empty path must yield a disabled store")
	}
	if err := st.RecordAlert(context.Background(), AlertEntry{Kind: "Fire"}); err != ErrDisabled {
		t.Fatalf("RecordAlert = %v, want ErrDisabled", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close on nil store: %v", err)
	}
}

func TestRecordAndReadBack(t *testing.T) {
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.RecordAlert(ctx, AlertEntry{
		At: at, Kind: "Fire", ImagePath: "/tmp/a.jpg",
		MediaURL: "https://img.example/a.jpg", Provider: "image-host",
	}); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
	if err := st.RecordAlert(ctx, AlertEntry{At: at.Add(time.Minute), Kind: "Smoke"}); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
	if err := st.RecordDelivery(ctx, DeliveryEntry{
		At: at, Channel: "telegram", Recipient: "100", Outcome: "sent", Attempts: 2, TookMS: 340,
	}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	alerts, err := st.RecentAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d", len(alerts))
	}
	// Most recent first.
	if alerts[0].Kind != "Smoke" || alerts[1].Kind != "Fire" {
		t.Fatalf("order = %q, %q", alerts[0].Kind, alerts[1].Kind)
	}
	if alerts[1].MediaURL != "https://img.example/a.jpg" || alerts[1].Provider != "image-host" {
		t.Fatalf("fire entry = %+v", alerts[1])
	}
	if !alerts[1].At.Equal(at) {
		t.Fatalf("at = %v, want %v", alerts[1].At, at)
	}
}
