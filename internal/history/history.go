// Package history keeps a local audit trail of alerts and per-recipient
// delivery outcomes in SQLite. It is strictly best-effort: recording
// failures are logged and never block or fail a dispatch. With no path
// configured the package is disabled and every call is a cheap no-op.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flareguard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrDisabled = errors.New("history disabled")

type Config struct {
	// Path is the database file. Empty disables history.
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// AlertEntry records one dispatched alert.
type AlertEntry struct {
	At        time.Time
	Kind      string
	ImagePath string
	MediaURL  string
	Provider  string
}

// DeliveryEntry records the final outcome of one recipient send.
type DeliveryEntry struct {
	At        time.Time
	Channel   string
	Recipient string
	Outcome   string
	Attempts  int
	Error     string
	TookMS    int64
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the history database. A nil *Store is a valid
// disabled store.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec("PRAGMA busy_timeout = " + strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("history store opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) RecordAlert(ctx context.Context, e AlertEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(at, kind, image_path, media_url, provider)
		 VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Kind, nullStr(e.ImagePath), nullStr(e.MediaURL), nullStr(e.Provider),
	)
	return err
}

func (s *Store) RecordDelivery(ctx context.Context, e DeliveryEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, channel, recipient, outcome, attempts, err, took_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Channel, e.Recipient, e.Outcome, e.Attempts, nullStr(e.Error), e.TookMS,
	)
	return err
}

// RecentAlerts returns the newest alerts, most recent first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]AlertEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, image_path, media_url, provider
		 FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertEntry
	for rows.Next() {
		var (
			e                        AlertEntry
			at                       string
			imagePath, url, provider sql.NullString
		)
		if err := rows.Scan(&at, &e.Kind, &imagePath, &url, &provider); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.ImagePath = imagePath.String
		e.MediaURL = url.String
		e.Provider = provider.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentDeliveries returns the newest per-recipient outcome rows, most
// recent first.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, channel, recipient, outcome, attempts, err, took_ms
		 FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryEntry
	for rows.Next() {
		var (
			e       DeliveryEntry
			at      string
			errText sql.NullString
		)
		if err := rows.Scan(&at, &e.Channel, &e.Recipient, &e.Outcome, &e.Attempts, &errText, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
