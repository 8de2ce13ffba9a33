// Package config loads, validates, and watches the service
// configuration. Files may be JSON or YAML; YAML is coerced to JSON so
// both formats go through the same strict decoder. Credentials always
// come from the environment when set there.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"flareguard/pkg/logx"
)

type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	log logx.Logger

	// onChange runs after a validated reload commits. Reload only covers
	// tunables; credential and topology changes need a restart.
	onChange func(*Config)

	// lastHash skips redundant publishes when the editor fires several
	// write events for one content change.
	lastHash uint64
}

// NewManager builds a manager for path. An empty path is valid: the
// configuration then comes from defaults and the environment only.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetOnChange installs the hook invoked after each successful reload.
func (m *Manager) SetOnChange(fn func(*Config)) { m.onChange = fn }

// Load parses the file (if any), layers environment overrides on top,
// validates, and commits.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.parse()
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) parse() (*Config, error) {
	var cfg Config
	if m.path == "" {
		return &cfg, nil
	}

	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", m.path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", m.path)
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// toJSONBytes converts a YAML document to JSON bytes so one strict
// decoder serves both formats. JSON files pass through untouched.
func toJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(stringifyKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return j, nil
}

// stringifyKeys forces all map keys to strings so the YAML value can be
// JSON-marshaled.
func stringifyKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range x {
			x[k] = stringifyKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return in
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ApplyEnv layers environment overrides over the file values. These are
// the variable names the deployment has always used.
func (c *Config) ApplyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.WhatsApp.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setStr(&c.WhatsApp.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setStr(&c.WhatsApp.Twilio.From, "TWILIO_WHATSAPP_NUMBER")
	setStr(&c.WhatsApp.Twilio.To, "RECEIVER_WHATSAPP_NUMBER")
	setStr(&c.WhatsApp.CallMeBot.Phone, "RECEIVER_WHATSAPP_NUMBER")
	setStr(&c.WhatsApp.CallMeBot.APIKey, "CALLMEBOT_API_KEY")
	setStr(&c.Telegram.Token, "TELEGRAM_TOKEN")
	setStr(&c.Registry.Key, "ENCRYPTION_KEY")
	setStr(&c.Media.GCS.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setStr(&c.Media.GCS.Bucket, "GCS_BUCKET_NAME")
	setStr(&c.Media.Imgur.ClientID, "IMGUR_CLIENT_ID")

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.DefaultChatID = id
		}
	}
}

// Validate rejects configurations no channel could run with and checks
// every duration string up front so failures happen at startup, not
// mid-alert.
func (c *Config) Validate() error {
	twilioPartial := c.WhatsApp.Twilio.AccountSID != "" || c.WhatsApp.Twilio.AuthToken != "" ||
		c.WhatsApp.Twilio.From != "" || c.WhatsApp.Twilio.To != ""
	twilioComplete := c.WhatsApp.Twilio.AccountSID != "" && c.WhatsApp.Twilio.AuthToken != "" &&
		c.WhatsApp.Twilio.From != "" && c.WhatsApp.Twilio.To != ""
	if twilioPartial && !twilioComplete {
		return errors.New("config: whatsapp.twilio is partially configured; set account_sid, auth_token, from, and to")
	}

	if c.Telegram.Token != "" && c.Registry.Key == "" {
		return errors.New("config: telegram requires registry.key (ENCRYPTION_KEY)")
	}

	for _, d := range []struct{ path, raw string }{
		{"dispatch.cooldown", c.Dispatch.Cooldown},
		{"whatsapp.send_timeout", c.WhatsApp.SendTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"history.busy_timeout", c.History.BusyTimeout},
		{"retry.timeout_base", c.Retry.TimeoutBase},
		{"retry.network_delay", c.Retry.NetworkDelay},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Watch reloads the file on change until ctx is canceled. Reloads are
// debounced so editors that write in several steps don't trigger
// half-parsed loads, and a rejected reload keeps the running config.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := m.parse()
			if err != nil {
				m.log.Warn("config reload parse failed", logx.String("path", m.path), logx.Err(err))
				return
			}
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
				return
			}

			h := hashConfig(cfg)
			m.mu.RLock()
			unchanged := h != 0 && h == m.lastHash
			m.mu.RUnlock()
			if unchanged {
				return
			}

			m.commit(cfg)
			m.log.Info("config reloaded", logx.String("path", m.path))
			if m.onChange != nil {
				m.onChange(cfg)
			}
		})
	}

	// When fsnotify gets into a bad state the watcher may stop delivering
	// events or close its channels. Recreate it with a small backoff.
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch unavailable", logx.String("dir", dir), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					debounce()
				}
			case werr, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if werr != nil {
					m.log.Warn("config watch error", logx.Err(werr))
				}
			}
		}
		_ = w.Close()
	}
}
