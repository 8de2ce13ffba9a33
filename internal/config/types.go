package config

// Config is the full service configuration. All durations are Go
// duration strings (e.g. "500ms", "10s", "1m").
//
// Every credential field can also come from the environment; environment
// values take precedence over the file so secrets can stay out of it
// entirely. See ApplyEnv for the variable names.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`
	Media    MediaConfig    `json:"media"`
	Registry RegistryConfig `json:"registry"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Poll     PollConfig     `json:"poll"`
	History  HistoryConfig  `json:"history,omitempty"`
	Retry    RetryConfig    `json:"retry,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

type DispatchConfig struct {
	Workers   int    `json:"workers,omitempty"`    // default 2
	QueueSize int    `json:"queue_size,omitempty"` // default 16
	Cooldown  string `json:"cooldown,omitempty"`   // default "30s"
}

type MediaConfig struct {
	// Dir is the local directory persisted frames are written to.
	Dir string `json:"dir,omitempty"` // default "./detected"

	GCS   GCSConfig   `json:"gcs,omitempty"`
	Imgur ImgurConfig `json:"imgur,omitempty"`
}

type GCSConfig struct {
	CredentialsFile string `json:"credentials_file,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
}

type ImgurConfig struct {
	ClientID string `json:"client_id,omitempty"`
}

type RegistryConfig struct {
	Path       string `json:"path,omitempty"`        // default "./sysdata.bin"
	CursorPath string `json:"cursor_path,omitempty"` // default "./last_update.bin"

	// Key is the hex-encoded 32-byte encryption key. Environment only in
	// practice; accepted here for completeness.
	Key string `json:"key,omitempty"`
}

type WhatsAppConfig struct {
	Twilio      TwilioConfig    `json:"twilio,omitempty"`
	CallMeBot   CallMeBotConfig `json:"callmebot,omitempty"`
	SendTimeout string          `json:"send_timeout,omitempty"` // default "15s"
}

type TwilioConfig struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

type CallMeBotConfig struct {
	Phone  string `json:"phone,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

type TelegramConfig struct {
	Token         string `json:"token,omitempty"`
	DefaultChatID int64  `json:"default_chat_id,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"` // default 10
	PollTimeout   string `json:"poll_timeout,omitempty"` // default "30s"
	SendTimeout   string `json:"send_timeout,omitempty"` // default "20s"
}

type PollConfig struct {
	DiscoverSchedule string `json:"discover_schedule,omitempty"` // default "@every 1m"
	VerifySchedule   string `json:"verify_schedule,omitempty"`   // default "@every 12h", "-" disables
}

type HistoryConfig struct {
	Path        string `json:"path,omitempty"` // empty disables history
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RetryConfig struct {
	MaxAttempts  int    `json:"max_attempts,omitempty"`  // default 3
	TimeoutBase  string `json:"timeout_base,omitempty"`  // default "1s"
	NetworkDelay string `json:"network_delay,omitempty"` // default "5s"
}
