package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Fantasy  FantasyConfig  `json:"fantasy"`
	Watch    WatchConfig    `json:"watch"`
	State    StateConfig    `json:"state"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec bounds outbound sends across all chats. Telegram's global
	// bot limit is ~30 msg/s; default 20.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// OwnerUserIDs may run privileged commands (/auth, /setleague,
	// /startwatch, /stopwatch). Empty means everyone.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// FantasyConfig configures the fantasy API client.
type FantasyConfig struct {
	BaseURL      string `json:"base_url,omitempty"` // default: https://api.ltafantasy.com
	SessionToken string `json:"session_token"`
	// Timeout is a Go duration string for a single API call.
	Timeout string `json:"timeout,omitempty"`
	// RetryMax caps transient-error retries per call (default 3).
	RetryMax int `json:"retry_max,omitempty"`
	// RetryBase is the first retry delay; doubles per attempt.
	RetryBase string `json:"retry_base,omitempty"`
}

// WatchConfig controls live polling cadence and staleness backoff.
//
// All durations are Go duration strings. The effective poll interval is
// poll_interval * backoff factor, clamped to max_poll_interval.
type WatchConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`     // default "30s"
	MaxPollInterval string `json:"max_poll_interval,omitempty"` // default "15m"
	// StaleThreshold is the number of consecutive unchanged polls before the
	// backoff factor is multiplied (default 12).
	StaleThreshold int `json:"stale_threshold,omitempty"`
	// BackoffMultiplier scales the poll interval on sustained staleness (default 2.0).
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// StateConfig controls the persistence layer for watcher state.
//
// Driver values:
//   - "file": single JSON snapshot file (atomic rename)
//   - "sqlite": SQLite database file
type StateConfig struct {
	Driver      string `json:"driver,omitempty"` // default "file"
	Path        string `json:"path,omitempty"`   // default "./ltabot_state"
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// SnapshotEvery is the periodic snapshot interval (default "5m").
	SnapshotEvery string `json:"snapshot_every,omitempty"`
}
