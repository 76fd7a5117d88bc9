// Package config resolves runtime tunables for the session core and the relay
// binary. Defaults are applied first, then an optional TOML file, then
// environment overrides, so deployments can layer configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Transport names accepted by the session facade.
const (
	// TransportLongPoll selects the request/response long-poll backend.
	TransportLongPoll = "longpoll"
	// TransportPush selects the persistent push-channel backend.
	TransportPush = "push"
)

const (
	// DefaultServerURL points at a relay on the local machine.
	DefaultServerURL = "http://localhost:43180"
	// DefaultAddr is the TCP address the relay binary listens on.
	DefaultAddr = ":43180"
	// DefaultConnectTimeout bounds initial transport establishment.
	DefaultConnectTimeout = 8 * time.Second
	// DefaultPollPause separates consecutive long-poll cycles.
	DefaultPollPause = 100 * time.Millisecond
	// DefaultPollHold is how long the relay parks an empty poll.
	DefaultPollHold = 30 * time.Second
	// DefaultHeartbeatInterval is the liveness cadence once a session is active.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatExpiry is how long the relay tolerates a silent player.
	DefaultHeartbeatExpiry = 90 * time.Second
	// DefaultBackoffBase is the linear reconnect delay increment.
	DefaultBackoffBase = 5 * time.Second
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 30 * time.Second
	// DefaultMaxReconnectAttempts bounds reconnection before giving up.
	DefaultMaxReconnectAttempts = 12
	// DefaultChallengeWindow bounds how often one player may send challenges.
	DefaultChallengeWindow = 10 * time.Second
	// DefaultChallengeBurst sets how many challenges fit in one window.
	DefaultChallengeBurst = 3

	// DefaultLogLevel controls verbosity for session logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "dicesoccer.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// EnvConfigFile names the environment variable pointing at a TOML file.
const EnvConfigFile = "DICESOCCER_CONFIG"

// Duration wraps time.Duration so TOML values and environment overrides like
// "30s" decode through the same text path.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures all runtime tunables for the session core and relay.
type Config struct {
	ServerURL    string `env:"DICESOCCER_SERVER_URL" toml:"server_url"`
	Transport    string `env:"DICESOCCER_TRANSPORT" toml:"transport"`
	IdentityPath string `env:"DICESOCCER_IDENTITY_PATH" toml:"identity_path"`

	ConnectTimeout    Duration `env:"DICESOCCER_CONNECT_TIMEOUT" toml:"connect_timeout"`
	PollPause         Duration `env:"DICESOCCER_POLL_PAUSE" toml:"poll_pause"`
	PollHold          Duration `env:"DICESOCCER_POLL_HOLD" toml:"poll_hold"`
	HeartbeatInterval Duration `env:"DICESOCCER_HEARTBEAT_INTERVAL" toml:"heartbeat_interval"`
	HeartbeatExpiry   Duration `env:"DICESOCCER_HEARTBEAT_EXPIRY" toml:"heartbeat_expiry"`

	BackoffBase          Duration `env:"DICESOCCER_BACKOFF_BASE" toml:"backoff_base"`
	BackoffMax           Duration `env:"DICESOCCER_BACKOFF_MAX" toml:"backoff_max"`
	MaxReconnectAttempts int      `env:"DICESOCCER_MAX_RECONNECT_ATTEMPTS" toml:"max_reconnect_attempts"`
	LedgerCapacity       int      `env:"DICESOCCER_LEDGER_CAPACITY" toml:"ledger_capacity"`

	Address         string   `env:"DICESOCCER_ADDR" toml:"address"`
	AllowedOrigins  []string `env:"DICESOCCER_ALLOWED_ORIGINS" toml:"allowed_origins"`
	ChallengeWindow Duration `env:"DICESOCCER_CHALLENGE_WINDOW" toml:"challenge_window"`
	ChallengeBurst  int      `env:"DICESOCCER_CHALLENGE_BURST" toml:"challenge_burst"`

	Logging LoggingConfig `toml:"log"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `env:"DICESOCCER_LOG_LEVEL" toml:"level"`
	Path       string `env:"DICESOCCER_LOG_PATH" toml:"path"`
	MaxSizeMB  int    `env:"DICESOCCER_LOG_MAX_SIZE_MB" toml:"max_size_mb"`
	MaxBackups int    `env:"DICESOCCER_LOG_MAX_BACKUPS" toml:"max_backups"`
	MaxAgeDays int    `env:"DICESOCCER_LOG_MAX_AGE_DAYS" toml:"max_age_days"`
	Compress   bool   `env:"DICESOCCER_LOG_COMPRESS" toml:"compress"`
}

// Default returns the baseline configuration before file and env layering.
func Default() *Config {
	return &Config{
		ServerURL:            DefaultServerURL,
		Transport:            TransportLongPoll,
		ConnectTimeout:       Duration(DefaultConnectTimeout),
		PollPause:            Duration(DefaultPollPause),
		PollHold:             Duration(DefaultPollHold),
		HeartbeatInterval:    Duration(DefaultHeartbeatInterval),
		HeartbeatExpiry:      Duration(DefaultHeartbeatExpiry),
		BackoffBase:          Duration(DefaultBackoffBase),
		BackoffMax:           Duration(DefaultBackoffMax),
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Address:              DefaultAddr,
		ChallengeWindow:      Duration(DefaultChallengeWindow),
		ChallengeBurst:       DefaultChallengeBurst,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load resolves the configuration by layering the optional TOML file named by
// DICESOCCER_CONFIG and then environment overrides on top of the defaults.
func Load() (*Config, error) {
	cfg := Default()
	//1.- Apply the file layer when one is configured.
	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	//2.- Environment variables override both defaults and file values.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	//3.- Validate the merged result so callers never see incoherent tunables.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the resolved configuration at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Transport {
	case TransportLongPoll, TransportPush:
	default:
		problems = append(problems, fmt.Sprintf("transport must be %q or %q, got %q", TransportLongPoll, TransportPush, c.Transport))
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		problems = append(problems, "server URL must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		problems = append(problems, "connect timeout must be positive")
	}
	if c.PollPause <= 0 {
		problems = append(problems, "poll pause must be positive")
	}
	if c.PollHold <= 0 {
		problems = append(problems, "poll hold must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		problems = append(problems, "heartbeat interval must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax <= 0 {
		problems = append(problems, "backoff base and cap must be positive")
	} else if c.BackoffMax < c.BackoffBase {
		problems = append(problems, "backoff cap must not be below the base delay")
	}
	if c.MaxReconnectAttempts <= 0 {
		problems = append(problems, "max reconnect attempts must be positive")
	}
	if c.LedgerCapacity < 0 {
		problems = append(problems, "ledger capacity must be non-negative")
	}
	if c.ChallengeBurst <= 0 || c.ChallengeWindow <= 0 {
		problems = append(problems, "challenge rate limits must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
