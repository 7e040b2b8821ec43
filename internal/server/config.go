package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Tyrowin/gochat-gateway/internal/observability"
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	// Driver is memory, sqlite, or postgres.
	Driver string
	DSN    string
}

// PushConfig holds the VAPID key material and dispatcher sizing.
type PushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	Workers    int
	QueueSize  int
	RatePerSec int
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// Config holds the gateway configuration. It is read once at startup and
// never reloaded.
type Config struct {
	Port           string
	AllowedOrigins []string
	AuthSecret     string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	TypingTimeout  time.Duration
	// PresenceSweep is the cron schedule of the presence reconciliation pass.
	PresenceSweep string
	DevConsole    bool
	Store         StoreConfig
	Push          PushConfig
	Log           observability.LogConfig
}

type envConfig struct {
	Port            string        `env:"PORT"                       envDefault:":3001"`
	CORSOrigin      []string      `env:"CORS_ORIGIN"                envDefault:"http://localhost:3000" envSeparator:","`
	AuthSecret      string        `env:"AUTH_SECRET"`
	VAPIDPublicKey  string        `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string        `env:"VAPID_SUBJECT"              envDefault:"mailto:admin@localhost"`
	StoreDriver     string        `env:"STORE_DRIVER"               envDefault:"sqlite"`
	DatabaseURL     string        `env:"DATABASE_URL"               envDefault:"gateway.db"`
	LogLevel        string        `env:"LOG_LEVEL"                  envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"                 envDefault:"json"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE"           envDefault:"16384"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST"           envDefault:"20"`
	RateLimitRefill int           `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1"`
	TypingTimeout   time.Duration `env:"TYPING_TIMEOUT"             envDefault:"5s"`
	PushWorkers     int           `env:"PUSH_WORKERS"               envDefault:"4"`
	PushQueueSize   int           `env:"PUSH_QUEUE_SIZE"            envDefault:"256"`
	PushRate        int           `env:"PUSH_RATE"                  envDefault:"50"`
	PresenceSweep   string        `env:"PRESENCE_SWEEP"             envDefault:"@every 1m"`
	DevConsole      bool          `env:"DEV_CONSOLE"`
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return Config{
		Port:           ":3001",
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxMessageSize: 16384,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		TypingTimeout: 5 * time.Second,
		PresenceSweep: "@every 1m",
		Store:         StoreConfig{Driver: "sqlite", DSN: "gateway.db"},
		Push: PushConfig{
			Subject:    "mailto:admin@localhost",
			Workers:    4,
			QueueSize:  256,
			RatePerSec: 50,
		},
		Log: observability.LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads the configuration from the environment and sanitizes it.
func LoadConfig() (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg := Config{
		Port:           raw.Port,
		AllowedOrigins: raw.CORSOrigin,
		AuthSecret:     raw.AuthSecret,
		MaxMessageSize: raw.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          raw.RateLimitBurst,
			RefillInterval: time.Duration(raw.RateLimitRefill) * time.Second,
		},
		TypingTimeout: raw.TypingTimeout,
		PresenceSweep: raw.PresenceSweep,
		DevConsole:    raw.DevConsole,
		Store:         StoreConfig{Driver: raw.StoreDriver, DSN: raw.DatabaseURL},
		Push: PushConfig{
			PublicKey:  raw.VAPIDPublicKey,
			PrivateKey: raw.VAPIDPrivateKey,
			Subject:    raw.VAPIDSubject,
			Workers:    raw.PushWorkers,
			QueueSize:  raw.PushQueueSize,
			RatePerSec: raw.PushRate,
		},
		Log: observability.LogConfig{Level: raw.LogLevel, Format: raw.LogFormat},
	}
	cfg = sanitizeConfig(cfg)
	switch cfg.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.Store.Driver)
	}
	return cfg, nil
}

// sanitizeConfig replaces non-positive limits with defaults and normalizes
// the port.
func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	} else if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = def.TypingTimeout
	}
	if cfg.Push.Workers <= 0 {
		cfg.Push.Workers = def.Push.Workers
	}
	if cfg.Push.QueueSize <= 0 {
		cfg.Push.QueueSize = def.Push.QueueSize
	}
	if cfg.Push.RatePerSec <= 0 {
		cfg.Push.RatePerSec = def.Push.RatePerSec
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	return cfg
}
