package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the remote broker listens on.
	DefaultAddr = ":43180"
	// DefaultPingInterval controls how often live sessions receive a protocol ping.
	DefaultPingInterval = 4 * time.Second
	// DefaultPongTimeout is the maximum silence tolerated before a session is evicted.
	DefaultPongTimeout = 10 * time.Second
	// DefaultSweepInterval controls how often stale sessions are swept out.
	DefaultSweepInterval = 5 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 16

	// DefaultCodeLength is the number of characters in a generated remote code.
	DefaultCodeLength = 6
	// DefaultCodeTTL is how long an idle pairing code survives in the registry.
	DefaultCodeTTL = 6 * time.Hour
	// DefaultCodeMaxAttempts caps collision retries during code generation.
	DefaultCodeMaxAttempts = 16

	// DefaultPrecacheTTL bounds the principal→identity bridge entry lifetime.
	DefaultPrecacheTTL = 5 * time.Minute
	// DefaultGroupExpiry is the reconnect-group lifetime granted at creation.
	DefaultGroupExpiry = 30 * 24 * time.Hour

	// DefaultRegistryBackend selects the shared key-value store implementation.
	DefaultRegistryBackend = "memory"

	// DefaultBroadcastRateLimit caps external broadcast pushes per window.
	DefaultBroadcastRateLimit = 64
	// DefaultBroadcastRateWindow is the sliding window for the broadcast cap.
	DefaultBroadcastRateWindow = time.Second

	// DefaultIdentityPath is where durable identity snapshots are persisted.
	DefaultIdentityPath = "identity.snap"
	// DefaultIdentityFlushInterval controls how often dirty identity state is flushed.
	DefaultIdentityFlushInterval = 30 * time.Second

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "remote.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the remote pairing broker.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64

	PingInterval  time.Duration
	PongTimeout   time.Duration
	SweepInterval time.Duration

	CodeLength      int
	CodeTTL         time.Duration
	CodeMaxAttempts int

	PrecacheTTL time.Duration
	GroupExpiry time.Duration

	RegistryBackend string
	RedisAddr       string
	RedisPassword   string

	BroadcastRateLimit  int
	BroadcastRateWindow time.Duration

	IdentityPath          string
	IdentityFlushInterval time.Duration

	TLSCertPath string
	TLSKeyPath  string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the broker configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("REMOTE_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("REMOTE_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,

		PingInterval:  DefaultPingInterval,
		PongTimeout:   DefaultPongTimeout,
		SweepInterval: DefaultSweepInterval,

		CodeLength:      DefaultCodeLength,
		CodeTTL:         DefaultCodeTTL,
		CodeMaxAttempts: DefaultCodeMaxAttempts,

		PrecacheTTL: DefaultPrecacheTTL,
		GroupExpiry: DefaultGroupExpiry,

		RegistryBackend: strings.ToLower(getString("REMOTE_REGISTRY_BACKEND", DefaultRegistryBackend)),
		RedisAddr:       strings.TrimSpace(os.Getenv("REMOTE_REDIS_ADDR")),
		RedisPassword:   os.Getenv("REMOTE_REDIS_PASSWORD"),

		BroadcastRateLimit:  DefaultBroadcastRateLimit,
		BroadcastRateWindow: DefaultBroadcastRateWindow,

		IdentityPath:          getString("REMOTE_IDENTITY_PATH", DefaultIdentityPath),
		IdentityFlushInterval: DefaultIdentityFlushInterval,

		TLSCertPath: strings.TrimSpace(os.Getenv("REMOTE_TLS_CERT")),
		TLSKeyPath:  strings.TrimSpace(os.Getenv("REMOTE_TLS_KEY")),

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("REMOTE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("REMOTE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("REMOTE_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REMOTE_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	for _, override := range []struct {
		env    string
		target *time.Duration
	}{
		{"REMOTE_PING_INTERVAL", &cfg.PingInterval},
		{"REMOTE_PONG_TIMEOUT", &cfg.PongTimeout},
		{"REMOTE_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"REMOTE_CODE_TTL", &cfg.CodeTTL},
		{"REMOTE_PRECACHE_TTL", &cfg.PrecacheTTL},
		{"REMOTE_GROUP_EXPIRY", &cfg.GroupExpiry},
		{"REMOTE_IDENTITY_FLUSH_INTERVAL", &cfg.IdentityFlushInterval},
		{"REMOTE_BROADCAST_RATE_WINDOW", &cfg.BroadcastRateWindow},
	} {
		raw := strings.TrimSpace(os.Getenv(override.env))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", override.env, raw))
		} else {
			*override.target = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REMOTE_CODE_LENGTH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 4 {
			problems = append(problems, fmt.Sprintf("REMOTE_CODE_LENGTH must be an integer of at least 4, got %q", raw))
		} else {
			cfg.CodeLength = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REMOTE_CODE_MAX_ATTEMPTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REMOTE_CODE_MAX_ATTEMPTS must be a positive integer, got %q", raw))
		} else {
			cfg.CodeMaxAttempts = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REMOTE_BROADCAST_RATE_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("REMOTE_BROADCAST_RATE_LIMIT must be a non-negative integer, got %q", raw))
		} else {
			cfg.BroadcastRateLimit = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REMOTE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REMOTE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REMOTE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("REMOTE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REMOTE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("REMOTE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REMOTE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("REMOTE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	switch cfg.RegistryBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			problems = append(problems, "REMOTE_REDIS_ADDR must be set when REMOTE_REGISTRY_BACKEND is redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("REMOTE_REGISTRY_BACKEND must be memory or redis, got %q", cfg.RegistryBackend))
	}

	if cfg.PongTimeout <= cfg.PingInterval {
		problems = append(problems, "REMOTE_PONG_TIMEOUT must exceed REMOTE_PING_INTERVAL")
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "REMOTE_TLS_CERT and REMOTE_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
