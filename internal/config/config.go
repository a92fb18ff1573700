package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":8080"
	// DefaultBackendBaseURL points at the advert backend consuming presence updates.
	DefaultBackendBaseURL = "https://cjtronics.tushcode.com"
	// DefaultBackendTimeout bounds each best-effort backend call.
	DefaultBackendTimeout = 10 * time.Second
	// DefaultPingInterval is the pause between an acknowledged ping and the next one.
	DefaultPingInterval = 10 * time.Second
	// DefaultPingTimeout is how long a device may leave a ping unanswered.
	DefaultPingTimeout = 20 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"

	// DefaultJournalFlushWindow bounds how frequently journal flushes may be requested.
	DefaultJournalFlushWindow = time.Minute
	// DefaultJournalFlushBurst sets how many flush requests may be made per window.
	DefaultJournalFlushBurst = 1
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address            string
	BackendBaseURL     string
	BackendTimeout     time.Duration
	PingInterval       time.Duration
	PingTimeout        time.Duration
	MaxPayloadBytes    int64
	LogLevel           string
	TLSCertPath        string
	TLSKeyPath         string
	AdminToken         string
	JournalDir         string
	JournalFlushWindow time.Duration
	JournalFlushBurst  int
}

// Load reads the relay configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:            getString("RELAY_ADDR", DefaultAddr),
		BackendBaseURL:     getString("RELAY_BACKEND_URL", DefaultBackendBaseURL),
		BackendTimeout:     DefaultBackendTimeout,
		PingInterval:       DefaultPingInterval,
		PingTimeout:        DefaultPingTimeout,
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		LogLevel:           getString("RELAY_LOG_LEVEL", DefaultLogLevel),
		TLSCertPath:        strings.TrimSpace(os.Getenv("RELAY_TLS_CERT")),
		TLSKeyPath:         strings.TrimSpace(os.Getenv("RELAY_TLS_KEY")),
		AdminToken:         strings.TrimSpace(os.Getenv("RELAY_ADMIN_TOKEN")),
		JournalDir:         strings.TrimSpace(os.Getenv("RELAY_JOURNAL_DIR")),
		JournalFlushWindow: DefaultJournalFlushWindow,
		JournalFlushBurst:  DefaultJournalFlushBurst,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("RELAY_PORT")); raw != "" {
		// Legacy deployments configure a bare port number instead of an address.
		if value, err := strconv.Atoi(raw); err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("RELAY_PORT must be a valid TCP port, got %q", raw))
		} else if strings.TrimSpace(os.Getenv("RELAY_ADDR")) == "" {
			cfg.Address = fmt.Sprintf(":%d", value)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_BACKEND_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_BACKEND_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.BackendTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_PING_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_PING_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.PingTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_JOURNAL_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_JOURNAL_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.JournalFlushWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_JOURNAL_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_JOURNAL_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.JournalFlushBurst = value
		}
	}

	if cfg.BackendBaseURL == "" || !strings.Contains(cfg.BackendBaseURL, "://") {
		problems = append(problems, fmt.Sprintf("RELAY_BACKEND_URL must be an absolute URL, got %q", cfg.BackendBaseURL))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "RELAY_TLS_CERT and RELAY_TLS_KEY must be provided together")
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
