// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lwm2m holds the service-wide configuration shared by the
// command and the transport listeners.
package lwm2m

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every variable read by the command.
const EnvPrefix = "LWM2M_"

// Config is parsed from the environment.
type Config struct {
	Host    string `env:"COAP_HOST"     envDefault:""`
	Port    string `env:"COAP_PORT"     envDefault:"5683"`
	TCPPort string `env:"COAP_TCP_PORT" envDefault:""`

	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT"  envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Workers         int           `env:"WORKERS"          envDefault:"16"`
	MaxSessions     int           `env:"MAX_SESSIONS"     envDefault:"0"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"0"`

	BlockSize      int           `env:"BLOCK_SIZE"       envDefault:"1024"`
	MaxMessageSize int           `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`
	AckTimeout     time.Duration `env:"ACK_TIMEOUT"      envDefault:"2s"`
	MaxRetransmit  int           `env:"MAX_RETRANSMIT"   envDefault:"4"`

	RDStateDir          string        `env:"RD_STATE_DIR"          envDefault:"./rd-state"`
	RDDefaultTTL        time.Duration `env:"RD_DEFAULT_TTL"        envDefault:"24h"`
	RDExpireInterval    time.Duration `env:"RD_EXPIRE_INTERVAL"    envDefault:"1m"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	ObjectsFile string `env:"OBJECTS_FILE" envDefault:""`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  string `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	RateCapacity int64   `env:"RATE_CAPACITY" envDefault:"100"`
	RateRefill   float64 `env:"RATE_REFILL"   envDefault:"20"`
}

// NewConfig parses the environment using the given options. An empty
// prefix selects EnvPrefix.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

// UDPAddress returns the datagram listen address, or "" when disabled.
func (c Config) UDPAddress() string {
	if c.Port == "" {
		return ""
	}
	return net.JoinHostPort(c.Host, c.Port)
}

// TCPAddress returns the stream listen address, or "" when disabled.
func (c Config) TCPAddress() string {
	if c.TCPPort == "" {
		return ""
	}
	return net.JoinHostPort(c.Host, c.TCPPort)
}

// RateLimited reports whether per-peer rate limiting is enabled.
func (c Config) RateLimited() bool {
	return c.RateCapacity > 0 && c.RateRefill > 0
}

// Level returns the slog level named by LogLevel, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
