// Package config collects the server's tunables. Values come from docopt
// flags first, then environment variables, then Default.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codeshare/internal/advisory"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

type Config struct {
	Port      int
	DBPath    string
	RedisAddr string // empty disables the room mirror

	LogLevel  string
	LogFormat string // "console" or "json"

	PingInterval      time.Duration
	PongTimeout       time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
	MaxViolations     int
	EditingWindow     time.Duration

	RoomIdleAfter   time.Duration
	SweepInterval   time.Duration
	HistoryKeep     int
	ShutdownTimeout time.Duration
}

func Default() Config {
	wsOpts := ws.DefaultOptions()
	return Config{
		Port:              8080,
		DBPath:            "./data/codeshare.db",
		LogLevel:          "info",
		LogFormat:         "console",
		PingInterval:      wsOpts.PingInterval,
		PongTimeout:       wsOpts.PongTimeout,
		MaxMessageSize:    wsOpts.MaxMessageSize,
		MessagesPerSecond: wsOpts.MessagesPerSecond,
		MessageBurst:      wsOpts.MessageBurst,
		MaxViolations:     wsOpts.MaxViolations,
		EditingWindow:     advisory.DefaultEditingWindow,
		RoomIdleAfter:     10 * time.Minute,
		SweepInterval:     time.Minute,
		HistoryKeep:       50,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load overlays opts and then getenv onto Default. A flag wins over its
// environment variable.
func Load(opts docopt.Opts, getenv func(string) string) (Config, error) {
	cfg := Default()
	lookup := func(flag, env string) string {
		if v, err := opts.String(flag); err == nil && v != "" {
			return v
		}
		if env != "" {
			return getenv(env)
		}
		return ""
	}

	if v := lookup("--port", "PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid port %q", v)
		}
		cfg.Port = port
	}
	if v := lookup("--db", "CODESHARE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := lookup("--redis", "REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := lookup("--log-level", "LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := lookup("--log-format", "LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	durations := []struct {
		flag string
		dst  *time.Duration
	}{
		{"--ping-interval", &cfg.PingInterval},
		{"--pong-timeout", &cfg.PongTimeout},
		{"--room-idle", &cfg.RoomIdleAfter},
		{"--sweep-interval", &cfg.SweepInterval},
	}
	for _, d := range durations {
		v := lookup(d.flag, "")
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return cfg, fmt.Errorf("invalid %s %q", d.flag, v)
		}
		*d.dst = parsed
	}

	if v := lookup("--history-keep", ""); v != "" {
		keep, err := strconv.Atoi(v)
		if err != nil || keep < 1 {
			return cfg, fmt.Errorf("invalid --history-keep %q", v)
		}
		cfg.HistoryKeep = keep
	}

	if _, err := cfg.Level(); err != nil {
		return cfg, err
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return cfg, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func (c Config) Level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// HubOptions maps the connection tunables onto ws.Options.
func (c Config) HubOptions() ws.Options {
	opts := ws.DefaultOptions()
	opts.PingInterval = c.PingInterval
	opts.PongTimeout = c.PongTimeout
	opts.MaxMessageSize = c.MaxMessageSize
	opts.MessagesPerSecond = c.MessagesPerSecond
	opts.MessageBurst = c.MessageBurst
	opts.MaxViolations = c.MaxViolations
	opts.EditingWindow = c.EditingWindow
	return opts
}
