// Package logging builds the zerolog loggers handed to the coordinator and
// agent.
package logging

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "BMSNET_LOG_LEVEL"
	EnvLogFormat  = "BMSNET_LOG_FORMAT"
	EnvLogNoColor = "BMSNET_LOG_NOCOLOR"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects level, output format and optional syslog forwarding.
type Config struct {
	Level   string `yaml:"level" toml:"level"`
	Format  string `yaml:"format" toml:"format"`
	NoColor bool   `yaml:"no_color" toml:"no_color"`
	// Syslog is a UDP "host:port" receiving RFC 3164 records (facility user).
	Syslog string `yaml:"syslog,omitempty" toml:"syslog"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole}
}

// ApplyEnv overrides cfg from BMSNET_LOG_* variables.
func ApplyEnv(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		if _, ok := parseLevel(raw); ok {
			cfg.Level = raw
		}
	}
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))); raw == FormatConsole || raw == FormatJSON {
		cfg.Format = raw
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// New returns a logger tagged with app. out defaults to stderr. The returned
// closer releases the syslog connection, if any.
func New(app string, cfg Config, out io.Writer) (zerolog.Logger, io.Closer, error) {
	if out == nil {
		out = os.Stderr
	}
	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	var primary io.Writer = out
	if cfg.Format != FormatJSON {
		primary = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}

	var closer io.Closer = nopCloser{}
	writer := primary
	if cfg.Syslog != "" {
		sw, err := syslog.Dial("udp", cfg.Syslog, syslog.LOG_USER|syslog.LOG_INFO, app)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("syslog %s: %w", cfg.Syslog, err)
		}
		writer = zerolog.MultiLevelWriter(primary, zerolog.SyslogLevelWriter(sw))
		closer = sw
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Str("app", app).Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
