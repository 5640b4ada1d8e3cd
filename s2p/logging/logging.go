// Package logging builds the zerolog loggers used by s2p hosts and tools.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvLevel  = "S2P_LOG_LEVEL"
	EnvFormat = "S2P_LOG_FORMAT"

	FormatConsole = "console"
	FormatJSON    = "json"
)

var ErrInvalidConfig = errors.New("logging: invalid config")

// Config selects level, output format and an optional rotated log file.
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File, when set, receives JSON lines in addition to Out.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`

	// Out defaults to stdout.
	Out io.Writer `toml:"-"`
}

func Default() Config {
	return Config{
		Level:      "info",
		Format:     FormatConsole,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// WithEnv applies S2P_LOG_LEVEL and S2P_LOG_FORMAT from getenv.
func (c Config) WithEnv(getenv func(string) string) Config {
	if v := strings.TrimSpace(getenv(EnvLevel)); v != "" {
		c.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvFormat)); v != "" {
		c.Format = v
	}
	return c
}

func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("%w: format %q", ErrInvalidConfig, c.Format)
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("%w: negative rotation limit", ErrInvalidConfig)
	}
	return nil
}

func parseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: level %q", ErrInvalidConfig, s)
	}
	return lvl, nil
}

// New returns a logger tagged with app. The returned Closer releases the
// log file, if any.
func New(app string, cfg Config) (zerolog.Logger, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	lvl, _ := parseLevel(cfg.Level)

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if !strings.EqualFold(cfg.Format, FormatJSON) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger()
	return logger, closer, nil
}

// Init builds the logger like New, with environment overrides applied, and
// installs it as the global zerolog logger.
func Init(app string, cfg Config) (zerolog.Logger, io.Closer, error) {
	logger, closer, err := New(app, cfg.WithEnv(os.Getenv))
	if err != nil {
		return logger, closer, err
	}
	log.Logger = logger
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
