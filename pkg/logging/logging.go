// Package logging builds the process logger from configuration
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Supported formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	// ErrInvalidFormat is returned for formats other than text and json
	ErrInvalidFormat = errors.New("invalid log format")
)

// Config controls level, format and optional rotated file output
type Config struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"`
	// File enables rotated file output instead of stdout
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" default:"100"`
	MaxBackups int    `yaml:"maxBackups" default:"5"`
	MaxAgeDays int    `yaml:"maxAgeDays" default:"28"`
	Compress   bool   `yaml:"compress" default:"true"`
}

// Validate checks level and format
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return err
	}

	switch c.Format {
	case FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Format)
	}
}

// Configure applies cfg to log. When the log directory cannot be created the logger keeps
// writing to stdout and the error is returned alongside.
func Configure(log *logrus.Logger, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := logrus.ParseLevel(cfg.Level)
	log.SetLevel(level)

	if cfg.Format == FormatJSON {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out, err := output(cfg)
	log.SetOutput(out)

	if err != nil {
		log.WithError(err).WithField("file", cfg.File).Warn("Falling back to stdout logging")
	}

	return err
}

func output(cfg Config) (io.Writer, error) {
	if cfg.File == "" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
