package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/config"
)

// NewLogger builds a logger writing to w and, when cfg.File is set, to that
// file as JSON lines. The returned closer releases the file.
func NewLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, func() error, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var out io.Writer = w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f.Close
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// Setup installs the configured logger as the global zerolog logger.
func Setup(cfg config.LogConfig) (func() error, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger, closer, err := NewLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(logger.GetLevel())
	log.Logger = logger
	return closer, nil
}
