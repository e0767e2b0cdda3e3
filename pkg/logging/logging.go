package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Settings configures the global zerolog logger.
type Settings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	WithCaller bool   `yaml:"with-caller"`
}

// Init configures the global logger: console writer when stderr is a
// terminal, plain JSON otherwise, optionally teeing into a rotating
// file sink.
func Init(s Settings) error {
	level := zerolog.InfoLevel
	if trimmed := strings.ToLower(strings.TrimSpace(s.Level)); trimmed != "" {
		parsed, err := zerolog.ParseLevel(trimmed)
		if err != nil {
			return errors.Wrapf(err, "logging: invalid level %q", s.Level)
		}
		level = parsed
	}

	var sinks []io.Writer
	if isatty.IsTerminal(os.Stderr.Fd()) {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		sinks = append(sinks, os.Stderr)
	}
	if s.File != "" {
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(level).With().Timestamp()
	if s.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return nil
}
