package logger

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. Component loggers derived from it through
// GetZerolog or With share its level, so SetLevel reaches them too.
type Logger struct {
	logger   zerolog.Logger
	gate     *levelGate
	file     io.WriteCloser
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	File       string `json:"file" mapstructure:"file"`               // log file path
	Console    bool   `json:"console" mapstructure:"console"`         // enable console output
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`           // pretty format for console
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`     // enable sensitive data redaction
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // MB per file before rotation, 0 disables rotation
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // days to keep rotated files
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // rotated files to keep, 0 keeps all
	Compress   bool   `json:"compress" mapstructure:"compress"`       // gzip rotated files

	// Secrets are literal values scrubbed from every line when Redaction
	// is on. They come from the loaded config, never from the file itself.
	Secrets []string `json:"-" mapstructure:"-"`
}

// levelGate drops events below a level that can change at runtime. zerolog
// hands it the level of each event through WriteLevel.
type levelGate struct {
	out   io.Writer
	level atomic.Int32
}

func (g *levelGate) Write(p []byte) (int, error) {
	return g.out.Write(p)
}

func (g *levelGate) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.Level(g.level.Load()) {
		return len(p), nil
	}
	return g.out.Write(p)
}

// New creates a logger writing to the console (stderr, since stdout carries
// command output) and/or a file, optionally rotated and redacted.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(cfg.Pretty))
	}

	var file io.WriteCloser
	if cfg.File != "" {
		if file, err = openLogFile(cfg); err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = io.Discard
	case 1:
		out = sinks[0]
	default:
		out = io.MultiWriter(sinks...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		redactor.AddSecrets(cfg.Secrets...)
		out = redactor.Wrap(out)
	}

	gate := &levelGate{out: out}
	gate.level.Store(int32(level))

	logger := zerolog.New(gate).
		Level(zerolog.TraceLevel).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	return &Logger{
		logger:   logger,
		gate:     gate,
		file:     file,
		redactor: redactor,
	}, nil
}

func consoleWriter(pretty bool) io.Writer {
	if !pretty {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Debug() *zerolog.Event {
	return l.logger.Debug()
}

func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

func (l *Logger) Warn() *zerolog.Event {
	return l.logger.Warn()
}

func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal() *zerolog.Event {
	return l.logger.Fatal()
}

// With creates a child logger with additional context
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// Level returns the current minimum level.
func (l *Logger) Level() zerolog.Level {
	return zerolog.Level(l.gate.level.Load())
}

// SetLevel changes the minimum level of subsequent events, for this logger
// and every logger derived from it.
func (l *Logger) SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if parsed == zerolog.NoLevel {
		return fmt.Errorf("invalid log level %q", level)
	}
	l.gate.level.Store(int32(parsed))
	return nil
}

// AddSecrets scrubs more literal values from subsequent lines. It is a
// no-op when redaction is off.
func (l *Logger) AddSecrets(secrets ...string) {
	if l.redactor != nil {
		l.redactor.AddSecrets(secrets...)
	}
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     false,
		Redaction:  true,
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 5,
		Compress:   true,
	}
}
