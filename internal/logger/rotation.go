package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// openLogFile opens the file sink described by cfg. With MaxSize set the
// file rotates through lumberjack once it grows past MaxSize megabytes;
// rotated files are named after the log with a timestamp, gzipped when
// Compress is on, and pruned by MaxAge and MaxBackups.
func openLogFile(cfg Config) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if cfg.MaxSize <= 0 {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return file, nil
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

// Rotate closes the current log file and starts a new one, as after a
// SIGHUP from logrotate. Without a rotating file sink it does nothing.
func (l *Logger) Rotate() error {
	rotator, ok := l.file.(interface{ Rotate() error })
	if !ok {
		return nil
	}
	if err := rotator.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return nil
}
