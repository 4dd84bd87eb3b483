// Package logging writes structured diagnostics to .procman/logs/procman.log
// so failures can be inspected after the process exits.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/procman/internal/config"
)

// Logger is a logrus logger bound to a log file.
type Logger struct {
	*logrus.Logger
	file *os.File
}

// New creates (or reuses) the log file for the project directory.
func New(projectDir string, level logrus.Level) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.ProcmanDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "procman.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{Logger: newLogrus(f, level), file: f}, nil
}

// NewWriter logs to w, typically stderr or a test buffer.
func NewWriter(w io.Writer, level logrus.Level) *Logger {
	return &Logger{Logger: newLogrus(w, level)}
}

// Discard returns a logger that drops every entry.
func Discard() *Logger {
	return NewWriter(io.Discard, logrus.PanicLevel)
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func newLogrus(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	return log
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Discard()
	}
	return log
}
