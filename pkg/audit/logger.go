// Package audit records the append-only autoplay log: one JSON line for every
// alert-sourced request that asked for autoplay.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Reason values carried by AutoplayLine.
const (
	ReasonDisabledInProduction = "DISABLED_IN_PRODUCTION"
	ReasonAutoplayDisabled     = "AUTOPLAY_DISABLED"
	ReasonDelivered            = "DELIVERED"
	ReasonAllSinksFailed       = "ALL_SINKS_FAILED"
)

// Env describes the process settings that shaped the autoplay outcome.
type Env struct {
	AutoplayEnabled bool   `json:"autoplay_enabled"`
	EnvironmentName string `json:"environment_name"`
}

// AutoplayLine is one record of the autoplay log.
type AutoplayLine struct {
	Timestamp         time.Time `json:"timestamp"`
	Mode              string    `json:"mode"`
	Source            string    `json:"source"`
	Kind              string    `json:"kind,omitempty"`
	RequestedAutoplay bool      `json:"requested_autoplay"`
	Attempted         bool      `json:"attempted"`
	Reason            string    `json:"reason"`
	FallbackUsed      bool      `json:"fallback_used"`
	Count             int       `json:"count"`
	Env               Env       `json:"env"`
}

// Logger defines the interface for recording autoplay lines.
type Logger interface {
	Record(line AutoplayLine) error
}

// logger implements Logger, writing one JSON object per line.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

// NewFileLogger appends to <dir>/autoplay/autoplay.jsonl.
func NewFileLogger(dir string) (*FileLogger, error) {
	path := filepath.Join(dir, "autoplay", "autoplay.jsonl")
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure autoplay dir: %w", err)
	}
	//nolint:gosec // G302: readable audit log
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open autoplay log: %w", err)
	}
	return &FileLogger{logger: logger{writer: f, closer: f}, path: path}, nil
}

// FileLogger is a Logger backed by an append-only file.
type FileLogger struct {
	logger
	path string
}

// Path returns the log file location.
func (l *FileLogger) Path() string { return l.path }

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func (l *logger) Record(line AutoplayLine) error {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now().UTC()
	}
	bytes, err := json.Marshal(line)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(bytes, '\n'))
	return err
}
