// Package events records session lifecycle operations as JSON lines.
// The log is strictly fire-and-forget: a write failure is logged and
// swallowed, and must never affect session state or block a caller.
package events

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one lifecycle event.
type Record struct {
	Timestamp string `json:"timestamp"`
	Session   string `json:"session"`
	Operation string `json:"operation"` // start, stop, destroy, attach, detach, degrade, audit
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Log appends lifecycle records to a JSONL file.
type Log struct {
	writer io.WriteCloser
	logger *log.Logger
	mu     sync.Mutex
}

// NewLog opens (or creates) the event log at path. An empty path
// disables event logging entirely.
func NewLog(path string, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(os.Stdout, "[events] ", log.LstdFlags|log.Lmsgprefix)
	}
	if path == "" {
		return &Log{logger: logger}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Printf("warning: event log directory: %v (event logging disabled)", err)
		return &Log{logger: logger}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Printf("warning: open event log: %v (event logging disabled)", err)
		return &Log{logger: logger}
	}
	return &Log{writer: file, logger: logger}
}

// Emit appends a record. It never returns an error and never blocks on
// anything but the local write itself.
func (l *Log) Emit(rec Record) {
	if l == nil || l.writer == nil {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		l.logger.Printf("warning: marshal event: %v", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.writer.Write(data)
	l.mu.Unlock()
	if err != nil {
		l.logger.Printf("warning: write event: %v", err)
	}
}

// Close closes the underlying file, if any.
func (l *Log) Close() {
	if l == nil || l.writer == nil {
		return
	}
	if err := l.writer.Close(); err != nil {
		l.logger.Printf("warning: close event log: %v", err)
	}
}
