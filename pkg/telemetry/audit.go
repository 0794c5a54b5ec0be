package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditLog appends events as JSON lines to a size-rotated file.
type AuditLog struct {
	mu     sync.Mutex
	path   string
	writer io.WriteCloser
}

// NewAuditLog opens the audit log described by cfg.
func NewAuditLog(cfg AuditConfig) (*AuditLog, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	return &AuditLog{
		path: cfg.Path,
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}, nil
}

// Path returns the path of the active audit file.
func (a *AuditLog) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Write appends one event.
func (a *AuditLog) Write(event Event) error {
	if a == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.writer.Write(line)
	return err
}

// Subscriber returns an EventSubscriber that writes to the audit log and
// reports write failures to logger.
func (a *AuditLog) Subscriber(logger *Logger) EventSubscriber {
	return func(event Event) {
		if err := a.Write(event); err != nil {
			logger.WithError(err).Warn("Failed to write audit event")
		}
	}
}

// Close flushes and closes the audit file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer.Close()
}

// TailAuditLog returns up to limit of the newest events in the audit file at
// path, oldest first, optionally restricted to one plan. Undecodable lines
// are skipped.
func TailAuditLog(path, planID string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if planID != "" && ev.PlanID != planID {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}
