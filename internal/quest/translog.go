package quest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TranscriptLogConfig controls NDJSON transcript logging.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TranscriptLogEvent is one NDJSON line of a quest transcript log.
type TranscriptLogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Speaker   string    `json:"speaker,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Text      string    `json:"text,omitempty"`
}

// TranscriptLogger appends quest events to per-session NDJSON files under
// Dir/<user>/<session>.ndjson. Writes go through a bounded queue serviced
// by a single worker so logging never blocks a transition; when the queue
// is full the event is dropped with a warning.
type TranscriptLogger struct {
	cfg    TranscriptLogConfig
	logger *slog.Logger

	queue chan TranscriptLogEvent
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewTranscriptLogger creates the logger and starts its worker. A disabled
// config yields a no-op logger.
func NewTranscriptLogger(cfg TranscriptLogConfig, logger *slog.Logger) (*TranscriptLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &TranscriptLogger{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return l, nil
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
		l.cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript log dir: %w", err)
	}

	l.queue = make(chan TranscriptLogEvent, cfg.QueueSize)
	l.wg.Add(1)
	go l.worker()
	return l, nil
}

// Log enqueues one event. Non-blocking; drops when the queue is full.
func (l *TranscriptLogger) Log(event TranscriptLogEvent) {
	if l.queue == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("transcript log queue full, dropping event",
			"user_id", event.UserID,
			"session_id", event.SessionID)
	}
}

// Record converts a quest event into a log entry and enqueues it.
func (l *TranscriptLogger) Record(ev Event) {
	entry := TranscriptLogEvent{
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		EventType: string(ev.Type),
		Stage:     string(ev.Stage),
	}
	if ev.Message != nil {
		entry.Speaker = string(ev.Message.Speaker)
		entry.Text = ev.Message.Text
	}
	l.Log(entry)
}

// Close drains the queue and stops the worker.
func (l *TranscriptLogger) Close() error {
	if l.queue == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.queue)
	})
	l.wg.Wait()
	return nil
}

func (l *TranscriptLogger) worker() {
	defer l.wg.Done()
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("failed to write transcript log line",
				"user_id", event.UserID,
				"session_id", event.SessionID,
				"error", err)
		}
	}
}

func (l *TranscriptLogger) write(event TranscriptLogEvent) error {
	dir := filepath.Join(l.cfg.Dir, sanitizePathComponent(event.UserID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create user log dir: %w", err)
	}

	path := filepath.Join(dir, sanitizePathComponent(event.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

// sanitizePathComponent keeps IDs from escaping the log directory.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
