package quest

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashida/shopquest/internal/domain"
)

// waitForLogLines polls until the NDJSON file holds at least n lines; the
// logger's worker writes asynchronously.
func waitForLogLines(t *testing.T, path string, n int) []TranscriptLogEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if events := readLogLines(t, path); len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d log lines in %s", n, path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readLogLines(t *testing.T, path string) []TranscriptLogEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("failed to open log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	var events []TranscriptLogEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev TranscriptLogEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("invalid NDJSON line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestTranscriptLoggerWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	l, err := NewTranscriptLogger(TranscriptLogConfig{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("NewTranscriptLogger: %v", err)
	}
	defer func() { _ = l.Close() }()

	msg := domain.SystemMessage("Hey, are you at the store yet?")
	l.Record(Event{
		Type:      EventMessage,
		UserID:    "anon_user",
		SessionID: "tab1",
		Message:   &msg,
	})
	l.Record(Event{
		Type:      EventStage,
		UserID:    "anon_user",
		SessionID: "tab1",
		Stage:     domain.StageInquiry,
	})

	path := filepath.Join(dir, "anon_user", "tab1.ndjson")
	events := waitForLogLines(t, path, 2)

	if events[0].EventType != string(EventMessage) {
		t.Errorf("first event type: got %q", events[0].EventType)
	}
	if events[0].Speaker != string(domain.SpeakerSystem) || events[0].Text != msg.Text {
		t.Errorf("first event payload: %+v", events[0])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp must be stamped on enqueue")
	}
	if events[1].EventType != string(EventStage) || events[1].Stage != string(domain.StageInquiry) {
		t.Errorf("second event payload: %+v", events[1])
	}
}

func TestTranscriptLoggerSeparatesSessions(t *testing.T) {
	dir := t.TempDir()
	l, err := NewTranscriptLogger(TranscriptLogConfig{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("NewTranscriptLogger: %v", err)
	}
	defer func() { _ = l.Close() }()

	for _, sid := range []string{"tab1", "tab2"} {
		l.Log(TranscriptLogEvent{UserID: "u1", SessionID: sid, EventType: "message"})
	}

	waitForLogLines(t, filepath.Join(dir, "u1", "tab1.ndjson"), 1)
	waitForLogLines(t, filepath.Join(dir, "u1", "tab2.ndjson"), 1)
}

func TestTranscriptLoggerSanitizesIDs(t *testing.T) {
	dir := t.TempDir()
	l, err := NewTranscriptLogger(TranscriptLogConfig{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("NewTranscriptLogger: %v", err)
	}
	defer func() { _ = l.Close() }()

	l.Log(TranscriptLogEvent{UserID: "../evil", SessionID: "a/b", EventType: "message"})

	waitForLogLines(t, filepath.Join(dir, "___evil", "a_b.ndjson"), 1)
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "evil")); !os.IsNotExist(err) {
		t.Error("log path escaped the configured directory")
	}
}

func TestTranscriptLoggerDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	l, err := NewTranscriptLogger(TranscriptLogConfig{Enabled: false, Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewTranscriptLogger: %v", err)
	}

	l.Log(TranscriptLogEvent{UserID: "u1", SessionID: "tab1", EventType: "message"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close on disabled logger: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("disabled logger must not write files, found %d entries", len(entries))
	}
}
