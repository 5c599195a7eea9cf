package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// Event is one line in a run's append-only event log. Every line is
// self-contained: it carries the run id and timestamp so a single line is
// meaningful without its neighbors.
type Event struct {
	Sequence  int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	RunID     string         `json:"run_id"`
	Kind      string         `json:"kind"`
	State     string         `json:"state,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log is an append-only JSONL event log for a single run.
//
// Appends are synchronous: the line is written and flushed before Append
// returns, so the log is complete up to the current moment even if the
// process dies. Each event is written as exactly one line.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
	seq  int64
}

// Open creates (or reopens for append) the event log for runID under dir.
// Reopening continues the sequence from the last persisted line.
func Open(dir, runID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	path := filepath.Join(dir, runID+".events.jsonl")

	seq, err := lastSequence(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &Log{f: f, path: path, seq: seq}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes one event as a single JSON line and syncs it to disk.
// The sequence number and timestamp are assigned here.
func (l *Log) Append(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	event.Sequence = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		l.seq--
		return schema.NewError(schema.ErrCodeStore, "marshal event").WithCause(err)
	}

	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return schema.NewError(schema.ErrCodeStore, "append event").WithCause(err)
	}
	if err := l.f.Sync(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "sync event log").WithCause(err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Read returns all events with sequence > since, in order. Sequence gaps
// are an error: the log is the authoritative record and a gap means lost
// history.
func Read(dir, runID string, since int64) ([]*Event, error) {
	path := filepath.Join(dir, runID+".events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []*Event
	expected := int64(1)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"corrupt event log line %d in %s", expected, path).WithCause(err)
		}
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
		expected++
		if e.Sequence > since {
			events = append(events, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

// lastSequence reads the trailing sequence number from an existing log file.
func lastSequence(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // a torn trailing line does not poison reopening
		}
		last = e.Sequence
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan event log: %w", err)
	}
	return last, nil
}
