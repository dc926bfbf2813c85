// Package eventlog implements the append-only JSONL journal that carries
// the world's logical clock.
//
// Every kernel effect appends exactly one event. The event_number assigned
// at append time is strictly monotonic and is the only notion of time the
// kernel exposes; wall-clock timestamps are recorded for humans, never for
// ordering. A run directory holds events.jsonl and summary.jsonl, with a
// `latest` symlink pointing at the current run; a legacy single-file mode
// (no summary) is kept for external tooling.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agora-labs/agora/pkg/canonicalize"
)

// Reserved line keys. Payload fields with these names are dropped rather
// than allowed to forge line framing.
const (
	keyTimestamp   = "timestamp"
	keyEventNumber = "event_number"
	keyEventType   = "event_type"
	keyPayloadHash = "payload_hash"
)

// EventsFileName and SummaryFileName are the fixed names inside a run dir.
const (
	EventsFileName  = "events.jsonl"
	SummaryFileName = "summary.jsonl"
	LatestLinkName  = "latest"
)

// DefaultTailSize bounds the in-memory tail served by read_recent.
const DefaultTailSize = 1024

var errClosed = errors.New("event log is closed")

// Event is one journal record. The payload is flattened into the JSON
// line next to the reserved framing keys.
type Event struct {
	Timestamp   time.Time
	EventNumber uint64
	EventType   string
	PayloadHash string
	Payload     map[string]interface{}
}

// MarshalJSON flattens the payload into the line.
func (e Event) MarshalJSON() ([]byte, error) {
	line := make(map[string]interface{}, len(e.Payload)+4)
	for k, v := range e.Payload {
		if reservedKey(k) {
			continue
		}
		line[k] = v
	}
	line[keyTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	line[keyEventNumber] = e.EventNumber
	line[keyEventType] = e.EventType
	if e.PayloadHash != "" {
		line[keyPayloadHash] = e.PayloadHash
	}
	return json.Marshal(line)
}

// UnmarshalJSON reverses the flattening. Numbers are preserved as
// json.Number so payload hashes recompute byte-identically.
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var line map[string]interface{}
	if err := dec.Decode(&line); err != nil {
		return err
	}

	ts, _ := line[keyTimestamp].(string)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("event timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed

	num, ok := line[keyEventNumber].(json.Number)
	if !ok {
		return fmt.Errorf("event missing event_number")
	}
	n, err := num.Int64()
	if err != nil || n < 0 {
		return fmt.Errorf("event_number %q not a valid counter", num)
	}
	e.EventNumber = uint64(n)

	e.EventType, _ = line[keyEventType].(string)
	if e.EventType == "" {
		return fmt.Errorf("event %d missing event_type", e.EventNumber)
	}
	e.PayloadHash, _ = line[keyPayloadHash].(string)

	delete(line, keyTimestamp)
	delete(line, keyEventNumber)
	delete(line, keyEventType)
	delete(line, keyPayloadHash)
	e.Payload = line
	return nil
}

func reservedKey(k string) bool {
	switch k {
	case keyTimestamp, keyEventNumber, keyEventType, keyPayloadHash:
		return true
	}
	return false
}

// Log is the append-only journal. The kernel is the single writer.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	runDir    string
	counter   uint64
	tail      []Event
	tailSize  int
	collector *SummaryCollector
	clock     func() time.Time
	logger    *slog.Logger
	closed    bool
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithCollector attaches a summary collector notified on every append.
func WithCollector(c *SummaryCollector) Option {
	return func(l *Log) { l.collector = c }
}

// WithTailSize overrides the in-memory tail capacity.
func WithTailSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.tailSize = n
		}
	}
}

// NewRunID returns a sortable, human-readable run directory name.
func NewRunID(now time.Time) string {
	return "run_" + now.UTC().Format("20060102_150405")
}

// NewMemoryLog creates a log with no backing file, for tests and embedded
// use.
func NewMemoryLog(opts ...Option) *Log {
	l := &Log{
		tailSize: DefaultTailSize,
		clock:    time.Now,
		logger:   slog.Default().With("component", "eventlog"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewRunLog creates root/<runID>/ with events.jsonl, points root/latest at
// it, and wires the collector's summary output into summary.jsonl when a
// collector is attached.
func NewRunLog(root, runID string, opts ...Option) (*Log, error) {
	runDir := filepath.Join(root, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create run dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(runDir, EventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open events file: %w", err)
	}

	l := NewMemoryLog(opts...)
	l.file = f
	l.runDir = runDir

	if l.collector != nil && l.collector.out == nil {
		sf, err := os.OpenFile(filepath.Join(runDir, SummaryFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("eventlog: open summary file: %w", err)
		}
		l.collector.out = sf
		l.collector.ownsOut = true
	}

	updateLatestLink(root, runID, l.logger)
	return l, nil
}

// NewSingleFileLog opens the legacy mode: one JSONL file, no run dir, no
// summary.
func NewSingleFileLog(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open log file: %w", err)
	}
	l := NewMemoryLog(opts...)
	l.file = f
	return l, nil
}

func updateLatestLink(root, runID string, logger *slog.Logger) {
	link := filepath.Join(root, LatestLinkName)
	_ = os.Remove(link)
	if err := os.Symlink(runID, link); err != nil {
		// Non-fatal: some filesystems refuse symlinks.
		logger.Warn("could not update latest symlink", "root", root, "error", err)
	}
}

// Append stamps and journals one event, returning it with its assigned
// event_number. The payload hash covers the canonical form of the payload
// alone, so verification tooling can recompute it from the line.
func (l *Log) Append(eventType string, payload map[string]interface{}) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, errClosed
	}

	// Strip reserved framing keys before hashing so the hash matches what
	// verification recomputes from the written line.
	for k := range payload {
		if reservedKey(k) {
			delete(payload, k)
		}
	}

	hash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: hash payload for %s: %w", eventType, err)
	}

	l.counter++
	ev := Event{
		Timestamp:   l.clock().UTC(),
		EventNumber: l.counter,
		EventType:   eventType,
		PayloadHash: hash,
		Payload:     payload,
	}

	if l.file != nil {
		line, err := json.Marshal(ev)
		if err != nil {
			l.counter--
			return Event{}, fmt.Errorf("eventlog: marshal event %s: %w", eventType, err)
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			l.counter--
			return Event{}, fmt.Errorf("eventlog: write event %s: %w", eventType, err)
		}
	}

	l.tail = append(l.tail, ev)
	if len(l.tail) > l.tailSize {
		l.tail = l.tail[len(l.tail)-l.tailSize:]
	}

	if l.collector != nil {
		l.collector.observe(ev)
	}
	return ev, nil
}

// CurrentNumber returns the highest assigned event number.
func (l *Log) CurrentNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// SetCounter moves the counter to the restored logical clock. Restoring
// an earlier checkpoint rewinds it; diverged tail entries past the mark
// are dropped so read_recent agrees with the restored state.
func (l *Log) SetCounter(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < l.counter {
		for len(l.tail) > 0 && l.tail[len(l.tail)-1].EventNumber > n {
			l.tail = l.tail[:len(l.tail)-1]
		}
	}
	l.counter = n
}

// ReadRecent returns up to n most recent events, oldest first. Served
// from the bounded in-memory tail.
func (l *Log) ReadRecent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || len(l.tail) == 0 {
		return nil
	}
	if n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]Event, n)
	copy(out, l.tail[len(l.tail)-n:])
	return out
}

// ReadRecentByType filters the tail by event type, oldest first.
func (l *Log) ReadRecentByType(eventType string, n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := len(l.tail) - 1; i >= 0 && len(out) < n; i-- {
		if l.tail[i].EventType == eventType {
			out = append(out, l.tail[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventNumber < out[j].EventNumber })
	return out
}

// RunDir returns the run directory, or "" in memory/legacy modes.
func (l *Log) RunDir() string { return l.runDir }

// Collector returns the summary collector, or nil when none is attached.
func (l *Log) Collector() *SummaryCollector { return l.collector }

// Close flushes the collector and closes the backing files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	if l.collector != nil {
		if err := l.collector.Close(); err != nil {
			firstErr = err
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
