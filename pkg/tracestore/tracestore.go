// Package tracestore persists one record per top-level invocation.
//
// The kernel writes a trace after each invoke settles, success or
// failure; the query layer serves the `invocations` projection from it.
// Traces are observability data, not world state: they are not part of
// checkpoints and a lost trace store never affects settlement.
package tracestore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("trace store is closed")

// NestedCall is one inner invocation inside a top-level call, in the
// order the artifact's code issued it.
type NestedCall struct {
	ArtifactID string  `json:"artifact_id"`
	Method     string  `json:"method"`
	Depth      int     `json:"depth"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
	CPUSeconds float64 `json:"cpu_seconds"`
}

// Trace is the full record of one top-level invocation.
type Trace struct {
	RunID       string       `json:"run_id"`
	EventNumber uint64       `json:"event_number"`
	Caller      string       `json:"caller"`
	ArtifactID  string       `json:"artifact_id"`
	Method      string       `json:"method"`
	Success     bool         `json:"success"`
	ErrorCode   string       `json:"error_code,omitempty"`
	PricePaid   int64        `json:"price_paid"`
	Payer       string       `json:"payer"`
	CPUSeconds  float64      `json:"cpu_seconds"`
	WallSeconds float64      `json:"wall_seconds"`
	Nested      []NestedCall `json:"nested,omitempty"`
	RecordedAt  time.Time    `json:"recorded_at"`
}

// Store persists and serves invocation traces.
type Store interface {
	Record(ctx context.Context, tr Trace) error
	ByArtifact(ctx context.Context, artifactID string, limit int) ([]Trace, error)
	ByInvoker(ctx context.Context, caller string, limit int) ([]Trace, error)
	Close() error
}

// MemoryStore keeps traces in process memory. Used in tests and when no
// trace backend is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	traces []Trace
	cap    int
	closed bool
}

// NewMemoryStore creates a bounded in-memory store. cap <= 0 means
// unbounded.
func NewMemoryStore(cap int) *MemoryStore {
	return &MemoryStore{cap: cap}
}

// Record appends a trace, evicting the oldest past the bound.
func (s *MemoryStore) Record(_ context.Context, tr Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.traces = append(s.traces, tr)
	if s.cap > 0 && len(s.traces) > s.cap {
		s.traces = s.traces[len(s.traces)-s.cap:]
	}
	return nil
}

// ByArtifact returns traces targeting the artifact, newest first.
func (s *MemoryStore) ByArtifact(_ context.Context, artifactID string, limit int) ([]Trace, error) {
	return s.filter(func(tr Trace) bool { return tr.ArtifactID == artifactID }, limit)
}

// ByInvoker returns traces issued by the caller, newest first.
func (s *MemoryStore) ByInvoker(_ context.Context, caller string, limit int) ([]Trace, error) {
	return s.filter(func(tr Trace) bool { return tr.Caller == caller }, limit)
}

func (s *MemoryStore) filter(keep func(Trace) bool, limit int) ([]Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Trace
	for i := len(s.traces) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if keep(s.traces[i]) {
			out = append(out, s.traces[i])
		}
	}
	return out, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
