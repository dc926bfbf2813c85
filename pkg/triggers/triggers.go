// Package triggers queues artifact invocations in response to events.
//
// Triggers are artifacts of type trigger whose metadata declares either
// an event filter or a scheduled event number. Matching and scheduling
// only ever queue work: pending invocations are drained by the kernel
// between top-level actions, never executed re-entrantly, and they run
// as the trigger's owner so the owner pays and is accountable.
package triggers

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/agora-labs/agora/pkg/artifacts"
)

// Metadata keys a trigger artifact is read through.
const (
	MetaFilter            = "filter"
	MetaCallbackArtifact  = "callback_artifact"
	MetaCallbackMethod    = "callback_method"
	MetaEnabled           = "enabled"
	MetaFireAtEvent       = "fire_at_event"
	MetaFireAfterEvents   = "fire_after_events"
	MetaRegisteredAtEvent = "registered_at_event"
)

// PendingInvocation is one queued callback, waiting for the kernel's
// next drain pass.
type PendingInvocation struct {
	ID               string                 `json:"id"`
	TriggerID        string                 `json:"trigger_id"`
	CallbackArtifact string                 `json:"callback_artifact"`
	CallbackMethod   string                 `json:"callback_method"`
	Owner            string                 `json:"owner"`
	Event            map[string]interface{} `json:"event,omitempty"`
	FiredAtEvent     uint64                 `json:"fired_at_event,omitempty"`
}

type activeTrigger struct {
	id       string
	owner    string
	filter   Filter
	callback string
	method   string
}

type scheduledTrigger struct {
	id       string
	owner    string
	target   uint64
	callback string
	method   string
}

// Registry holds the live trigger set and the pending queue.
type Registry struct {
	mu        sync.Mutex
	store     *artifacts.Store
	active    []activeTrigger
	scheduled map[uint64][]scheduledTrigger
	pending   []PendingInvocation
	idFunc    func() string
}

// NewRegistry creates a registry reading trigger artifacts from store.
func NewRegistry(store *artifacts.Store) *Registry {
	return &Registry{
		store:     store,
		scheduled: make(map[uint64][]scheduledTrigger),
		idFunc:    uuid.NewString,
	}
}

// WithIDFunc injects a deterministic invocation-id source for tests.
func (r *Registry) WithIDFunc(fn func() string) *Registry {
	r.idFunc = fn
	return r
}

// Refresh rebuilds the active and scheduled sets from the artifact
// store. Idempotent given a stable store. currentEvent prunes scheduled
// triggers already in the past; a target equal to the current number is
// kept and fires on the next firing pass.
func (r *Registry) Refresh(currentEvent uint64) {
	arts := r.store.ListAll(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = r.active[:0]
	r.scheduled = make(map[uint64][]scheduledTrigger)

	for _, art := range arts {
		if art.Type != artifacts.TypeTrigger || art.Metadata == nil {
			continue
		}
		if enabled, ok := art.Metadata[MetaEnabled].(bool); ok && !enabled {
			continue
		}

		callback, _ := art.Metadata[MetaCallbackArtifact].(string)
		if callback == "" {
			continue
		}
		// Anti-spam: a trigger may only call back into code its own
		// creator wrote.
		cb, err := r.store.Get(callback)
		if err != nil || cb.Deleted || cb.CreatedBy != art.CreatedBy {
			continue
		}
		method, _ := art.Metadata[MetaCallbackMethod].(string)

		if target, ok := scheduleTarget(art.Metadata); ok {
			if target < currentEvent {
				continue // already in the past
			}
			r.scheduled[target] = append(r.scheduled[target], scheduledTrigger{
				id:       art.ID,
				owner:    art.CreatedBy,
				target:   target,
				callback: callback,
				method:   method,
			})
			continue
		}

		filter, ok := filterOf(art.Metadata)
		if !ok {
			continue
		}
		r.active = append(r.active, activeTrigger{
			id:       art.ID,
			owner:    art.CreatedBy,
			filter:   filter,
			callback: callback,
			method:   method,
		})
	}

	sort.Slice(r.active, func(i, j int) bool { return r.active[i].id < r.active[j].id })
	for _, list := range r.scheduled {
		sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	}
}

// scheduleTarget resolves the absolute target event number of a
// scheduled trigger, from either form of the schedule metadata.
func scheduleTarget(meta map[string]interface{}) (uint64, bool) {
	if at, ok := asUint(meta[MetaFireAtEvent]); ok {
		return at, true
	}
	after, ok := asUint(meta[MetaFireAfterEvents])
	if !ok {
		return 0, false
	}
	base, ok := asUint(meta[MetaRegisteredAtEvent])
	if !ok {
		return 0, false
	}
	return base + after, true
}

func filterOf(meta map[string]interface{}) (Filter, bool) {
	raw, ok := meta[MetaFilter].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return Filter(raw), true
}

func asUint(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case uint64:
		return t, true
	case int:
		if t >= 0 {
			return uint64(t), true
		}
	case int64:
		if t >= 0 {
			return uint64(t), true
		}
	case float64:
		if t >= 0 && t == float64(uint64(t)) {
			return uint64(t), true
		}
	case json.Number:
		if n, err := t.Int64(); err == nil && n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}

// QueueMatchingInvocations offers one event to every active filter
// trigger. Each match queues one pending invocation.
func (r *Registry) QueueMatchingInvocations(event map[string]interface{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := 0
	for _, trig := range r.active {
		if !trig.filter.Matches(event) {
			continue
		}
		r.pending = append(r.pending, PendingInvocation{
			ID:               r.idFunc(),
			TriggerID:        trig.id,
			CallbackArtifact: trig.callback,
			CallbackMethod:   trig.method,
			Owner:            trig.owner,
			Event:            event,
		})
		queued++
	}
	return queued
}

// FireScheduledTriggers queues every trigger whose target has been
// reached by the event counter, removing them from the schedule. A
// trigger registered at the current counter value fires on this very
// pass.
func (r *Registry) FireScheduledTriggers(eventNumber uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []scheduledTrigger
	for target, list := range r.scheduled {
		if target <= eventNumber {
			due = append(due, list...)
			delete(r.scheduled, target)
		}
	}
	if len(due) == 0 {
		return 0
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].target != due[j].target {
			return due[i].target < due[j].target
		}
		return due[i].id < due[j].id
	})

	for _, trig := range due {
		r.pending = append(r.pending, PendingInvocation{
			ID:               r.idFunc(),
			TriggerID:        trig.id,
			CallbackArtifact: trig.callback,
			CallbackMethod:   trig.method,
			Owner:            trig.owner,
			FiredAtEvent:     eventNumber,
		})
	}
	return len(due)
}

// DrainPending returns and clears the queue. Deleting a trigger artifact
// between steps revokes only invocations not yet queued; queued ones are
// the kernel's to run.
func (r *Registry) DrainPending() []PendingInvocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.pending
	r.pending = nil
	return out
}

// PendingCount reports queued invocations without draining them.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ActiveCount reports live filter triggers after the last refresh.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ScheduledCount reports scheduled triggers not yet fired.
func (r *Registry) ScheduledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, list := range r.scheduled {
		n += len(list)
	}
	return n
}
