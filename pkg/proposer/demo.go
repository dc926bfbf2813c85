package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Script replays a fixed sequence of intents, one per round, then
// passes forever. Safe for concurrent rounds.
type Script struct {
	mu      sync.Mutex
	actions []json.RawMessage
	next    int
}

// NewScript takes raw intent JSON documents in play order.
func NewScript(actions ...string) *Script {
	s := &Script{}
	for _, a := range actions {
		s.actions = append(s.actions, json.RawMessage(a))
	}
	return s
}

// Propose implements ActionProposer.
func (s *Script) Propose(_ context.Context, _ Snapshot) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.actions) {
		return Pass("script exhausted"), nil
	}
	action := s.actions[s.next]
	s.next++
	return Proposal{
		Reasoning: fmt.Sprintf("scripted action %d of %d", s.next, len(s.actions)),
		Action:    action,
	}, nil
}

// Journalist keeps a running journal artifact: every round it rewrites
// its own record with the latest observation. Exercises the write path
// and gives the event log something to chew on.
type Journalist struct{}

// Propose implements ActionProposer.
func (Journalist) Propose(_ context.Context, snap Snapshot) (Proposal, error) {
	entry := map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "journal:" + snap.PrincipalID,
		"content": fmt.Sprintf("event %d: balance %d, %d artifacts visible, %d tasks open",
			snap.EventNumber, snap.Balance, len(snap.Artifacts), len(snap.OpenTasks)),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{
		Reasoning: "keeping the journal current",
		Action:    raw,
	}, nil
}

// Patron gives one scrip per round to the poorest other agent. Passes
// when it is broke or alone. Genesis principals are not agents and are
// never gifted.
type Patron struct{}

// Propose implements ActionProposer.
func (Patron) Propose(_ context.Context, snap Snapshot) (Proposal, error) {
	if snap.Balance <= 1 {
		return Pass("too poor to give"), nil
	}

	poorest := ""
	var lowest int64
	ids := make([]string, 0, len(snap.Balances))
	for id := range snap.Balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if id == snap.PrincipalID || strings.HasPrefix(id, "genesis_") {
			continue
		}
		if poorest == "" || snap.Balances[id] < lowest {
			poorest = id
			lowest = snap.Balances[id]
		}
	}
	if poorest == "" {
		return Pass("nobody to give to"), nil
	}

	raw, err := json.Marshal(map[string]interface{}{
		"action_type": "transfer",
		"to":          poorest,
		"amount":      1,
		"reason":      "patronage",
	})
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{
		Reasoning: fmt.Sprintf("%s has the least (%d)", poorest, lowest),
		Action:    raw,
	}, nil
}
