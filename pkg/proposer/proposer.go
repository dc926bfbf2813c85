// Package proposer defines the boundary between the kernel and whatever
// decides what agents do. The kernel never calls an LLM; the outer
// runtime implements ActionProposer and submits whatever it proposes.
// The demo proposers in this package exist so the CLI can drive a world
// without any model attached.
package proposer

import (
	"context"
	"encoding/json"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/contracts"
	"github.com/agora-labs/agora/pkg/eventlog"
	"github.com/agora-labs/agora/pkg/kernel"
	"github.com/agora-labs/agora/pkg/mint"
	"github.com/agora-labs/agora/pkg/scrip"
)

// Snapshot is the slice of world state one agent sees before proposing:
// its own standing, everything it may read, and the recent event tail.
type Snapshot struct {
	PrincipalID string
	EventNumber uint64

	Balance   int64
	Balances  map[string]int64
	Resources map[string]float64

	Artifacts    []artifacts.Artifact
	Memory       *artifacts.Artifact
	RecentEvents []eventlog.Event
	OpenTasks    []mint.Task
}

// Proposal is one proposed action: the raw intent JSON plus the
// reasoning the agent wants recorded alongside it.
type Proposal struct {
	Reasoning string
	Action    json.RawMessage
}

// ActionProposer decides one action for one agent given its view of the
// world. Returning a zero-length Action means "pass this round".
type ActionProposer interface {
	Propose(ctx context.Context, snap Snapshot) (Proposal, error)
}

// Func adapts a function to ActionProposer.
type Func func(ctx context.Context, snap Snapshot) (Proposal, error)

// Propose implements ActionProposer.
func (f Func) Propose(ctx context.Context, snap Snapshot) (Proposal, error) {
	return f(ctx, snap)
}

// Observe assembles a principal's snapshot from a world. Artifacts are
// filtered by read permission; deleted records are excluded. recent
// bounds the event tail.
func Observe(w *kernel.World, principal string, recent int) Snapshot {
	snap := Snapshot{
		PrincipalID: principal,
		EventNumber: w.EventNumber(),
		Balance:     w.Ledger().Balance(principal),
		Balances:    make(map[string]int64),
		Resources:   w.Ledger().Resources(principal),
		OpenTasks:   w.Board().OpenTasks(),
	}
	for _, id := range w.Ledger().Principals() {
		snap.Balances[id] = w.Ledger().Balance(id)
	}
	if recent > 0 {
		snap.RecentEvents = w.Events().ReadRecent(recent)
	}
	for _, art := range w.Store().ListAll(false) {
		if d := contracts.Check(art.AccessContract, contracts.ActionRead, principal, art.CreatedBy); !d.Allowed {
			continue
		}
		if art.Type == artifacts.TypeMemory && art.CreatedBy == principal && snap.Memory == nil {
			snap.Memory = art
		}
		snap.Artifacts = append(snap.Artifacts, *art)
	}
	return snap
}

// CPURemaining is the snapshot's view of the compute quota, when one is
// configured.
func (s Snapshot) CPURemaining() (float64, bool) {
	quota, ok := s.Resources[scrip.ResourceCPU]
	return quota, ok
}

// Pass is the empty proposal.
func Pass(reason string) Proposal {
	return Proposal{Reasoning: reason}
}
