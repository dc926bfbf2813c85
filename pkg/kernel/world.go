// Package kernel owns the world: one object holding every subsystem,
// one mutex serializing every intent.
//
// The kernel is the only concurrency boundary in the system. Submit
// acquires the world lock, applies exactly one intent through the
// executor, records the action event, and feeds the trigger registry;
// Step drains the trigger queue the same way. Everything below the
// kernel can therefore assume single-writer discipline.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/config"
	"github.com/agora-labs/agora/pkg/contracts"
	"github.com/agora-labs/agora/pkg/delegation"
	"github.com/agora-labs/agora/pkg/eventlog"
	"github.com/agora-labs/agora/pkg/executor"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/mint"
	"github.com/agora-labs/agora/pkg/observability"
	"github.com/agora-labs/agora/pkg/query"
	"github.com/agora-labs/agora/pkg/rights"
	"github.com/agora-labs/agora/pkg/sandbox"
	"github.com/agora-labs/agora/pkg/scrip"
	"github.com/agora-labs/agora/pkg/snapshot"
	"github.com/agora-labs/agora/pkg/tracestore"
	"github.com/agora-labs/agora/pkg/triggers"
)

// DefaultScorerExpr scores a winning artifact by content size, clamped
// by the scoring ceiling. Deterministic, so resolutions replay.
const DefaultScorerExpr = "size(content)"

// World is the complete simulation state plus the machinery that
// mutates it. All access goes through Submit, Step, Query, and the
// checkpoint methods; none of the inner subsystems are reachable for
// mutation from outside.
type World struct {
	mu  sync.Mutex
	cfg *config.Config

	runID string
	clock func() time.Time

	store       *artifacts.Store
	ledger      *scrip.Ledger
	delegations *delegation.Manager
	handlers    *sandbox.HandlerRegistry
	auction     *mint.Auction
	board       *mint.Board
	exec        *executor.Executor
	rights      *rights.Registry
	events      *eventlog.Log
	triggers    *triggers.Registry
	traces      tracestore.Store
	queries     *query.Handler
	subs        *SubscriptionSet
	limiter     Limiter
	snapshots   snapshot.Store
	obs         *observability.Provider
	logger      *slog.Logger

	lastResolve uint64
}

type options struct {
	clock     func() time.Time
	sandbox   sandbox.Executor
	events    *eventlog.Log
	traces    tracestore.Store
	scorer    mint.Scorer
	limiter   Limiter
	snapshots snapshot.Store
	obs       *observability.Provider
}

// Option customizes Build.
type Option func(*options)

// WithClock injects a time source into every subsystem.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithSandbox overrides the code execution backend.
func WithSandbox(sb sandbox.Executor) Option {
	return func(o *options) { o.sandbox = sb }
}

// WithEventLog overrides the event log.
func WithEventLog(log *eventlog.Log) Option {
	return func(o *options) { o.events = log }
}

// WithTraceStore overrides the invocation trace backend.
func WithTraceStore(ts tracestore.Store) Option {
	return func(o *options) { o.traces = ts }
}

// WithScorer overrides the auction scorer.
func WithScorer(s mint.Scorer) Option {
	return func(o *options) { o.scorer = s }
}

// WithLimiter overrides the submit limiter.
func WithLimiter(l Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithSnapshotStore wires checkpoint persistence.
func WithSnapshotStore(s snapshot.Store) Option {
	return func(o *options) { o.snapshots = s }
}

// WithObservability wires telemetry.
func WithObservability(p *observability.Provider) Option {
	return func(o *options) { o.obs = p }
}

// Build assembles a world from configuration. A nil config uses the
// defaults. The returned world is fully bootstrapped: genesis artifacts
// exist, configured principals are seeded, and the first intent may be
// submitted immediately.
func Build(cfg *config.Config, opts ...Option) (*World, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	clock := o.clock
	if clock == nil {
		clock = time.Now
	}

	runID := cfg.RunID
	if runID == "" {
		runID = eventlog.NewRunID(clock())
	}

	events := o.events
	if events == nil {
		var err error
		if cfg.LogsRoot != "" {
			collector := eventlog.NewSummaryCollector(eventlog.WithCollectorClock(clock))
			events, err = eventlog.NewRunLog(cfg.LogsRoot, runID,
				eventlog.WithClock(clock), eventlog.WithCollector(collector))
			if err != nil {
				return nil, fmt.Errorf("kernel: open event log: %w", err)
			}
		} else {
			events = eventlog.NewMemoryLog(eventlog.WithClock(clock))
		}
	}

	store := artifacts.NewStore().
		WithClock(clock).
		WithContractValidator(contracts.Known).
		WithMaxDependencyDepth(cfg.MaxDependencyDepth).
		WithQuotaFunc(cfg.DiskQuota).
		WithGenesisSet([]string{GenesisTreasury, GenesisBank, GenesisEscrow})

	sink := cfg.Mint.RemainderSink
	if sink == "" {
		sink = GenesisTreasury
	}
	ledger := scrip.NewLedger().WithRemainderSink(sink)

	delegations := delegation.NewManager(store).
		WithClock(clock).
		WithHistoryCap(cfg.DelegationHistory)

	sb := o.sandbox
	if sb == nil {
		sb = sandbox.NewDispatcher(sandbox.NewYaegiExecutor(), sandbox.NewWasiExecutor())
	}

	traces, err := openTraceStore(cfg, o.traces, events.RunDir())
	if err != nil {
		events.Close()
		return nil, err
	}

	scorer := o.scorer
	if scorer == nil {
		expr := cfg.Mint.ScorerExpr
		if expr == "" {
			expr = DefaultScorerExpr
		}
		cel, err := mint.NewCELScorer(expr)
		if err != nil {
			events.Close()
			return nil, fmt.Errorf("kernel: scorer: %w", err)
		}
		scorer = cel.WithScoringMax(cfg.Mint.ScoringMax)
	}

	auction := mint.NewAuction(ledger, store, scorer).
		WithMintRatio(cfg.Mint.Ratio).
		WithClock(clock)
	board := mint.NewBoard(ledger, store, sb).WithClock(clock)

	limiter := o.limiter
	if limiter == nil && cfg.Limiter.Enabled {
		if cfg.Limiter.RedisAddr != "" {
			limiter = NewRedisLimiter(cfg.Limiter.RedisAddr, cfg.Limiter.PerSecond, cfg.Limiter.Burst)
		} else {
			limiter = NewRateLimiter(cfg.Limiter.PerSecond, cfg.Limiter.Burst)
		}
	}

	w := &World{
		cfg:         cfg,
		runID:       runID,
		clock:       clock,
		store:       store,
		ledger:      ledger,
		delegations: delegations,
		handlers:    sandbox.NewHandlerRegistry(),
		auction:     auction,
		board:       board,
		events:      events,
		triggers:    triggers.NewRegistry(store),
		traces:      traces,
		limiter:     limiter,
		snapshots:   o.snapshots,
		obs:         o.obs,
		logger:      slog.Default().With("component", "kernel", "run_id", runID),
	}
	w.subs = NewSubscriptionSet(store)
	w.rights = rights.NewRegistry(store)

	w.queries = query.NewHandler(store, ledger).
		WithRights(w.rights).
		WithDelegations(delegations).
		WithMint(auction, board).
		WithEvents(events).
		WithTraces(traces).
		WithSubscriptions(w.subs).
		WithDiskQuota(cfg.DiskQuota).
		WithKernelPrincipal(artifacts.DefaultKernelPrincipal)

	w.exec = executor.New(store, ledger, delegations, sb).
		WithHandlers(w.handlers).
		WithMint(auction, board).
		WithTraceStore(traces, runID, events.CurrentNumber).
		WithQuery(w.queries.Handle).
		WithSubscriptions(w.subs).
		WithMaxInvokeDepth(cfg.MaxInvokeDepth).
		WithInvokeDeadline(cfg.InvokeDeadline.Std()).
		WithClock(clock)

	if err := w.bootstrapGenesis(); err != nil {
		w.Close()
		return nil, err
	}
	w.triggers.Refresh(events.CurrentNumber())
	return w, nil
}

func openTraceStore(cfg *config.Config, override tracestore.Store, runDir string) (tracestore.Store, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Traces.Driver {
	case "", "memory":
		return tracestore.NewMemoryStore(0), nil
	case "sqlite":
		dsn := cfg.Traces.DSN
		if dsn == "" {
			if runDir == "" {
				// Memory event log, no run directory to put a file in.
				return tracestore.NewMemoryStore(0), nil
			}
			dsn = filepath.Join(runDir, "traces.db")
		}
		ts, err := tracestore.OpenSQLite(dsn)
		if err != nil {
			return nil, fmt.Errorf("kernel: open trace store: %w", err)
		}
		return ts, nil
	case "postgres":
		ts, err := tracestore.OpenPostgres(cfg.Traces.DSN)
		if err != nil {
			return nil, fmt.Errorf("kernel: open trace store: %w", err)
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("kernel: unknown trace driver %q", cfg.Traces.Driver)
	}
}

// RunID identifies this world's run.
func (w *World) RunID() string { return w.runID }

// EventNumber is the current logical clock value.
func (w *World) EventNumber() uint64 { return w.events.CurrentNumber() }

// Ledger exposes read access for tooling and tests.
func (w *World) Ledger() *scrip.Ledger { return w.ledger }

// Store exposes read access for tooling and tests.
func (w *World) Store() *artifacts.Store { return w.store }

// Rights exposes the resource-rights registry. Rights mutate world
// state through kernel-principal writes, so hold no world locks here.
func (w *World) Rights() *rights.Registry { return w.rights }

// Events exposes the event log for tooling and tests.
func (w *World) Events() *eventlog.Log { return w.events }

// Delegations exposes the charge delegation manager.
func (w *World) Delegations() *delegation.Manager { return w.delegations }

// Board exposes the task board so the host can seed tasks.
func (w *World) Board() *mint.Board { return w.board }

// Submit parses and applies one intent on behalf of caller. This is the
// serialization point: whatever concurrency exists outside, intents
// settle one at a time in submission order.
func (w *World) Submit(ctx context.Context, caller string, raw []byte, reasoning string) intent.ActionResult {
	if w.limiter != nil {
		ok, err := w.limiter.Allow(ctx, caller)
		if err != nil {
			// Fail closed: a broken limiter must not disable backpressure.
			w.logger.WarnContext(ctx, "limiter unavailable, refusing submission",
				"caller", caller, "error", err)
			ok = false
		}
		if !ok {
			return intent.Fail(intent.CategoryResource, intent.CodeRateLimited,
				"submission rate limit exceeded")
		}
	}

	it, perr := intent.Parse(raw)
	if perr != nil {
		res := perr.Result()
		w.mu.Lock()
		w.recordAction(ctx, caller, "invalid", res, reasoning, nil)
		w.mu.Unlock()
		return res
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var done func(failed bool, errorCode string)
	if w.obs != nil {
		ctx, done = w.obs.TrackAction(ctx, string(it.Kind()), caller)
	}
	res := w.exec.Execute(ctx, caller, it)
	if done != nil {
		done(!res.Success, res.ErrorCode)
	}

	w.recordAction(ctx, caller, string(it.Kind()), res, reasoning, it)
	return res
}

// Query serves a read-only projection without consuming an event.
func (w *World) Query(ctx context.Context, caller, queryType string, params map[string]interface{}) intent.ActionResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queries.Handle(ctx, caller, queryType, params)
}

// Step drains the pending trigger queue, executing each queued callback
// as its trigger's owner. Returns the number of callbacks run. Callbacks
// may queue further work; the next Step picks it up.
func (w *World) Step(ctx context.Context) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	pending := w.triggers.DrainPending()
	for _, p := range pending {
		it := intent.InvokeArtifact{
			ArtifactID: p.CallbackArtifact,
			Method:     p.CallbackMethod,
		}
		if p.Event != nil {
			it.Args = []interface{}{p.Event}
		}
		res := w.exec.Execute(ctx, p.Owner, it)
		payload := map[string]interface{}{
			"trigger_id":  p.TriggerID,
			"callback":    p.CallbackArtifact,
			"method":      p.CallbackMethod,
			"caller":      p.Owner,
			"success":     res.Success,
			"action_type": string(intent.KindInvokeArtifact),
		}
		if !res.Success {
			payload["error_code"] = res.ErrorCode
		}
		w.appendAndDispatch("trigger_fired", payload)
	}
	return len(pending)
}

// recordAction appends the action event and runs the per-event kernel
// duties: trigger matching, trigger refresh, scheduled firing, and the
// periodic auction resolution. Callers hold w.mu.
func (w *World) recordAction(ctx context.Context, caller, actionType string, res intent.ActionResult, reasoning string, it intent.Intent) {
	payload := map[string]interface{}{
		"action_type": actionType,
		"caller":      caller,
		"success":     res.Success,
	}
	if !res.Success {
		payload["error_code"] = res.ErrorCode
		payload["category"] = string(res.Category)
	}
	if reasoning != "" {
		payload["reasoning"] = reasoning
	}
	if id := targetArtifact(it); id != "" {
		payload["artifact_id"] = id
	}
	if res.Success && res.Data != nil {
		if nested, ok := res.Data["nested_invocations"]; ok {
			payload["nested_invocations"] = nested
		}
	}

	if c := w.events.Collector(); c != nil {
		c.RecordAction(caller, actionType, res.Success)
		if !res.Success {
			c.RecordError(caller)
		} else {
			switch v := it.(type) {
			case intent.Transfer:
				c.RecordScrip(caller, v.Amount)
			case intent.WriteArtifact:
				if created, _ := res.Data["created"].(bool); created {
					c.RecordArtifactCreated(caller)
				}
			}
		}
	}

	ev := w.appendAndDispatch("action", payload)
	if st, ok := it.(intent.SubmitToTask); ok && res.Success {
		if completed, _ := res.Data["completed"].(bool); completed {
			w.appendAndDispatch("mint_task_completed", map[string]interface{}{
				"task_id":      st.TaskID,
				"artifact_id":  st.ArtifactID,
				"completed_by": caller,
				"reward":       res.Data["reward"],
			})
		}
	}
	w.stampTriggerRegistration(it, res, ev.EventNumber)
	w.triggers.Refresh(ev.EventNumber)
	w.triggers.FireScheduledTriggers(ev.EventNumber)
	w.maybeResolveAuction(ctx, ev.EventNumber)
}

// stampTriggerRegistration anchors relatively-scheduled triggers. A
// trigger carrying fire_after_events counts from the event that created
// it; the registry can only resolve that once the kernel records the
// registration point.
func (w *World) stampTriggerRegistration(it intent.Intent, res intent.ActionResult, eventNumber uint64) {
	if !res.Success {
		return
	}
	wi, ok := it.(intent.WriteArtifact)
	if !ok {
		return
	}
	id := wi.ArtifactID
	if id == "" && res.Data != nil {
		id, _ = res.Data["artifact_id"].(string)
	}
	if id == "" {
		return
	}
	art, err := w.store.Get(id)
	if err != nil || art.Type != artifacts.TypeTrigger || art.Metadata == nil {
		return
	}
	if _, has := art.Metadata[triggers.MetaFireAfterEvents]; !has {
		return
	}
	if _, stamped := art.Metadata[triggers.MetaRegisteredAtEvent]; stamped {
		return
	}
	_, _ = w.store.ModifyProtectedContent(id, artifacts.ProtectedPatch{
		Metadata: map[string]interface{}{triggers.MetaRegisteredAtEvent: eventNumber},
	})
}

// appendEvent appends a non-action event (used by genesis handlers, e.g.
// artifact_purchased) and offers it to active triggers.
func (w *World) appendEvent(eventType string, payload map[string]interface{}) {
	w.appendAndDispatch(eventType, payload)
}

func (w *World) appendAndDispatch(eventType string, payload map[string]interface{}) eventlog.Event {
	ev, err := w.events.Append(eventType, payload)
	if err != nil {
		w.logger.Error("event append failed", "event_type", eventType, "error", err)
		return ev
	}
	match := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		match[k] = v
	}
	match["event_type"] = eventType
	match["event_number"] = ev.EventNumber
	w.triggers.QueueMatchingInvocations(match)
	return ev
}

func (w *World) maybeResolveAuction(ctx context.Context, eventNumber uint64) {
	interval := w.cfg.Mint.AuctionInterval
	if interval == 0 || w.auction == nil {
		return
	}
	if eventNumber-w.lastResolve < interval {
		return
	}
	w.lastResolve = eventNumber
	res, err := w.auction.Resolve(ctx)
	if err != nil {
		// No submissions is the common case and not worth an event.
		return
	}
	w.appendAndDispatch("mint_auction_resolved", map[string]interface{}{
		"winner":      res.Winner,
		"artifact_id": res.ArtifactID,
		"winning_bid": res.WinningBid,
		"price_paid":  res.PricePaid,
		"score":       res.Score,
		"minted":      res.Minted,
		"submissions": res.Submissions,
		"score_error": res.ScoreError,
	})
}

// ResolveAuction forces an auction resolution outside the periodic
// schedule. Used by the host loop at run end.
func (w *World) ResolveAuction(ctx context.Context) (*mint.Resolution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, err := w.auction.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	w.appendAndDispatch("mint_auction_resolved", map[string]interface{}{
		"winner":     res.Winner,
		"price_paid": res.PricePaid,
		"minted":     res.Minted,
	})
	return res, nil
}

// worldState is the checkpointed portion of the world. Traces and the
// event log are observability surfaces with their own persistence; the
// trigger registry and subscription set rebuild from the store.
type worldState struct {
	RunID       string               `json:"run_id"`
	EventNumber uint64               `json:"event_number"`
	Artifacts   []artifacts.Artifact `json:"artifacts"`
	Ledger      scrip.State          `json:"ledger"`
	Auction     mint.State           `json:"auction"`
	Tasks       mint.TasksState      `json:"tasks"`
}

// Checkpoint captures the world and, when a snapshot store is wired,
// persists it.
func (w *World) Checkpoint(ctx context.Context) (*snapshot.Checkpoint, error) {
	w.mu.Lock()
	state := worldState{
		RunID:       w.runID,
		EventNumber: w.events.CurrentNumber(),
		Artifacts:   w.store.Snapshot(),
		Ledger:      w.ledger.Snapshot(),
		Auction:     w.auction.Snapshot(),
		Tasks:       w.board.Snapshot(),
	}
	w.mu.Unlock()

	cp, err := snapshot.New(w.runID, state.EventNumber, state)
	if err != nil {
		return nil, fmt.Errorf("kernel: checkpoint: %w", err)
	}
	if w.snapshots != nil {
		if err := w.snapshots.Put(ctx, cp); err != nil {
			return nil, fmt.Errorf("kernel: persist checkpoint: %w", err)
		}
	}
	return cp, nil
}

// Restore replaces the world state with a checkpoint's. The event
// counter continues from the checkpointed value; derived indexes are
// rebuilt.
func (w *World) Restore(cp *snapshot.Checkpoint) error {
	var state worldState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return fmt.Errorf("kernel: decode checkpoint: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.store.Restore(state.Artifacts)
	w.ledger.Restore(state.Ledger)
	w.auction.Restore(state.Auction)
	w.board.Restore(state.Tasks)
	w.events.SetCounter(state.EventNumber)
	w.subs.Reload()
	w.triggers.Refresh(state.EventNumber)
	w.lastResolve = state.EventNumber
	return nil
}

// Close releases the world's backing resources.
func (w *World) Close() error {
	var first error
	if w.traces != nil {
		if err := w.traces.Close(); err != nil && first == nil {
			first = err
		}
	}
	if w.events != nil {
		if c := w.events.Collector(); c != nil {
			// Close the final partial window so short runs still summarize.
			// Skip when nothing happened since the last boundary: summary
			// rows must strictly advance the event counter.
			n := w.events.CurrentNumber()
			emitted := c.Records()
			if n > 0 && (len(emitted) == 0 || emitted[len(emitted)-1].EventNumber < n) {
				if err := c.Finalize(n); err != nil && first == nil {
					first = err
				}
			}
		}
		if err := w.events.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c, ok := w.limiter.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func targetArtifact(it intent.Intent) string {
	switch v := it.(type) {
	case intent.ReadArtifact:
		return v.ArtifactID
	case intent.WriteArtifact:
		return v.ArtifactID
	case intent.EditArtifact:
		return v.ArtifactID
	case intent.DeleteArtifact:
		return v.ArtifactID
	case intent.InvokeArtifact:
		return v.ArtifactID
	case intent.Subscribe:
		return v.ArtifactID
	case intent.Unsubscribe:
		return v.ArtifactID
	case intent.SubmitToMint:
		return v.ArtifactID
	case intent.SubmitToTask:
		return v.ArtifactID
	default:
		return ""
	}
}
