package kernel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agora-labs/agora/pkg/config"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/kernel"
	"github.com/agora-labs/agora/pkg/rights"
	"github.com/agora-labs/agora/pkg/snapshot"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.LogsRoot = ""
	cfg.Traces.Driver = "memory"
	cfg.Mint.AuctionInterval = 0
	cfg.Genesis = []config.GenesisPrincipal{
		{ID: "alice", Balance: 100},
		{ID: "bob", Balance: 100},
		{ID: "carol", Balance: 100},
	}
	return cfg
}

func buildWorld(t *testing.T, cfg *config.Config, opts ...kernel.Option) *kernel.World {
	t.Helper()
	w, err := kernel.Build(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func submit(t *testing.T, w *kernel.World, caller string, action map[string]interface{}) intent.ActionResult {
	t.Helper()
	raw, err := json.Marshal(action)
	require.NoError(t, err)
	return w.Submit(context.Background(), caller, raw, "")
}

func TestBuildBootstrapsGenesis(t *testing.T) {
	w := buildWorld(t, baseConfig())

	for _, id := range []string{kernel.GenesisTreasury, kernel.GenesisBank, kernel.GenesisEscrow} {
		art, err := w.Store().Get(id)
		require.NoError(t, err, id)
		assert.True(t, art.KernelProtected, id)
	}

	assert.Equal(t, int64(100), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(300), w.Ledger().TotalSupply())

	agent, err := w.Store().Get("alice")
	require.NoError(t, err)
	assert.True(t, agent.HasStanding)
	assert.Equal(t, "alice", agent.CreatedBy)
}

func TestSubmitRecordsActionEvents(t *testing.T) {
	w := buildWorld(t, baseConfig())

	res := submit(t, w, "alice", map[string]interface{}{
		"action_type": "transfer", "to": "bob", "amount": 10,
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(90), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(110), w.Ledger().Balance("bob"))

	events := w.Events().ReadRecent(1)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].EventNumber)
	assert.Equal(t, "action", events[0].EventType)
	assert.Equal(t, "alice", events[0].Payload["caller"])
	assert.Equal(t, true, events[0].Payload["success"])

	// A failed action still consumes an event.
	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "transfer", "to": "alice", "amount": 5,
	})
	require.False(t, res.Success)
	events = w.Events().ReadRecent(1)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].EventNumber)
	assert.Equal(t, false, events[0].Payload["success"])
	assert.Equal(t, intent.CodeInvalidArgument, events[0].Payload["error_code"])
}

func TestParseFailureStillRecorded(t *testing.T) {
	w := buildWorld(t, baseConfig())

	res := w.Submit(context.Background(), "alice", []byte(`{not json`), "testing")
	require.False(t, res.Success)
	assert.Equal(t, intent.CategoryValidation, res.Category)

	events := w.Events().ReadRecent(1)
	require.Len(t, events, 1)
	assert.Equal(t, "invalid", events[0].Payload["action_type"])
	assert.Equal(t, "testing", events[0].Payload["reasoning"])
}

func TestBankHandlers(t *testing.T) {
	w := buildWorld(t, baseConfig())

	res := submit(t, w, "alice", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": kernel.GenesisBank,
		"method":      "balance",
	})
	require.True(t, res.Success, res.Message)
	value, ok := res.Data["result"].(map[string]interface{})
	require.True(t, ok, "bank balance returns a map, got %T", res.Data["result"])
	assert.Equal(t, int64(100), value["balance"])

	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": kernel.GenesisBank,
		"method":      "transfer",
		"args":        []interface{}{"bob", 25},
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(75), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(125), w.Ledger().Balance("bob"))

	// Overdraft fails as an execution error, funds untouched.
	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": kernel.GenesisBank,
		"method":      "transfer",
		"args":        []interface{}{"bob", 10000},
	})
	require.False(t, res.Success)
	assert.Equal(t, int64(75), w.Ledger().Balance("alice"))
}

func TestGenesisArtifactsAreWriteProtected(t *testing.T) {
	w := buildWorld(t, baseConfig())

	res := submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": kernel.GenesisBank,
		"content":     "hijacked",
	})
	require.False(t, res.Success)
	assert.Equal(t, intent.CodeKernelProtected, res.ErrorCode)
	assert.Equal(t, intent.CategoryPermission, res.Category)

	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "delete_artifact",
		"artifact_id": kernel.GenesisBank,
	})
	require.False(t, res.Success)
}

func TestSubmitRateLimited(t *testing.T) {
	w := buildWorld(t, baseConfig(), kernel.WithLimiter(kernel.NewRateLimiter(1, 2)))

	for i := 0; i < 2; i++ {
		res := submit(t, w, "alice", map[string]interface{}{"action_type": "noop"})
		require.True(t, res.Success, "burst submission %d", i)
	}
	res := submit(t, w, "alice", map[string]interface{}{"action_type": "noop"})
	require.False(t, res.Success)
	assert.Equal(t, intent.CodeRateLimited, res.ErrorCode)
	assert.True(t, res.Retriable)

	// Other principals have their own bucket.
	res = submit(t, w, "bob", map[string]interface{}{"action_type": "noop"})
	assert.True(t, res.Success)
}

func TestSubscribeAndQuery(t *testing.T) {
	w := buildWorld(t, baseConfig())
	ctx := context.Background()

	res := submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "doc",
		"content":     "notes",
	})
	require.True(t, res.Success, res.Message)

	res = submit(t, w, "bob", map[string]interface{}{
		"action_type": "subscribe_artifact",
		"artifact_id": "doc",
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, true, res.Data["added"])

	q := w.Query(ctx, "bob", "subscriptions", nil)
	require.True(t, q.Success, q.Message)
	assert.Equal(t, []string{"doc"}, q.Data["subscriptions"])

	res = submit(t, w, "bob", map[string]interface{}{
		"action_type": "unsubscribe_artifact",
		"artifact_id": "doc",
	})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["removed"])

	q = w.Query(ctx, "bob", "subscriptions", nil)
	require.True(t, q.Success)
	assert.Empty(t, q.Data["subscriptions"])
}

func TestTriggerQueuesAndSteps(t *testing.T) {
	w := buildWorld(t, baseConfig())
	ctx := context.Background()

	res := submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "cb",
		"executable":  true,
		"code":        `func on_event(ev map[string]interface{}) string { return "seen" }`,
	})
	require.True(t, res.Success, res.Message)

	res = submit(t, w, "alice", map[string]interface{}{
		"action_type":   "write_artifact",
		"artifact_id":   "trig",
		"artifact_type": "trigger",
		"content":       "watch bob",
		"metadata": map[string]interface{}{
			"filter":            map[string]interface{}{"event_type": "action", "caller": "bob"},
			"callback_artifact": "cb",
			"callback_method":   "on_event",
			"enabled":           true,
		},
	})
	require.True(t, res.Success, res.Message)

	// Bob acts; the trigger queues a callback.
	submit(t, w, "bob", map[string]interface{}{"action_type": "noop"})

	ran := w.Step(ctx)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 0, w.Step(ctx))

	fired := w.Events().ReadRecentByType("trigger_fired", 5)
	require.Len(t, fired, 1)
	assert.Equal(t, "trig", fired[0].Payload["trigger_id"])
	assert.Equal(t, true, fired[0].Payload["success"])
}

func TestScheduledTriggerFires(t *testing.T) {
	w := buildWorld(t, baseConfig())
	ctx := context.Background()

	res := submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "cb",
		"executable":  true,
		"code":        `func run() string { return "later" }`,
	})
	require.True(t, res.Success, res.Message)

	res = submit(t, w, "alice", map[string]interface{}{
		"action_type":   "write_artifact",
		"artifact_id":   "alarm",
		"artifact_type": "trigger",
		"content":       "in two events",
		"metadata": map[string]interface{}{
			"fire_after_events": 2,
			"callback_artifact": "cb",
			"enabled":           true,
		},
	})
	require.True(t, res.Success, res.Message)

	// Registered at event 2, fires at event 4.
	submit(t, w, "bob", map[string]interface{}{"action_type": "noop"})
	assert.Equal(t, 0, w.Step(ctx))
	submit(t, w, "bob", map[string]interface{}{"action_type": "noop"})
	assert.Equal(t, 1, w.Step(ctx))
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := snapshot.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)

	w := buildWorld(t, baseConfig(), kernel.WithSnapshotStore(store))

	submit(t, w, "alice", map[string]interface{}{
		"action_type": "transfer", "to": "bob", "amount": 30,
	})
	submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact", "artifact_id": "keeper", "content": "v1",
	})

	cp, err := w.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.Manifest.EventNumber)

	// Diverge past the checkpoint.
	submit(t, w, "alice", map[string]interface{}{
		"action_type": "transfer", "to": "carol", "amount": 50,
	})
	submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact", "artifact_id": "stray", "content": "v1",
	})
	require.Equal(t, int64(20), w.Ledger().Balance("alice"))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Restore(latest))

	assert.Equal(t, int64(70), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(130), w.Ledger().Balance("bob"))
	assert.Equal(t, int64(100), w.Ledger().Balance("carol"))
	assert.Equal(t, uint64(2), w.EventNumber())
	assert.True(t, w.Store().Exists("keeper"))
	assert.False(t, w.Store().Exists("stray"))

	// The restored world keeps settling intents.
	res := submit(t, w, "bob", map[string]interface{}{
		"action_type": "transfer", "to": "alice", "amount": 5,
	})
	require.True(t, res.Success)
	assert.Equal(t, uint64(3), w.EventNumber())
}

func TestTransfersConserveTotalSupply(t *testing.T) {
	principals := []string{"alice", "bob", "carol"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40

	properties := gopter.NewProperties(parameters)
	properties.Property("total supply is invariant under transfer sequences", prop.ForAll(
		func(moves []int) bool {
			w, err := kernel.Build(baseConfig())
			if err != nil {
				return false
			}
			defer w.Close()
			before := w.Ledger().TotalSupply()
			for _, m := range moves {
				from := principals[m%3]
				to := principals[(m/3)%3]
				amount := int64(m%50 + 1)
				raw, _ := json.Marshal(map[string]interface{}{
					"action_type": "transfer", "to": to, "amount": amount,
				})
				w.Submit(context.Background(), from, raw, "")
			}
			return w.Ledger().TotalSupply() == before
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))
	properties.TestingRun(t)
}

func TestWorldCloseLeaksNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := kernel.Build(baseConfig())
	require.NoError(t, err)

	submit(t, w, "alice", map[string]interface{}{"action_type": "noop"})
	submit(t, w, "alice", map[string]interface{}{
		"action_type": "transfer", "to": "bob", "amount": 1,
	})
	require.NoError(t, w.Close())
}

func TestRedisLimiterFailsClosed(t *testing.T) {
	// No redis at this address: the kernel must refuse rather than
	// letting the limiter outage disable backpressure.
	limiter := kernel.NewRedisLimiter("127.0.0.1:1", 10, 10)
	t.Cleanup(func() { _ = limiter.Close() })

	w := buildWorld(t, baseConfig(), kernel.WithLimiter(limiter))
	res := submit(t, w, "alice", map[string]interface{}{"action_type": "noop"})
	require.False(t, res.Success)
	assert.Equal(t, intent.CodeRateLimited, res.ErrorCode)
}

func TestRateLimiterRefills(t *testing.T) {
	l := kernel.NewRateLimiter(100, 1)
	ok, err := l.Allow(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = l.Allow(context.Background(), "alice")
	require.False(t, ok)

	time.Sleep(25 * time.Millisecond)
	ok, _ = l.Allow(context.Background(), "alice")
	assert.True(t, ok)
}

func TestRightsQueryAndOwnership(t *testing.T) {
	w := buildWorld(t, baseConfig())
	ctx := context.Background()

	budget, err := w.Rights().CreateDollarBudget("alice", "gpt-x", 50)
	require.NoError(t, err)
	_, err = w.Rights().CreateDollarBudget("alice", "gpt-x", 25)
	require.NoError(t, err)

	q := w.Query(ctx, "alice", "rights", map[string]interface{}{
		"right_type": rights.TypeDollarBudget,
		"model":      "gpt-x",
	})
	require.True(t, q.Success, q.Message)
	held := q.Data["rights"].([]map[string]interface{})
	require.Len(t, held, 2)
	assert.Equal(t, float64(75), q.Data["total_amount"])

	// Rights are private projections, same as delegations.
	q = w.Query(ctx, "bob", "rights", map[string]interface{}{"owner": "alice"})
	require.False(t, q.Success)

	// Transfer moves controllership; the old owner's view shrinks.
	require.NoError(t, w.Rights().Transfer(budget.ID, "alice", "bob"))
	q = w.Query(ctx, "alice", "rights", nil)
	require.True(t, q.Success, q.Message)
	assert.Len(t, q.Data["rights"].([]map[string]interface{}), 1)
	q = w.Query(ctx, "bob", "rights", nil)
	require.True(t, q.Success, q.Message)
	assert.Len(t, q.Data["rights"].([]map[string]interface{}), 1)
}
