package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-labs/agora/pkg/config"
	"github.com/agora-labs/agora/pkg/delegation"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/kernel"
	"github.com/agora-labs/agora/pkg/mint"
)

// End-to-end economy walkthroughs: each test drives a fresh world through
// one complete storyline using only submitted intents plus the host-side
// seeding surface (task board, delegation grants, forced resolution).

func TestEscrowResale(t *testing.T) {
	cfg := baseConfig()
	cfg.Genesis = []config.GenesisPrincipal{
		{ID: "alice", Balance: 100},
		{ID: "bob", Balance: 50},
	}
	w := buildWorld(t, cfg)

	res := submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "field-manual",
		"content":     "how to survive the simulation",
	})
	require.True(t, res.Success, res.Message)

	// Listing moves custody to the escrow and charges the flat fee.
	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": kernel.GenesisEscrow,
		"method":      "list",
		"args":        []interface{}{"field-manual", 30},
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(80), w.Ledger().Balance("alice"))

	manual, err := w.Store().Get("field-manual")
	require.NoError(t, err)
	assert.Equal(t, kernel.GenesisEscrow, manual.Controller())

	// The seller cannot buy back their own listing.
	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": kernel.GenesisEscrow,
		"method":      "purchase",
		"args":        []interface{}{"field-manual"},
	})
	require.False(t, res.Success)

	res = submit(t, w, "bob", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": kernel.GenesisEscrow,
		"method":      "purchase",
		"args":        []interface{}{"field-manual"},
	})
	require.True(t, res.Success, res.Message)

	// Proceeds sit with the escrow until the seller claims them.
	assert.Equal(t, int64(80), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(20), w.Ledger().Balance("bob"))
	assert.Equal(t, int64(50), w.Ledger().Balance(kernel.GenesisEscrow))

	manual, err = w.Store().Get("field-manual")
	require.NoError(t, err)
	assert.Equal(t, "bob", manual.Controller())

	purchased := w.Events().ReadRecentByType("artifact_purchased", 10)
	require.Len(t, purchased, 1)
	assert.Equal(t, "field-manual", purchased[0].Payload["artifact_id"])
	assert.Equal(t, "bob", purchased[0].Payload["buyer"])
	assert.Equal(t, "alice", purchased[0].Payload["seller"])
	assert.Equal(t, int64(30), purchased[0].Payload["price"])

	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": kernel.GenesisEscrow,
		"method":      "claim",
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(110), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(20), w.Ledger().Balance(kernel.GenesisEscrow))
}

func TestSecondPriceAuctionRound(t *testing.T) {
	ctx := context.Background()
	fixed := mint.ScorerFunc(func(_ context.Context, _ mint.ScoreRequest) (mint.ScoreResult, error) {
		return mint.ScoreResult{Score: 100, Reason: "fixed"}, nil
	})
	w := buildWorld(t, baseConfig(), kernel.WithScorer(fixed))

	bids := []struct {
		principal string
		artifact  string
		bid       int64
	}{
		{"alice", "gadget-a", 40},
		{"bob", "gadget-b", 25},
		{"carol", "gadget-c", 10},
	}
	for _, b := range bids {
		res := submit(t, w, b.principal, map[string]interface{}{
			"action_type": "write_artifact",
			"artifact_id": b.artifact,
			"executable":  true,
			"code":        `func run() string { return "widget" }`,
		})
		require.True(t, res.Success, res.Message)
		res = submit(t, w, b.principal, map[string]interface{}{
			"action_type": "submit_to_mint",
			"artifact_id": b.artifact,
			"bid":         b.bid,
		})
		require.True(t, res.Success, res.Message)
	}

	// Bids are escrowed at submission time.
	assert.Equal(t, int64(60), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(75), w.Ledger().Balance("bob"))
	assert.Equal(t, int64(90), w.Ledger().Balance("carol"))

	res, err := w.ResolveAuction(ctx)
	require.NoError(t, err)

	assert.Equal(t, "alice", res.Winner)
	assert.Equal(t, "gadget-a", res.ArtifactID)
	assert.Equal(t, int64(40), res.WinningBid)
	assert.Equal(t, int64(25), res.PricePaid, "winner pays the second-highest bid")
	assert.Equal(t, int64(100), res.Score)
	assert.Equal(t, int64(10), res.Minted)
	assert.Equal(t, int64(15), res.Refunds["alice"])
	assert.Equal(t, int64(25), res.Refunds["bob"])
	assert.Equal(t, int64(10), res.Refunds["carol"])

	assert.Equal(t, int64(25), res.UBI.Total)
	assert.Equal(t, int64(12), res.UBI.PerShare)
	assert.Equal(t, int64(1), res.UBI.Remainder)
	assert.ElementsMatch(t, []string{"bob", "carol"}, res.UBI.Recipients)

	assert.Equal(t, int64(85), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(112), w.Ledger().Balance("bob"))
	assert.Equal(t, int64(112), w.Ledger().Balance("carol"))
	assert.Equal(t, int64(1), w.Ledger().Balance(kernel.GenesisTreasury))

	resolved := w.Events().ReadRecentByType("mint_auction_resolved", 5)
	require.Len(t, resolved, 1)
	assert.Equal(t, "alice", resolved[0].Payload["winner"])
}

func TestDelegatedChargeWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := baseConfig()
	w := buildWorld(t, cfg, kernel.WithClock(clock))

	res := submit(t, w, "carol", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "oracle",
		"executable":  true,
		"code":        `func run() string { return "42" }`,
		"policy":      map[string]interface{}{"invoke_price": 10},
	})
	require.True(t, res.Success, res.Message)

	perCall := int64(10)
	perWindow := int64(15)
	require.NoError(t, w.Delegations().Grant("alice", delegation.Grant{
		Payer:         "alice",
		Charger:       "bob",
		MaxPerCall:    &perCall,
		MaxPerWindow:  &perWindow,
		WindowSeconds: 60,
	}))

	invokeOracle := func() intent.ActionResult {
		return submit(t, w, "bob", map[string]interface{}{
			"action_type": "invoke_artifact",
			"artifact_id": "oracle",
			"charge_to":   "pool:alice",
		})
	}

	res = invokeOracle()
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "alice", res.Data["payer"])
	assert.Equal(t, int64(10), res.Data["price_paid"])
	assert.Equal(t, int64(90), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(110), w.Ledger().Balance("carol"))

	// A second charge would put the window total at 20, above the cap.
	res = invokeOracle()
	require.False(t, res.Success)
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)
	assert.Equal(t, int64(90), w.Ledger().Balance("alice"))

	now = now.Add(61 * time.Second)
	res = invokeOracle()
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(80), w.Ledger().Balance("alice"))
	assert.Equal(t, int64(120), w.Ledger().Balance("carol"))
}

func TestNestedInvocationAttribution(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.Genesis = append(cfg.Genesis, config.GenesisPrincipal{ID: "dan", Balance: 10})
	w := buildWorld(t, cfg)

	chain := []struct{ id, code string }{
		{"relay-c", `func run() string { return "pong" }`},
		{"relay-b", `func run() (interface{}, error) { return invoke("relay-c", "run", nil) }`},
		{"relay-a", `func run() (interface{}, error) { return invoke("relay-b", "run", nil) }`},
	}
	for _, c := range chain {
		res := submit(t, w, "alice", map[string]interface{}{
			"action_type": "write_artifact",
			"artifact_id": c.id,
			"executable":  true,
			"code":        c.code,
		})
		require.True(t, res.Success, res.Message)
	}

	res := submit(t, w, "dan", map[string]interface{}{
		"action_type": "invoke_artifact",
		"artifact_id": "relay-a",
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "pong", res.Data["result"])
	assert.Equal(t, "dan", res.Data["payer"])

	nested, ok := res.Data["nested_invocations"].([]map[string]interface{})
	require.True(t, ok, "nested_invocations type %T", res.Data["nested_invocations"])
	require.Len(t, nested, 2)
	// Inner frames complete first: relay-c at depth 2, then relay-b.
	assert.Equal(t, "relay-c", nested[0]["artifact_id"])
	assert.Equal(t, 2, nested[0]["depth"])
	assert.Equal(t, "relay-b", nested[1]["artifact_id"])
	assert.Equal(t, 1, nested[1]["depth"])

	// The whole chain traces to the outer invoker, not to the artifacts'
	// author.
	q := w.Query(ctx, "dan", "invocations", map[string]interface{}{"invoker": "dan"})
	require.True(t, q.Success, q.Message)
	assert.Equal(t, 1, q.Data["total"])
	q = w.Query(ctx, "alice", "invocations", map[string]interface{}{"invoker": "alice"})
	require.True(t, q.Success)
	assert.Equal(t, 0, q.Data["total"])
}

func TestDelegationRecordsAreKernelManaged(t *testing.T) {
	w := buildWorld(t, baseConfig())
	recordID := delegation.ArtifactID("alice")

	// Nobody else may create alice's delegation record.
	res := submit(t, w, "bob", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": recordID,
		"content":     `{"payer":"bob"}`,
	})
	require.False(t, res.Success)
	assert.Equal(t, intent.CategoryPermission, res.Category)

	perCall := int64(5)
	require.NoError(t, w.Delegations().Grant("alice", delegation.Grant{
		Payer:         "alice",
		Charger:       "bob",
		MaxPerCall:    &perCall,
		WindowSeconds: 60,
	}))

	// Once the kernel holds the record, even the payer cannot rewrite it
	// through the artifact surface.
	res = submit(t, w, "alice", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": recordID,
		"content":     `{"payer":"alice","delegations":{}}`,
	})
	require.False(t, res.Success)
	assert.Equal(t, intent.CodeKernelProtected, res.ErrorCode)
	assert.Equal(t, intent.CategoryPermission, res.Category)

	// The grant path keeps working.
	bigger := int64(50)
	require.NoError(t, w.Delegations().Grant("alice", delegation.Grant{
		Payer:         "alice",
		Charger:       "bob",
		MaxPerCall:    &bigger,
		WindowSeconds: 60,
	}))
	entries, err := w.Delegations().Entries("alice")
	require.NoError(t, err)
	require.Contains(t, entries, "bob")
	require.NotNil(t, entries["bob"].MaxPerCall)
	assert.Equal(t, int64(50), *entries["bob"].MaxPerCall)
}

func TestTaskBoardHiddenTests(t *testing.T) {
	w := buildWorld(t, baseConfig())
	require.NoError(t, w.Board().AddTask(mint.Task{
		TaskID:      "sum-tuple",
		Description: "return the sum of the two arguments",
		Reward:      40,
		PublicTests: []mint.TestCase{
			{InvokeArgs: []interface{}{1, 2}, Expected: 3, Assertion: mint.AssertEquals},
			{InvokeArgs: []interface{}{0, 0}, Expected: 0, Assertion: mint.AssertEquals},
		},
		HiddenTests: []mint.TestCase{
			{InvokeArgs: []interface{}{-1, 1}, Expected: 0, Assertion: mint.AssertEquals},
		},
	}))

	res := submit(t, w, "bob", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "wrong-sum",
		"executable":  true,
		"code":        `func run(a, b int) int { return a - b }`,
	})
	require.True(t, res.Success, res.Message)

	res = submit(t, w, "bob", map[string]interface{}{
		"action_type": "submit_to_task",
		"artifact_id": "wrong-sum",
		"task_id":     "sum-tuple",
	})
	require.False(t, res.Success)
	assert.Contains(t, res.Message, "public tests failed")
	assert.Equal(t, int64(100), w.Ledger().Balance("bob"))

	task, err := w.Board().Task("sum-tuple")
	require.NoError(t, err)
	assert.Empty(t, task.CompletedBy, "a failed submission leaves the task open")

	res = submit(t, w, "bob", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "right-sum",
		"executable":  true,
		"code":        `func run(a, b int) int { return a + b }`,
	})
	require.True(t, res.Success, res.Message)

	res = submit(t, w, "bob", map[string]interface{}{
		"action_type": "submit_to_task",
		"artifact_id": "right-sum",
		"task_id":     "sum-tuple",
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(140), w.Ledger().Balance("bob"))

	task, err = w.Board().Task("sum-tuple")
	require.NoError(t, err)
	assert.Equal(t, "bob", task.CompletedBy)

	completed := w.Events().ReadRecentByType("mint_task_completed", 10)
	require.Len(t, completed, 1)
	assert.Equal(t, "sum-tuple", completed[0].Payload["task_id"])
	assert.Equal(t, "right-sum", completed[0].Payload["artifact_id"])
	assert.Equal(t, "bob", completed[0].Payload["completed_by"])
	assert.Equal(t, float64(40), completed[0].Payload["reward"])

	// A second solver hits a closed task.
	res = submit(t, w, "carol", map[string]interface{}{
		"action_type": "write_artifact",
		"artifact_id": "late-sum",
		"executable":  true,
		"code":        `func run(a, b int) int { return a + b }`,
	})
	require.True(t, res.Success, res.Message)
	res = submit(t, w, "carol", map[string]interface{}{
		"action_type": "submit_to_task",
		"artifact_id": "late-sum",
		"task_id":     "sum-tuple",
	})
	require.False(t, res.Success)
	assert.Equal(t, int64(100), w.Ledger().Balance("carol"))
}
