package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/contracts"
	"github.com/agora-labs/agora/pkg/delegation"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/sandbox"
	"github.com/agora-labs/agora/pkg/scrip"
)

type fakeSandbox struct {
	fn func(req sandbox.Request) *sandbox.Result
}

func (f fakeSandbox) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	return f.fn(req), nil
}

func okSandbox(value interface{}, cpu float64) fakeSandbox {
	return fakeSandbox{fn: func(sandbox.Request) *sandbox.Result {
		return &sandbox.Result{Success: true, Value: value, Resources: sandbox.Resources{CPUSeconds: cpu, WallSeconds: cpu}}
	}}
}

func newFixture(t *testing.T, sb sandbox.Executor) (*Executor, *artifacts.Store, *scrip.Ledger) {
	t.Helper()
	store := artifacts.NewStore().WithContractValidator(contracts.Known)
	ledger := scrip.NewLedger()
	for _, p := range []string{"alice", "bob"} {
		ledger.Register(p, true)
		require.NoError(t, ledger.Credit(p, 100))
	}
	dm := delegation.NewManager(store)
	if sb == nil {
		sb = okSandbox("done", 0)
	}
	return New(store, ledger, dm, sb), store, ledger
}

func mustWrite(t *testing.T, store *artifacts.Store, req artifacts.WriteRequest) *artifacts.Artifact {
	t.Helper()
	art, _, err := store.Write(req)
	require.NoError(t, err)
	return art
}

func parseIntent(t *testing.T, raw string) intent.Intent {
	t.Helper()
	it, perr := intent.Parse([]byte(raw))
	require.Nil(t, perr)
	return it
}

func TestNoop(t *testing.T) {
	e, _, _ := newFixture(t, nil)
	res := e.Execute(context.Background(), "alice", intent.Noop{})
	assert.True(t, res.Success)
}

func TestReadPermissionAndPricing(t *testing.T) {
	e, store, ledger := newFixture(t, nil)
	mustWrite(t, store, artifacts.WriteRequest{
		ID: "diary", Type: artifacts.TypeData, Content: "secret", Caller: "bob",
		AccessContract: contracts.Private,
	})
	mustWrite(t, store, artifacts.WriteRequest{
		ID: "paper", Type: artifacts.TypeData, Content: "findings", Caller: "bob",
		Policy: artifacts.Policy{ReadPrice: 5},
	})

	res := e.Execute(context.Background(), "alice", intent.ReadArtifact{ArtifactID: "diary"})
	assert.False(t, res.Success)
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)
	assert.Equal(t, intent.CategoryPermission, res.Category)

	// Paid read settles caller -> controller.
	res = e.Execute(context.Background(), "alice", intent.ReadArtifact{ArtifactID: "paper"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(5), ledger.Balance("bob")-100)
	assert.Equal(t, int64(95), ledger.Balance("alice"))

	// The controller reads their own artifact for free.
	res = e.Execute(context.Background(), "bob", intent.ReadArtifact{ArtifactID: "paper"})
	require.True(t, res.Success)
	assert.NotContains(t, res.Data, "price_paid")

	res = e.Execute(context.Background(), "alice", intent.ReadArtifact{ArtifactID: "missing"})
	assert.Equal(t, intent.CodeNotFound, res.ErrorCode)
}

func TestReadTombstone(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	mustWrite(t, store, artifacts.WriteRequest{ID: "gone", Type: artifacts.TypeData, Content: "x", Caller: "alice"})
	require.NoError(t, store.Delete("gone", "alice"))

	res := e.Execute(context.Background(), "alice", intent.ReadArtifact{ArtifactID: "gone"})
	assert.Equal(t, intent.CodeDeleted, res.ErrorCode)
}

func TestWriteCreateAndPartialUpdate(t *testing.T) {
	e, store, _ := newFixture(t, nil)

	res := e.Execute(context.Background(), "alice", parseIntent(t, `{
		"action_type": "write_artifact",
		"artifact_id": "tool",
		"artifact_type": "executable",
		"code": "func run() int { return 1 }",
		"executable": true,
		"metadata": {"kind": "demo"}
	}`))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, true, res.Data["created"])

	// Updating only content must not erase code or metadata.
	res = e.Execute(context.Background(), "alice", parseIntent(t, `{
		"action_type": "write_artifact",
		"artifact_id": "tool",
		"content": "docs for the tool"
	}`))
	require.True(t, res.Success, res.Message)

	art, err := store.Get("tool")
	require.NoError(t, err)
	assert.Equal(t, "docs for the tool", art.Content)
	assert.Equal(t, "func run() int { return 1 }", art.Code)
	assert.True(t, art.Executable)
	assert.Equal(t, "demo", art.Metadata["kind"])
}

func TestWriteDeniedForNonCreator(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	mustWrite(t, store, artifacts.WriteRequest{ID: "note", Type: artifacts.TypeData, Content: "v1", Caller: "alice"})

	res := e.Execute(context.Background(), "bob", intent.WriteArtifact{ArtifactID: "note", Content: "hijacked"})
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)
}

func TestWriteKernelProtected(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	mustWrite(t, store, artifacts.WriteRequest{
		ID: "sealed", Type: artifacts.TypeData, Content: "v1", Caller: "alice", KernelProtected: true,
	})

	res := e.Execute(context.Background(), "alice", intent.WriteArtifact{ArtifactID: "sealed", Content: "v2"})
	assert.Equal(t, intent.CodeKernelProtected, res.ErrorCode)
	assert.Equal(t, intent.CategoryPermission, res.Category)
}

func TestEditUniqueMatch(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	mustWrite(t, store, artifacts.WriteRequest{
		ID: "doc", Type: artifacts.TypeData, Content: "alpha beta alpha", Caller: "alice",
	})

	res := e.Execute(context.Background(), "alice", intent.EditArtifact{ArtifactID: "doc", OldString: "gamma", NewString: "delta"})
	assert.Equal(t, intent.CodeNotFoundInContent, res.ErrorCode)

	res = e.Execute(context.Background(), "alice", intent.EditArtifact{ArtifactID: "doc", OldString: "alpha", NewString: "delta"})
	assert.Equal(t, intent.CodeNotUnique, res.ErrorCode)

	res = e.Execute(context.Background(), "alice", intent.EditArtifact{ArtifactID: "doc", OldString: "beta", NewString: "gamma"})
	require.True(t, res.Success, res.Message)

	art, err := store.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "alpha gamma alpha", art.Content)

	// Edits never retriable by code: validation-adjacent failures are final.
	res = e.Execute(context.Background(), "bob", intent.EditArtifact{ArtifactID: "doc", OldString: "gamma", NewString: "x"})
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)
	assert.False(t, res.Retriable)
}

func TestDeleteRules(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	mustWrite(t, store, artifacts.WriteRequest{ID: "tmp", Type: artifacts.TypeData, Content: "x", Caller: "alice"})
	mustWrite(t, store, artifacts.WriteRequest{
		ID: "genesis_bank", Type: artifacts.TypeData, Content: "x", Caller: artifacts.DefaultKernelPrincipal,
		AccessContract: contracts.Public,
	})

	res := e.Execute(context.Background(), "bob", intent.DeleteArtifact{ArtifactID: "tmp"})
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)

	res = e.Execute(context.Background(), "alice", intent.DeleteArtifact{ArtifactID: "tmp"})
	require.True(t, res.Success)

	res = e.Execute(context.Background(), "alice", intent.DeleteArtifact{ArtifactID: "tmp"})
	assert.Equal(t, intent.CodeDeleted, res.ErrorCode)

	// Genesis artifacts survive even their creator.
	res = e.Execute(context.Background(), artifacts.DefaultKernelPrincipal, intent.DeleteArtifact{ArtifactID: "genesis_bank"})
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)
}

func TestTransfer(t *testing.T) {
	e, _, ledger := newFixture(t, nil)

	res := e.Execute(context.Background(), "alice", intent.Transfer{To: "bob", Amount: 30, Reason: "services"})
	require.True(t, res.Success)
	assert.Equal(t, int64(70), ledger.Balance("alice"))
	assert.Equal(t, int64(130), ledger.Balance("bob"))

	res = e.Execute(context.Background(), "alice", intent.Transfer{To: "bob", Amount: 1000})
	assert.Equal(t, intent.CodeInsufficientFunds, res.ErrorCode)
	assert.Equal(t, intent.CategoryResource, res.Category)

	res = e.Execute(context.Background(), "alice", intent.Transfer{To: "alice", Amount: 1})
	assert.Equal(t, intent.CodeInvalidArgument, res.ErrorCode)
}

func TestMintRestrictedToKernel(t *testing.T) {
	e, _, ledger := newFixture(t, nil)

	res := e.Execute(context.Background(), "alice", intent.Mint{To: "alice", Amount: 50, Reason: "because"})
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)
	assert.Equal(t, int64(100), ledger.Balance("alice"))

	res = e.Execute(context.Background(), artifacts.DefaultKernelPrincipal, intent.Mint{To: "alice", Amount: 50, Reason: "bootstrap"})
	require.True(t, res.Success)
	assert.Equal(t, int64(150), ledger.Balance("alice"))
}

func TestConfigureContextMergesSettings(t *testing.T) {
	e, store, _ := newFixture(t, nil)

	res := e.Execute(context.Background(), "alice", intent.ConfigureContext{Settings: map[string]interface{}{
		"memory_window": float64(20),
		"verbose":       true,
	}})
	require.True(t, res.Success, res.Message)

	res = e.Execute(context.Background(), "alice", intent.ConfigureContext{Settings: map[string]interface{}{
		"memory_window": float64(50),
		"verbose":       nil,
	}})
	require.True(t, res.Success)

	art, err := store.Get(AgentContextID("alice"))
	require.NoError(t, err)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(art.Content), &settings))
	assert.Equal(t, float64(50), settings["memory_window"])
	assert.NotContains(t, settings, "verbose")
	assert.Equal(t, contracts.Private, art.AccessContract)
}

func TestModifySystemPrompt(t *testing.T) {
	e, store, _ := newFixture(t, nil)

	res := e.Execute(context.Background(), "alice", intent.ModifySystemPrompt{Content: "be brief"})
	require.True(t, res.Success)

	art, err := store.Get(AgentSystemPromptID("alice"))
	require.NoError(t, err)
	assert.Equal(t, "be brief", art.Content)
	assert.Equal(t, "alice", art.CreatedBy)
}

type fakeSubs struct {
	subs map[string]map[string]bool
}

func newFakeSubs() *fakeSubs { return &fakeSubs{subs: map[string]map[string]bool{}} }

func (f *fakeSubs) Subscribe(caller, artifactID string) (bool, error) {
	if f.subs[caller] == nil {
		f.subs[caller] = map[string]bool{}
	}
	if f.subs[caller][artifactID] {
		return false, nil
	}
	f.subs[caller][artifactID] = true
	return true, nil
}

func (f *fakeSubs) Unsubscribe(caller, artifactID string) (bool, error) {
	if !f.subs[caller][artifactID] {
		return false, nil
	}
	delete(f.subs[caller], artifactID)
	return true, nil
}

func TestSubscribeRequiresReadPermission(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	subs := newFakeSubs()
	e.WithSubscriptions(subs)

	mustWrite(t, store, artifacts.WriteRequest{
		ID: "feed", Type: artifacts.TypeData, Content: "x", Caller: "bob",
	})
	mustWrite(t, store, artifacts.WriteRequest{
		ID: "diary", Type: artifacts.TypeData, Content: "x", Caller: "bob",
		AccessContract: contracts.Private,
	})

	res := e.Execute(context.Background(), "alice", intent.Subscribe{ArtifactID: "feed"})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["added"])

	res = e.Execute(context.Background(), "alice", intent.Subscribe{ArtifactID: "feed"})
	require.True(t, res.Success)
	assert.Equal(t, false, res.Data["added"], "subscribe is idempotent")

	res = e.Execute(context.Background(), "alice", intent.Subscribe{ArtifactID: "diary"})
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)

	res = e.Execute(context.Background(), "alice", intent.Unsubscribe{ArtifactID: "feed"})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["removed"])
}

func TestUnconfiguredSubsystems(t *testing.T) {
	e, _, _ := newFixture(t, nil)

	for _, it := range []intent.Intent{
		intent.Subscribe{ArtifactID: "x"},
		intent.SubmitToMint{ArtifactID: "x", Bid: 1},
		intent.SubmitToTask{ArtifactID: "x", TaskID: "t"},
		intent.QueryKernel{QueryType: "balances"},
	} {
		res := e.Execute(context.Background(), "alice", it)
		assert.False(t, res.Success, "%T should fail when its subsystem is absent", it)
		assert.Equal(t, intent.CodeExecutionFailed, res.ErrorCode)
	}
}
