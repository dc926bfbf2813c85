package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/delegation"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/sandbox"
	"github.com/agora-labs/agora/pkg/scrip"
	"github.com/agora-labs/agora/pkg/tracestore"
)

func writeTool(t *testing.T, store *artifacts.Store, id, creator string, price int64) {
	t.Helper()
	_, _, err := store.Write(artifacts.WriteRequest{
		ID:         id,
		Type:       artifacts.TypeExecutable,
		Code:       "func run() int { return 1 }",
		Executable: true,
		Caller:     creator,
		Policy:     artifacts.Policy{InvokePrice: price},
	})
	require.NoError(t, err)
}

func TestInvokeChargesPriceOnSuccess(t *testing.T) {
	e, store, ledger := newFixture(t, okSandbox(float64(42), 1.5))
	writeTool(t, store, "svc", "bob", 10)
	ledger.SetResource("alice", scrip.ResourceCPU, 10)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "svc"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, float64(42), res.Data["result"])
	assert.Equal(t, int64(10), res.Data["price_paid"])
	assert.Equal(t, "alice", res.Data["payer"])

	assert.Equal(t, int64(90), ledger.Balance("alice"))
	assert.Equal(t, int64(110), ledger.Balance("bob"))
	assert.InDelta(t, 8.5, ledger.Resource("alice", scrip.ResourceCPU), 1e-9)
}

func TestInvokeNeverChargesOnFailure(t *testing.T) {
	failing := fakeSandbox{fn: func(sandbox.Request) *sandbox.Result {
		return &sandbox.Result{
			Success:   false,
			Error:     "boom",
			ErrorCode: sandbox.CodePanic,
			Resources: sandbox.Resources{CPUSeconds: 2},
		}
	}}
	e, store, ledger := newFixture(t, failing)
	writeTool(t, store, "svc", "bob", 10)
	ledger.SetResource("alice", scrip.ResourceCPU, 10)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "svc"})
	assert.False(t, res.Success)
	assert.Equal(t, intent.CodeExecutionFailed, res.ErrorCode)

	// No price moved; partial compute still deducted.
	assert.Equal(t, int64(100), ledger.Balance("alice"))
	assert.Equal(t, int64(100), ledger.Balance("bob"))
	assert.InDelta(t, 8.0, ledger.Resource("alice", scrip.ResourceCPU), 1e-9)
}

func TestInvokeTimeoutIsRetriable(t *testing.T) {
	timingOut := fakeSandbox{fn: func(sandbox.Request) *sandbox.Result {
		return &sandbox.Result{Success: false, Error: "deadline", ErrorCode: sandbox.CodeTimeout}
	}}
	e, store, _ := newFixture(t, timingOut)
	writeTool(t, store, "svc", "bob", 0)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "svc"})
	assert.Equal(t, intent.CodeTimeout, res.ErrorCode)
	assert.True(t, res.Retriable)
}

func TestInvokeValidationGates(t *testing.T) {
	e, store, ledger := newFixture(t, nil)
	writeTool(t, store, "pricey", "bob", 500)
	_, _, err := store.Write(artifacts.WriteRequest{
		ID: "plain", Type: artifacts.TypeData, Content: "not code", Caller: "bob",
	})
	require.NoError(t, err)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "missing"})
	assert.Equal(t, intent.CodeNotFound, res.ErrorCode)

	res = e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "plain"})
	assert.Equal(t, intent.CodeNotExecutable, res.ErrorCode)

	res = e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "pricey"})
	assert.Equal(t, intent.CodeInsufficientFunds, res.ErrorCode)
	assert.Equal(t, int64(100), ledger.Balance("alice"), "affordability check precedes execution")

	writeTool(t, store, "gone", "bob", 0)
	require.NoError(t, store.Delete("gone", "bob"))
	res = e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "gone"})
	assert.Equal(t, intent.CodeDeleted, res.ErrorCode)
}

func TestFrozenCallerCannotInvoke(t *testing.T) {
	e, store, ledger := newFixture(t, nil)
	writeTool(t, store, "svc", "bob", 0)
	ledger.SetResource("alice", scrip.ResourceCPU, 0)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "svc"})
	assert.Equal(t, intent.CodeQuotaExceeded, res.ErrorCode)
	assert.Equal(t, intent.CategoryResource, res.Category)

	// Principals without a configured quota are not frozen.
	res = e.Execute(context.Background(), "bob", intent.InvokeArtifact{ArtifactID: "svc"})
	assert.True(t, res.Success)
}

func TestDelegatedChargeToTarget(t *testing.T) {
	e, store, ledger := newFixture(t, nil)

	// bob's assistant artifact: the kernel stamped bob as the authorized
	// principal, so charge_to=target resolves to bob.
	writeTool(t, store, "assistant", "carol", 10)
	_, err := store.ModifyProtectedContent("assistant", artifacts.ProtectedPatch{
		Metadata: map[string]interface{}{artifacts.MetaAuthorizedPrincipal: "bob"},
	})
	require.NoError(t, err)

	// Without a delegation from bob, alice cannot bill him.
	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "assistant", ChargeTo: "target"})
	assert.Equal(t, intent.CodePermissionDenied, res.ErrorCode)

	perCall, perWindow := int64(50), int64(100)
	require.NoError(t, e.delegations.Grant("bob", delegation.Grant{
		Payer: "bob", Charger: "alice",
		MaxPerCall: &perCall, MaxPerWindow: &perWindow, WindowSeconds: 3600,
	}))

	res = e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "assistant", ChargeTo: "target"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "bob", res.Data["payer"])
	assert.Equal(t, int64(90), ledger.Balance("bob"), "payer covers the price")
	assert.Equal(t, int64(100), ledger.Balance("alice"))
	assert.Equal(t, int64(110), ledger.Balance("carol"), "controller receives the price")
}

func TestInvokeArgsSchemaValidation(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	_, _, err := store.Write(artifacts.WriteRequest{
		ID:         "typed",
		Type:       artifacts.TypeExecutable,
		Code:       "func run(a, b int) int { return a + b }",
		Executable: true,
		Caller:     "bob",
		Interface: &artifacts.Interface{Methods: map[string]artifacts.MethodSpec{
			"run": {ArgsSchema: map[string]interface{}{
				"type":     "array",
				"items":    map[string]interface{}{"type": "number"},
				"minItems": 2,
				"maxItems": 2,
			}},
		}},
	})
	require.NoError(t, err)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{
		ArtifactID: "typed", Args: []interface{}{1},
	})
	assert.Equal(t, intent.CodeInvalidArgument, res.ErrorCode)
	assert.Equal(t, intent.CategoryValidation, res.Category)

	res = e.Execute(context.Background(), "alice", intent.InvokeArtifact{
		ArtifactID: "typed", Args: []interface{}{1, 2},
	})
	assert.True(t, res.Success, res.Message)
}

func TestGenesisHandlerDispatch(t *testing.T) {
	e, store, _ := newFixture(t, nil)
	handlers := sandbox.NewHandlerRegistry()
	handlers.Register("genesis_bank", "balance", func(_ context.Context, caller string, _ []interface{}) (interface{}, error) {
		return map[string]interface{}{"principal": caller, "balance": int64(100)}, nil
	})
	e.WithHandlers(handlers)

	_, _, err := store.Write(artifacts.WriteRequest{
		ID:         "genesis_bank",
		Type:       artifacts.TypeExecutable,
		Code:       "kernel internal",
		Executable: true,
		Caller:     artifacts.DefaultKernelPrincipal,
	})
	require.NoError(t, err)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "genesis_bank", Method: "balance"})
	require.True(t, res.Success, res.Message)
	value := res.Data["result"].(map[string]interface{})
	assert.Equal(t, "alice", value["principal"])
}

func TestDependencyWrappersAndTrace(t *testing.T) {
	// The sandbox stand-in: the outer artifact calls its dependency once
	// and returns the dependency's value doubled.
	sb := fakeSandbox{fn: func(req sandbox.Request) *sandbox.Result {
		if dep, ok := req.Dependencies["helper"]; ok {
			v, err := dep(float64(21))
			if err != nil {
				return &sandbox.Result{Success: false, Error: err.Error(), ErrorCode: sandbox.CodeEvalFailed}
			}
			return &sandbox.Result{Success: true, Value: v.(float64) * 2, Resources: sandbox.Resources{CPUSeconds: 0.1}}
		}
		// Innermost frame: the dependency itself.
		return &sandbox.Result{Success: true, Value: float64(21), Resources: sandbox.Resources{CPUSeconds: 0.05}}
	}}
	e, store, _ := newFixture(t, sb)
	traces := tracestore.NewMemoryStore(16)
	e.WithTraceStore(traces, "run-1", func() uint64 { return 7 })
	e.WithClock(func() time.Time { return time.Unix(1700000000, 0) })

	writeTool(t, store, "helper", "bob", 0)
	_, _, err := store.Write(artifacts.WriteRequest{
		ID:         "outer",
		Type:       artifacts.TypeExecutable,
		Code:       "func run() float64 { return 0 }",
		Executable: true,
		Caller:     "bob",
		DependsOn:  []string{"helper"},
	})
	require.NoError(t, err)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "outer"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, float64(42), res.Data["result"])

	nested := res.Data["nested_invocations"].([]map[string]interface{})
	require.Len(t, nested, 1)
	assert.Equal(t, "helper", nested[0]["artifact_id"])
	assert.Equal(t, 1, nested[0]["depth"])

	recorded, err := traces.ByInvoker(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	tr := recorded[0]
	assert.Equal(t, "run-1", tr.RunID)
	assert.Equal(t, uint64(7), tr.EventNumber)
	assert.Equal(t, "outer", tr.ArtifactID)
	require.Len(t, tr.Nested, 1)
	assert.Equal(t, "helper", tr.Nested[0].ArtifactID)
}

func TestInvokeDepthLimit(t *testing.T) {
	// Every frame calls back into itself through the capability surface.
	sb := fakeSandbox{fn: func(req sandbox.Request) *sandbox.Result {
		v, err := req.Caps.Invoke("loop", "run", nil)
		if err != nil {
			return &sandbox.Result{Success: false, Error: err.Error(), ErrorCode: sandbox.CodeEvalFailed}
		}
		return &sandbox.Result{Success: true, Value: v}
	}}
	e, store, _ := newFixture(t, sb)
	e.WithMaxInvokeDepth(3)
	writeTool(t, store, "loop", "bob", 0)

	res := e.Execute(context.Background(), "alice", intent.InvokeArtifact{ArtifactID: "loop"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "max depth 3")
}
