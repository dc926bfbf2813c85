package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/contracts"
	"github.com/agora-labs/agora/pkg/delegation"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/sandbox"
	"github.com/agora-labs/agora/pkg/scrip"
	"github.com/agora-labs/agora/pkg/tracestore"
)

// MetaRuntime selects the sandbox runtime for an artifact's code.
const MetaRuntime = "runtime"

// nestedTrace accumulates inner invocations of one top-level call, in
// the order the artifact's code issued them.
type nestedTrace struct {
	calls []tracestore.NestedCall
}

func (t *nestedTrace) add(artifactID, method string, depth int, res intent.ActionResult, cpu float64) {
	call := tracestore.NestedCall{
		ArtifactID: artifactID,
		Method:     method,
		Depth:      depth,
		Success:    res.Success,
		CPUSeconds: cpu,
	}
	if !res.Success {
		call.Error = res.Message
	}
	t.calls = append(t.calls, call)
}

func (e *Executor) execInvoke(ctx context.Context, caller string, v intent.InvokeArtifact) intent.ActionResult {
	method := v.Method
	if method == "" {
		method = sandbox.DefaultMethod
	}

	tr := &nestedTrace{}
	res, resources, price, payer := e.invoke(ctx, caller, v.ArtifactID, method, v.Args, v.ChargeTo, 0, tr)

	if res.Success {
		if res.Data == nil {
			res.Data = map[string]interface{}{}
		}
		res.Data["nested_invocations"] = nestedCallMaps(tr.calls)
	}

	if e.traces != nil {
		_ = e.traces.Record(ctx, tracestore.Trace{
			RunID:       e.runID,
			EventNumber: e.eventNumber(),
			Caller:      caller,
			ArtifactID:  v.ArtifactID,
			Method:      method,
			Success:     res.Success,
			ErrorCode:   res.ErrorCode,
			PricePaid:   price,
			Payer:       payer,
			CPUSeconds:  resources.CPUSeconds,
			WallSeconds: resources.WallSeconds,
			Nested:      tr.calls,
			RecordedAt:  e.clock().UTC(),
		})
	}
	return res
}

// invoke is the full pipeline for one invocation frame. It returns the
// boundary result plus the measured resources and settled price so the
// top-level frame can persist a trace.
func (e *Executor) invoke(ctx context.Context, caller, artifactID, method string, args []interface{}, chargeTo string, depth int, tr *nestedTrace) (intent.ActionResult, sandbox.Resources, int64, string) {
	var zero sandbox.Resources

	if depth >= e.maxDepth {
		return intent.Fail(intent.CategoryExecution, intent.CodeDepthExceeded,
			fmt.Sprintf("invoke chain exceeds max depth %d", e.maxDepth)), zero, 0, ""
	}

	// A frozen caller (compute quota configured and spent) cannot invoke.
	if quota, ok := e.ledger.Resources(caller)[scrip.ResourceCPU]; ok && quota <= 0 {
		return intent.Fail(intent.CategoryResource, intent.CodeQuotaExceeded,
			fmt.Sprintf("principal %s has no compute left", caller)), zero, 0, ""
	}

	art, err := e.store.Get(artifactID)
	if err != nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error()), zero, 0, ""
	}
	if art.Deleted {
		return intent.Fail(intent.CategoryExecution, intent.CodeDeleted,
			fmt.Sprintf("artifact %s is deleted", artifactID)), zero, 0, ""
	}
	if !art.Executable {
		return intent.Fail(intent.CategoryExecution, intent.CodeNotExecutable,
			fmt.Sprintf("artifact %s is not executable", artifactID)), zero, 0, ""
	}
	if d := contracts.Check(art.AccessContract, contracts.ActionInvoke, caller, art.CreatedBy); !d.Allowed {
		return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, d.Reason), zero, 0, ""
	}
	if method == "" {
		method = sandbox.DefaultMethod
	}

	// Settlement legs are verified here; nothing is applied until the
	// sandbox returns success.
	payer, err := delegation.ResolvePayer(chargeTo, caller, art)
	if err != nil {
		return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error()), zero, 0, ""
	}
	price := art.Policy.InvokePrice
	if price > 0 {
		if payer != caller {
			ok, reason := e.delegations.AuthorizeCharge(caller, payer, price)
			if !ok {
				return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied,
					fmt.Sprintf("charge %d to %s: %s", price, payer, reason)), zero, 0, payer
			}
		}
		if !e.ledger.CanDebit(payer, price) {
			return intent.Fail(intent.CategoryResource, intent.CodeInsufficientFunds,
				fmt.Sprintf("payer %s cannot cover invoke price %d", payer, price)), zero, 0, payer
		}
	}

	if err := e.schemas.validateArgs(art, method, args); err != nil {
		return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error()), zero, 0, payer
	}

	deps := e.dependencyWrappers(ctx, caller, art, depth, tr)
	caps := e.capabilities(ctx, caller, depth, tr)

	res := e.runCode(ctx, art, method, args, caller, deps, caps)

	// Partial consumption is deducted from the caller whatever the
	// outcome; only the price is contingent on success.
	e.ledger.ConsumeResource(caller, scrip.ResourceCPU, res.Resources.CPUSeconds)

	if !res.Success {
		category, code := sandboxFailure(res.ErrorCode)
		return intent.Fail(category, code, res.Error), res.Resources, 0, payer
	}

	if price > 0 {
		if err := e.ledger.Transfer(payer, art.Controller(), price); err != nil {
			// The payer's balance moved during execution (a capability
			// write can spend). The charge leg failed, so the action fails.
			return intent.Fail(intent.CategoryResource, intent.CodeInsufficientFunds,
				fmt.Sprintf("settle invoke price %d: %v", price, err)), res.Resources, 0, payer
		}
		if payer != caller {
			e.delegations.RecordCharge(payer, caller, price)
		}
	}

	return intent.OK(fmt.Sprintf("invoked %s.%s", artifactID, method), map[string]interface{}{
		"result":     res.Value,
		"method":     method,
		"price_paid": price,
		"payer":      payer,
		"resources_consumed": map[string]interface{}{
			"cpu_seconds":  res.Resources.CPUSeconds,
			"memory_bytes": res.Resources.MemoryBytes,
			"wall_seconds": res.Resources.WallSeconds,
		},
	}), res.Resources, price, payer
}

// runCode dispatches to the genesis handler registry or the sandbox.
func (e *Executor) runCode(ctx context.Context, art *artifacts.Artifact, method string, args []interface{}, caller string, deps map[string]sandbox.DepFunc, caps sandbox.Capabilities) *sandbox.Result {
	if e.handlers != nil && e.handlers.Handles(art.ID) {
		hctx, cancel := context.WithTimeout(ctx, e.deadline)
		defer cancel()
		start := time.Now()
		value, err := e.handlers.Call(hctx, art.ID, method, caller, args)
		elapsed := time.Since(start).Seconds()
		res := &sandbox.Result{
			Success:   err == nil,
			Value:     value,
			Resources: sandbox.Resources{CPUSeconds: elapsed, WallSeconds: elapsed},
		}
		if err != nil {
			res.Error = err.Error()
			res.ErrorCode = sandbox.CodeEvalFailed
			if errors.Is(err, context.DeadlineExceeded) {
				res.ErrorCode = sandbox.CodeTimeout
			}
		}
		return res
	}

	res, err := e.sandbox.Execute(ctx, sandbox.Request{
		Code:         art.Code,
		Method:       method,
		Args:         args,
		CallerID:     caller,
		ArtifactID:   art.ID,
		Runtime:      artifactRuntime(art),
		Dependencies: deps,
		Caps:         caps,
		Deadline:     e.deadline,
		MemoryLimit:  e.memoryLimit,
	})
	if err != nil {
		return &sandbox.Result{Success: false, Error: err.Error(), ErrorCode: sandbox.CodeEvalFailed}
	}
	return res
}

// dependencyWrappers builds the context.dependencies map: one callable
// per depends_on entry, re-entering this pipeline with the same caller
// so resource attribution flows to the top-level invoker.
func (e *Executor) dependencyWrappers(ctx context.Context, caller string, art *artifacts.Artifact, depth int, tr *nestedTrace) map[string]sandbox.DepFunc {
	if len(art.DependsOn) == 0 {
		return nil
	}
	deps := make(map[string]sandbox.DepFunc, len(art.DependsOn))
	for _, depID := range art.DependsOn {
		depID := depID
		deps[depID] = func(args ...interface{}) (interface{}, error) {
			res, resources, _, _ := e.invoke(ctx, caller, depID, sandbox.DefaultMethod, args, "", depth+1, tr)
			tr.add(depID, sandbox.DefaultMethod, depth+1, res, resources.CPUSeconds)
			if !res.Success {
				return nil, errors.New(res.Message)
			}
			return res.Data["result"], nil
		}
	}
	return deps
}

// capabilities is the kernel surface sandboxed code sees. Every entry
// re-enters the kernel as the invoking caller: code can do nothing its
// caller could not have done directly.
func (e *Executor) capabilities(ctx context.Context, caller string, depth int, tr *nestedTrace) sandbox.Capabilities {
	return sandbox.Capabilities{
		Invoke: func(artifactID, method string, args []interface{}) (interface{}, error) {
			if method == "" {
				method = sandbox.DefaultMethod
			}
			res, resources, _, _ := e.invoke(ctx, caller, artifactID, method, args, "", depth+1, tr)
			tr.add(artifactID, method, depth+1, res, resources.CPUSeconds)
			if !res.Success {
				return nil, errors.New(res.Message)
			}
			return res.Data["result"], nil
		},
		ReadContent: func(artifactID string) (string, error) {
			return e.readContentAs(caller, artifactID)
		},
		WriteContent: func(artifactID, content string) error {
			return e.writeContentAs(caller, artifactID, content)
		},
	}
}

func (e *Executor) readContentAs(caller, artifactID string) (string, error) {
	art, err := e.store.Get(artifactID)
	if err != nil {
		return "", err
	}
	if art.Deleted {
		return "", fmt.Errorf("artifact %s is deleted", artifactID)
	}
	if d := contracts.Check(art.AccessContract, contracts.ActionRead, caller, art.CreatedBy); !d.Allowed {
		return "", errors.New(d.Reason)
	}
	if price := art.Policy.ReadPrice; price > 0 && caller != art.Controller() {
		if err := e.ledger.Transfer(caller, art.Controller(), price); err != nil {
			return "", fmt.Errorf("read price %d: %w", price, err)
		}
	}
	return art.Content, nil
}

func (e *Executor) writeContentAs(caller, artifactID, content string) error {
	art, err := e.store.Get(artifactID)
	if err != nil {
		return err
	}
	if art.Deleted {
		return fmt.Errorf("artifact %s is deleted", artifactID)
	}
	if art.KernelProtected {
		return fmt.Errorf("artifact %s is kernel protected", artifactID)
	}
	if d := contracts.Check(art.AccessContract, contracts.ActionWrite, caller, art.CreatedBy); !d.Allowed {
		return errors.New(d.Reason)
	}
	_, _, err = e.store.Write(artifacts.WriteRequest{
		ID:              art.ID,
		Type:            art.Type,
		Content:         content,
		Code:            art.Code,
		Executable:      art.Executable,
		Caller:          caller,
		AccessContract:  art.AccessContract,
		Policy:          art.Policy,
		Metadata:        art.Metadata,
		DependsOn:       art.DependsOn,
		HasStanding:     art.HasStanding,
		CanExecute:      art.CanExecute,
		KernelProtected: art.KernelProtected,
		Interface:       art.Interface,
	})
	return err
}

// sandboxFailure maps sandbox error codes onto the boundary vocabulary.
// Timeouts are the only retriable sandbox failure.
func sandboxFailure(code string) (intent.Category, string) {
	switch code {
	case sandbox.CodeTimeout:
		return intent.CategoryExecution, intent.CodeTimeout
	case sandbox.CodeMemoryExceeded, sandbox.CodeOutputExceeded:
		return intent.CategoryResource, intent.CodeQuotaExceeded
	default:
		return intent.CategoryExecution, intent.CodeExecutionFailed
	}
}

func artifactRuntime(art *artifacts.Artifact) string {
	if art.Metadata == nil {
		return ""
	}
	if rt, ok := art.Metadata[MetaRuntime].(string); ok {
		return rt
	}
	return ""
}

func nestedCallMaps(calls []tracestore.NestedCall) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(calls))
	for _, c := range calls {
		m := map[string]interface{}{
			"artifact_id": c.ArtifactID,
			"method":      c.Method,
			"depth":       c.Depth,
			"success":     c.Success,
			"cpu_seconds": c.CPUSeconds,
		}
		if c.Error != "" {
			m["error"] = c.Error
		}
		out = append(out, m)
	}
	return out
}
