// Package executor applies parsed intents to world state.
//
// The executor is the settlement point of the kernel: for every effect
// that couples a scrip or resource change with a state mutation it
// verifies feasibility of all parts before applying any of them. This
// verify-then-apply discipline replaces transactions; it is sound
// because the kernel serializes intents (see the kernel package).
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/contracts"
	"github.com/agora-labs/agora/pkg/delegation"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/mint"
	"github.com/agora-labs/agora/pkg/sandbox"
	"github.com/agora-labs/agora/pkg/scrip"
	"github.com/agora-labs/agora/pkg/tracestore"
)

// DefaultMaxInvokeDepth bounds nested invoke chains.
const DefaultMaxInvokeDepth = 5

// Subscriptions is the subscription bookkeeping the kernel provides.
// The bool result reports whether the call changed anything.
type Subscriptions interface {
	Subscribe(caller, artifactID string) (bool, error)
	Unsubscribe(caller, artifactID string) (bool, error)
}

// QueryFunc serves query_kernel intents. Wired by the kernel to the
// query package; kept as a function so this package stays independent
// of the projection layer.
type QueryFunc func(ctx context.Context, caller, queryType string, params map[string]interface{}) intent.ActionResult

// Executor dispatches intents against the stores it is wired to.
type Executor struct {
	store       *artifacts.Store
	ledger      *scrip.Ledger
	delegations *delegation.Manager
	sandbox     sandbox.Executor
	handlers    *sandbox.HandlerRegistry
	auction     *mint.Auction
	board       *mint.Board
	traces      tracestore.Store
	query       QueryFunc
	subs        Subscriptions
	schemas     *schemaCache

	kernelPrincipal string
	maxDepth        int
	deadline        time.Duration
	memoryLimit     int64
	runID           string
	eventNumber     func() uint64
	clock           func() time.Time
}

// New wires the mandatory collaborators. Optional subsystems attach via
// the With* builders.
func New(store *artifacts.Store, ledger *scrip.Ledger, delegations *delegation.Manager, sb sandbox.Executor) *Executor {
	return &Executor{
		store:           store,
		ledger:          ledger,
		delegations:     delegations,
		sandbox:         sb,
		schemas:         newSchemaCache(),
		kernelPrincipal: artifacts.DefaultKernelPrincipal,
		maxDepth:        DefaultMaxInvokeDepth,
		deadline:        sandbox.DefaultDeadline,
		eventNumber:     func() uint64 { return 0 },
		clock:           time.Now,
	}
}

// WithHandlers wires the genesis handler registry.
func (e *Executor) WithHandlers(h *sandbox.HandlerRegistry) *Executor {
	e.handlers = h
	return e
}

// WithMint wires the auction and task board.
func (e *Executor) WithMint(a *mint.Auction, b *mint.Board) *Executor {
	e.auction = a
	e.board = b
	return e
}

// WithTraceStore wires invocation-trace persistence. eventNumber is read
// after each top-level invoke to stamp the trace.
func (e *Executor) WithTraceStore(ts tracestore.Store, runID string, eventNumber func() uint64) *Executor {
	e.traces = ts
	e.runID = runID
	if eventNumber != nil {
		e.eventNumber = eventNumber
	}
	return e
}

// WithQuery wires the query_kernel dispatcher.
func (e *Executor) WithQuery(fn QueryFunc) *Executor {
	e.query = fn
	return e
}

// WithSubscriptions wires subscription bookkeeping.
func (e *Executor) WithSubscriptions(s Subscriptions) *Executor {
	e.subs = s
	return e
}

// WithKernelPrincipal overrides the principal allowed to mint directly.
func (e *Executor) WithKernelPrincipal(id string) *Executor {
	e.kernelPrincipal = id
	return e
}

// WithMaxInvokeDepth overrides the nested-invoke depth limit.
func (e *Executor) WithMaxInvokeDepth(depth int) *Executor {
	if depth > 0 {
		e.maxDepth = depth
	}
	return e
}

// WithInvokeDeadline overrides the per-invocation wall deadline.
func (e *Executor) WithInvokeDeadline(d time.Duration) *Executor {
	if d > 0 {
		e.deadline = d
	}
	return e
}

// WithMemoryLimit bounds sandbox memory per invocation.
func (e *Executor) WithMemoryLimit(bytes int64) *Executor {
	e.memoryLimit = bytes
	return e
}

// WithClock injects a time source.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Execute applies one parsed intent on behalf of caller.
func (e *Executor) Execute(ctx context.Context, caller string, it intent.Intent) intent.ActionResult {
	switch v := it.(type) {
	case intent.Noop:
		return intent.OK("noop", nil)
	case intent.ReadArtifact:
		return e.execRead(caller, v)
	case intent.WriteArtifact:
		return e.execWrite(caller, v)
	case intent.EditArtifact:
		return e.execEdit(caller, v)
	case intent.DeleteArtifact:
		return e.execDelete(caller, v)
	case intent.InvokeArtifact:
		return e.execInvoke(ctx, caller, v)
	case intent.Subscribe:
		return e.execSubscribe(caller, v)
	case intent.Unsubscribe:
		return e.execUnsubscribe(caller, v)
	case intent.SubmitToMint:
		return e.execSubmitToMint(caller, v)
	case intent.SubmitToTask:
		return e.execSubmitToTask(ctx, caller, v)
	case intent.Transfer:
		return e.execTransfer(caller, v)
	case intent.Mint:
		return e.execMint(caller, v)
	case intent.QueryKernel:
		if e.query == nil {
			return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, "query dispatch is not configured")
		}
		return e.query(ctx, caller, v.QueryType, v.Params)
	case intent.ConfigureContext:
		return e.execConfigureContext(caller, v)
	case intent.ModifySystemPrompt:
		return e.execModifySystemPrompt(caller, v)
	default:
		return intent.Fail(intent.CategoryValidation, intent.CodeUnknownAction, fmt.Sprintf("unhandled intent kind %q", it.Kind()))
	}
}

func (e *Executor) execRead(caller string, v intent.ReadArtifact) intent.ActionResult {
	art, err := e.store.Get(v.ArtifactID)
	if err != nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error())
	}
	if art.Deleted {
		return intent.Fail(intent.CategoryExecution, intent.CodeDeleted, fmt.Sprintf("artifact %s is deleted", v.ArtifactID))
	}
	if d := contracts.Check(art.AccessContract, contracts.ActionRead, caller, art.CreatedBy); !d.Allowed {
		return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, d.Reason)
	}

	// Paid reads settle before the content is handed over.
	price := art.Policy.ReadPrice
	paid := false
	if price > 0 && caller != art.Controller() {
		if err := e.ledger.Transfer(caller, art.Controller(), price); err != nil {
			return intent.Fail(intent.CategoryResource, intent.CodeInsufficientFunds,
				fmt.Sprintf("read price %d: %v", price, err))
		}
		paid = true
	}
	data := map[string]interface{}{"artifact": toJSONMap(art)}
	if paid {
		data["price_paid"] = price
	}
	return intent.OK(fmt.Sprintf("read %s", v.ArtifactID), data)
}

func (e *Executor) execWrite(caller string, v intent.WriteArtifact) intent.ActionResult {
	req := artifacts.WriteRequest{
		ID:             v.ArtifactID,
		Type:           v.ArtifactType,
		Content:        v.Content,
		Code:           v.Code,
		Executable:     v.Executable,
		Caller:         caller,
		AccessContract: v.AccessContract,
		Metadata:       v.Metadata,
		DependsOn:      v.DependsOn,
	}
	if v.Policy != nil {
		pol, err := decodePolicy(v.Policy)
		if err != nil {
			return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, fmt.Sprintf("policy: %v", err))
		}
		req.Policy = pol
	}
	if v.Interface != nil {
		iface, err := decodeInterface(v.Interface)
		if err != nil {
			return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, fmt.Sprintf("interface: %v", err))
		}
		req.Interface = iface
	}

	// Updates resolve missing fields against the existing record and pass
	// a contract check before the store sees the request.
	if v.ArtifactID != "" && e.store.HasRecord(v.ArtifactID) {
		existing, err := e.store.Get(v.ArtifactID)
		if err != nil {
			return storeFailure(err)
		}
		if existing.Deleted {
			return intent.Fail(intent.CategoryExecution, intent.CodeDeleted, fmt.Sprintf("artifact %s is deleted", v.ArtifactID))
		}
		if existing.KernelProtected {
			return intent.Fail(intent.CategoryPermission, intent.CodeKernelProtected,
				fmt.Sprintf("artifact %s is kernel protected", v.ArtifactID))
		}
		if d := contracts.Check(existing.AccessContract, contracts.ActionWrite, caller, existing.CreatedBy); !d.Allowed {
			return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, d.Reason)
		}
		mergeWriteRequest(&req, existing, v)
	}

	art, created, err := e.store.Write(req)
	if err != nil {
		return storeFailure(err)
	}
	verb := "updated"
	if created {
		verb = "created"
	}
	return intent.OK(fmt.Sprintf("%s artifact %s", verb, art.ID), map[string]interface{}{
		"artifact_id": art.ID,
		"created":     created,
		"type":        art.Type,
	})
}

// mergeWriteRequest carries existing state for fields the intent left
// unset, so a partial update does not silently erase them.
func mergeWriteRequest(req *artifacts.WriteRequest, existing *artifacts.Artifact, v intent.WriteArtifact) {
	if v.ArtifactType == "" {
		req.Type = existing.Type
	}
	if v.Content == "" {
		req.Content = existing.Content
	}
	if v.Code == "" {
		req.Code = existing.Code
		req.Executable = existing.Executable
	}
	if v.AccessContract == "" {
		req.AccessContract = existing.AccessContract
	}
	if v.Policy == nil {
		req.Policy = existing.Policy
	}
	if v.Metadata == nil {
		req.Metadata = existing.Metadata
	}
	if v.DependsOn == nil {
		req.DependsOn = existing.DependsOn
	}
	if v.Interface == nil {
		req.Interface = existing.Interface
	}
	req.HasStanding = existing.HasStanding
	req.CanExecute = existing.CanExecute
	req.KernelProtected = existing.KernelProtected
}

func (e *Executor) execEdit(caller string, v intent.EditArtifact) intent.ActionResult {
	art, err := e.store.Get(v.ArtifactID)
	if err != nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error())
	}
	if art.Deleted {
		return intent.Fail(intent.CategoryExecution, intent.CodeDeleted, fmt.Sprintf("artifact %s is deleted", v.ArtifactID))
	}
	if art.KernelProtected {
		return intent.Fail(intent.CategoryPermission, intent.CodeKernelProtected,
			fmt.Sprintf("artifact %s is kernel protected", v.ArtifactID))
	}
	if d := contracts.Check(art.AccessContract, contracts.ActionWrite, caller, art.CreatedBy); !d.Allowed {
		return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, d.Reason)
	}

	switch n := strings.Count(art.Content, v.OldString); {
	case n == 0:
		return intent.Fail(intent.CategoryExecution, intent.CodeNotFoundInContent,
			fmt.Sprintf("old_string not found in %s", v.ArtifactID))
	case n > 1:
		return intent.Fail(intent.CategoryExecution, intent.CodeNotUnique,
			fmt.Sprintf("old_string occurs %d times in %s; it must be unique", n, v.ArtifactID))
	}
	newContent := strings.Replace(art.Content, v.OldString, v.NewString, 1)
	if newContent == art.Content {
		return intent.Fail(intent.CategoryExecution, intent.CodeNoChange, "edit produced identical content")
	}

	_, _, err = e.store.Write(artifacts.WriteRequest{
		ID:              art.ID,
		Type:            art.Type,
		Content:         newContent,
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
	if err != nil {
		return storeFailure(err)
	}
	return intent.OK(fmt.Sprintf("edited artifact %s", art.ID), map[string]interface{}{
		"artifact_id": art.ID,
		"new_length":  len(newContent),
	})
}

func (e *Executor) execDelete(caller string, v intent.DeleteArtifact) intent.ActionResult {
	art, err := e.store.Get(v.ArtifactID)
	if err != nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error())
	}
	if art.Deleted {
		return intent.Fail(intent.CategoryExecution, intent.CodeDeleted, fmt.Sprintf("artifact %s is already deleted", v.ArtifactID))
	}
	if art.KernelProtected {
		return intent.Fail(intent.CategoryPermission, intent.CodeKernelProtected,
			fmt.Sprintf("artifact %s is kernel protected", v.ArtifactID))
	}
	if d := contracts.Check(art.AccessContract, contracts.ActionDelete, caller, art.CreatedBy); !d.Allowed {
		return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, d.Reason)
	}
	if err := e.store.Delete(v.ArtifactID, caller); err != nil {
		return storeFailure(err)
	}
	return intent.OK(fmt.Sprintf("deleted artifact %s", v.ArtifactID), map[string]interface{}{
		"artifact_id": v.ArtifactID,
	})
}

func (e *Executor) execSubscribe(caller string, v intent.Subscribe) intent.ActionResult {
	if e.subs == nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, "subscriptions are not configured")
	}
	art, err := e.store.Get(v.ArtifactID)
	if err != nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error())
	}
	if art.Deleted {
		return intent.Fail(intent.CategoryExecution, intent.CodeDeleted, fmt.Sprintf("artifact %s is deleted", v.ArtifactID))
	}
	if d := contracts.Check(art.AccessContract, contracts.ActionSubscribe, caller, art.CreatedBy); !d.Allowed {
		return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, d.Reason)
	}
	added, err := e.subs.Subscribe(caller, v.ArtifactID)
	if err != nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, err.Error())
	}
	return intent.OK(fmt.Sprintf("subscribed to %s", v.ArtifactID), map[string]interface{}{
		"artifact_id": v.ArtifactID,
		"added":       added,
	})
}

func (e *Executor) execUnsubscribe(caller string, v intent.Unsubscribe) intent.ActionResult {
	if e.subs == nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, "subscriptions are not configured")
	}
	removed, err := e.subs.Unsubscribe(caller, v.ArtifactID)
	if err != nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, err.Error())
	}
	return intent.OK(fmt.Sprintf("unsubscribed from %s", v.ArtifactID), map[string]interface{}{
		"artifact_id": v.ArtifactID,
		"removed":     removed,
	})
}

func (e *Executor) execSubmitToMint(caller string, v intent.SubmitToMint) intent.ActionResult {
	if e.auction == nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, "mint auction is not configured")
	}
	sub, err := e.auction.Submit(caller, v.ArtifactID, v.Bid)
	if err != nil {
		switch {
		case errors.Is(err, mint.ErrArtifactNotFound):
			return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error())
		case errors.Is(err, mint.ErrNotExecutable):
			return intent.Fail(intent.CategoryExecution, intent.CodeNotExecutable, err.Error())
		case errors.Is(err, mint.ErrNotOwner):
			return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, err.Error())
		case errors.Is(err, mint.ErrBadBid):
			return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error())
		case errors.Is(err, scrip.ErrInsufficientFunds):
			return intent.Fail(intent.CategoryResource, intent.CodeInsufficientFunds, err.Error())
		default:
			return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, err.Error())
		}
	}
	return intent.OK(fmt.Sprintf("submitted %s with bid %d", v.ArtifactID, v.Bid), map[string]interface{}{
		"submission_id": sub.SubmissionID,
		"artifact_id":   sub.ArtifactID,
		"bid":           sub.Bid,
	})
}

func (e *Executor) execSubmitToTask(ctx context.Context, caller string, v intent.SubmitToTask) intent.ActionResult {
	if e.board == nil {
		return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, "task board is not configured")
	}
	res, err := e.board.SubmitSolution(ctx, caller, v.ArtifactID, v.TaskID)
	if err != nil {
		switch {
		case errors.Is(err, mint.ErrTaskNotFound), errors.Is(err, mint.ErrArtifactNotFound):
			return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error())
		case errors.Is(err, mint.ErrNotAuthorized):
			return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, err.Error())
		case errors.Is(err, mint.ErrTaskClosed), errors.Is(err, mint.ErrTaskExpired), errors.Is(err, mint.ErrNoCode):
			return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error())
		default:
			return intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, err.Error())
		}
	}
	data := toJSONMap(res)
	if !res.Completed {
		out := intent.Fail(intent.CategoryExecution, intent.CodeExecutionFailed, res.Message)
		out.Data = data
		return out
	}
	return intent.OK(res.Message, data)
}

func (e *Executor) execTransfer(caller string, v intent.Transfer) intent.ActionResult {
	if v.To == caller {
		return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, "cannot transfer to self")
	}
	if err := e.ledger.Transfer(caller, v.To, v.Amount); err != nil {
		if errors.Is(err, scrip.ErrInsufficientFunds) {
			return intent.Fail(intent.CategoryResource, intent.CodeInsufficientFunds, err.Error())
		}
		return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error())
	}
	return intent.OK(fmt.Sprintf("transferred %d to %s", v.Amount, v.To), map[string]interface{}{
		"from":   caller,
		"to":     v.To,
		"amount": v.Amount,
		"reason": v.Reason,
	})
}

func (e *Executor) execMint(caller string, v intent.Mint) intent.ActionResult {
	if caller != e.kernelPrincipal {
		return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied,
			"direct mint is restricted to the kernel; use the auction or task board")
	}
	if err := e.ledger.Credit(v.To, v.Amount); err != nil {
		return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error())
	}
	return intent.OK(fmt.Sprintf("minted %d to %s", v.Amount, v.To), map[string]interface{}{
		"to":     v.To,
		"amount": v.Amount,
		"reason": v.Reason,
	})
}

// execConfigureContext merges settings into the caller's own context
// artifact. The prompting layer that consumes the artifact lives outside
// the kernel.
func (e *Executor) execConfigureContext(caller string, v intent.ConfigureContext) intent.ActionResult {
	id := AgentContextID(caller)
	settings := map[string]interface{}{}
	if existing, err := e.store.Get(id); err == nil && !existing.Deleted && existing.Content != "" {
		if uerr := json.Unmarshal([]byte(existing.Content), &settings); uerr != nil {
			settings = map[string]interface{}{}
		}
	}
	for k, val := range v.Settings {
		if val == nil {
			delete(settings, k)
			continue
		}
		settings[k] = val
	}
	content, err := json.Marshal(settings)
	if err != nil {
		return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error())
	}
	_, _, err = e.store.Write(artifacts.WriteRequest{
		ID:             id,
		Type:           artifacts.TypeMemory,
		Content:        string(content),
		Caller:         caller,
		AccessContract: contracts.Private,
	})
	if err != nil {
		return storeFailure(err)
	}
	return intent.OK("context settings updated", map[string]interface{}{
		"artifact_id": id,
		"settings":    settings,
	})
}

func (e *Executor) execModifySystemPrompt(caller string, v intent.ModifySystemPrompt) intent.ActionResult {
	id := AgentSystemPromptID(caller)
	_, _, err := e.store.Write(artifacts.WriteRequest{
		ID:             id,
		Type:           artifacts.TypeMemory,
		Content:        v.Content,
		Caller:         caller,
		AccessContract: contracts.Private,
	})
	if err != nil {
		return storeFailure(err)
	}
	return intent.OK("system prompt updated", map[string]interface{}{
		"artifact_id": id,
		"length":      len(v.Content),
	})
}

// AgentContextID names the caller-owned context-settings artifact.
func AgentContextID(principal string) string { return "agent:" + principal + ":context" }

// AgentSystemPromptID names the caller-owned system-prompt artifact.
func AgentSystemPromptID(principal string) string { return "agent:" + principal + ":system_prompt" }

// storeFailure maps artifact-store errors onto the boundary vocabulary.
func storeFailure(err error) intent.ActionResult {
	switch {
	case errors.Is(err, artifacts.ErrNotFound):
		return intent.Fail(intent.CategoryExecution, intent.CodeNotFound, err.Error())
	case errors.Is(err, artifacts.ErrTombstoned):
		return intent.Fail(intent.CategoryExecution, intent.CodeDeleted, err.Error())
	case errors.Is(err, artifacts.ErrKernelProtected):
		return intent.Fail(intent.CategoryPermission, intent.CodeKernelProtected, err.Error())
	case errors.Is(err, artifacts.ErrReservedID),
		errors.Is(err, artifacts.ErrGenesisDelete),
		errors.Is(err, artifacts.ErrNotController):
		return intent.Fail(intent.CategoryPermission, intent.CodePermissionDenied, err.Error())
	case errors.Is(err, artifacts.ErrDiskQuota):
		return intent.Fail(intent.CategoryResource, intent.CodeQuotaExceeded, err.Error())
	case errors.Is(err, artifacts.ErrTypeImmutable),
		errors.Is(err, artifacts.ErrContractChange),
		errors.Is(err, artifacts.ErrUnknownContract),
		errors.Is(err, artifacts.ErrCodeNotExecutable),
		errors.Is(err, artifacts.ErrMissingDependency),
		errors.Is(err, artifacts.ErrDependencyCycle),
		errors.Is(err, artifacts.ErrDependencyDepth):
		return intent.Fail(intent.CategoryValidation, intent.CodeInvalidArgument, err.Error())
	default:
		return intent.Fail(intent.CategoryInternal, intent.CodeInvariantViolation, err.Error())
	}
}

func decodePolicy(m map[string]interface{}) (artifacts.Policy, error) {
	var pol artifacts.Policy
	raw, err := json.Marshal(m)
	if err != nil {
		return pol, err
	}
	if err := json.Unmarshal(raw, &pol); err != nil {
		return pol, err
	}
	return pol, nil
}

func decodeInterface(m map[string]interface{}) (*artifacts.Interface, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var iface artifacts.Interface
	if err := json.Unmarshal(raw, &iface); err != nil {
		return nil, err
	}
	return &iface, nil
}

// toJSONMap converts a struct to its JSON map form for result data.
func toJSONMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"marshal_error": err.Error()}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"marshal_error": err.Error()}
	}
	return out
}
