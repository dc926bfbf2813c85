// Package query serves read-only projections of world state.
//
// Every query is named and typed by a schema that lists its allowed
// parameters; unknown parameters fail fast, before any store is
// touched. Queries never mutate anything and carry their own error-code
// vocabulary, distinct from the action codes.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/delegation"
	"github.com/agora-labs/agora/pkg/eventlog"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/mint"
	"github.com/agora-labs/agora/pkg/rights"
	"github.com/agora-labs/agora/pkg/scrip"
	"github.com/agora-labs/agora/pkg/tracestore"
)

// Query error codes.
const (
	CodeInvalidQueryType = "invalid_query_type"
	CodeInvalidParam     = "invalid_param"
	CodeMissingParam     = "missing_param"
	CodeNotFound         = "not_found"
	CodeNotAvailable     = "not_available"
	CodeInvalidPattern   = "invalid_pattern"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// SubscriptionLister exposes the kernel's subscription bookkeeping to
// the subscriptions query.
type SubscriptionLister interface {
	Subscriptions(principal string) []string
	Subscribers(artifactID string) []string
}

// Handler answers kernel queries from the stores it is wired to.
type Handler struct {
	store       *artifacts.Store
	ledger      *scrip.Ledger
	delegations *delegation.Manager
	auction     *mint.Auction
	board       *mint.Board
	events      *eventlog.Log
	traces      tracestore.Store
	subs        SubscriptionLister
	rights      *rights.Registry
	diskQuota   func(principal string) (int64, bool)

	kernelPrincipal string
}

// NewHandler wires the mandatory stores. Optional projections attach
// via the With* builders; queries needing an absent subsystem answer
// not_available.
func NewHandler(store *artifacts.Store, ledger *scrip.Ledger) *Handler {
	return &Handler{
		store:           store,
		ledger:          ledger,
		kernelPrincipal: artifacts.DefaultKernelPrincipal,
	}
}

// WithDelegations wires the delegations query.
func (h *Handler) WithDelegations(m *delegation.Manager) *Handler {
	h.delegations = m
	return h
}

// WithMint wires the mint query.
func (h *Handler) WithMint(a *mint.Auction, b *mint.Board) *Handler {
	h.auction = a
	h.board = b
	return h
}

// WithEvents wires the events query.
func (h *Handler) WithEvents(log *eventlog.Log) *Handler {
	h.events = log
	return h
}

// WithTraces wires the invocations query.
func (h *Handler) WithTraces(ts tracestore.Store) *Handler {
	h.traces = ts
	return h
}

// WithSubscriptions wires the subscriptions query.
func (h *Handler) WithSubscriptions(s SubscriptionLister) *Handler {
	h.subs = s
	return h
}

// WithRights wires the rights query.
func (h *Handler) WithRights(r *rights.Registry) *Handler {
	h.rights = r
	return h
}

// WithDiskQuota wires configured disk quotas into the quotas query.
func (h *Handler) WithDiskQuota(fn func(principal string) (int64, bool)) *Handler {
	h.diskQuota = fn
	return h
}

// WithKernelPrincipal overrides the principal that may inspect other
// principals' private projections.
func (h *Handler) WithKernelPrincipal(id string) *Handler {
	h.kernelPrincipal = id
	return h
}

// Handle validates parameters against the query's schema and runs it.
// The signature matches the executor's QueryFunc.
func (h *Handler) Handle(ctx context.Context, caller, queryType string, params map[string]interface{}) intent.ActionResult {
	spec, ok := querySchemas[queryType]
	if !ok {
		return queryFail(CodeInvalidQueryType, fmt.Sprintf("unknown query type %q", queryType))
	}
	p, res := validateParams(spec, params)
	if res != nil {
		return *res
	}
	return spec.run(h, ctx, caller, p)
}

// paramKind types one declared parameter.
type paramKind int

const (
	paramString paramKind = iota
	paramInt
	paramBool
)

type paramSpec struct {
	kind     paramKind
	required bool
}

type querySchema struct {
	params map[string]paramSpec
	run    func(h *Handler, ctx context.Context, caller string, p params) intent.ActionResult
}

// params carries validated values with typed accessors.
type params map[string]interface{}

func (p params) str(name string) string {
	v, _ := p[name].(string)
	return v
}

func (p params) integer(name string, fallback int) int {
	v, ok := p[name].(int)
	if !ok {
		return fallback
	}
	return v
}

func (p params) boolean(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

func (p params) has(name string) bool {
	_, ok := p[name]
	return ok
}

func validateParams(spec querySchema, raw map[string]interface{}) (params, *intent.ActionResult) {
	out := make(params, len(raw))
	for name, value := range raw {
		decl, ok := spec.params[name]
		if !ok {
			res := queryFail(CodeInvalidParam, fmt.Sprintf("unknown parameter %q", name))
			return nil, &res
		}
		coerced, err := coerceParam(decl.kind, value)
		if err != nil {
			res := queryFail(CodeInvalidParam, fmt.Sprintf("parameter %q: %v", name, err))
			return nil, &res
		}
		out[name] = coerced
	}
	for name, decl := range spec.params {
		if decl.required && !out.has(name) {
			res := queryFail(CodeMissingParam, fmt.Sprintf("missing required parameter %q", name))
			return nil, &res
		}
	}
	return out, nil
}

func coerceParam(kind paramKind, value interface{}) (interface{}, error) {
	switch kind {
	case paramString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", value)
		}
		return s, nil
	case paramBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", value)
		}
		return b, nil
	case paramInt:
		switch n := value.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != float64(int(n)) {
				return nil, fmt.Errorf("want integer, got %v", n)
			}
			return int(n), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("want integer, got %q", n.String())
			}
			return int(i), nil
		default:
			return nil, fmt.Errorf("want integer, got %T", value)
		}
	}
	return nil, fmt.Errorf("unhandled parameter kind")
}

func queryFail(code, message string) intent.ActionResult {
	category := intent.CategoryValidation
	switch code {
	case CodeNotFound, CodeNotAvailable:
		category = intent.CategoryExecution
	}
	return intent.ActionResult{
		Success:   false,
		Message:   message,
		ErrorCode: code,
		Category:  category,
	}
}

func queryOK(data map[string]interface{}) intent.ActionResult {
	return intent.OK("", data)
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
