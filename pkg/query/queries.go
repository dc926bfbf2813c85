package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/contracts"
	"github.com/agora-labs/agora/pkg/intent"
	"github.com/agora-labs/agora/pkg/scrip"
	"github.com/agora-labs/agora/pkg/tracestore"
)

var querySchemas = map[string]querySchema{
	"artifacts": {
		params: map[string]paramSpec{
			"owner":      {kind: paramString},
			"type":       {kind: paramString},
			"executable": {kind: paramBool},
			"name_regex": {kind: paramString},
			"limit":      {kind: paramInt},
			"offset":     {kind: paramInt},
		},
		run: (*Handler).queryArtifacts,
	},
	"artifact": {
		params: map[string]paramSpec{
			"artifact_id": {kind: paramString, required: true},
		},
		run: (*Handler).queryArtifact,
	},
	"principals": {
		params: map[string]paramSpec{},
		run:    (*Handler).queryPrincipals,
	},
	"principal": {
		params: map[string]paramSpec{
			"principal_id": {kind: paramString, required: true},
		},
		run: (*Handler).queryPrincipal,
	},
	"balances": {
		params: map[string]paramSpec{},
		run:    (*Handler).queryBalances,
	},
	"resources": {
		params: map[string]paramSpec{
			"principal_id": {kind: paramString},
		},
		run: (*Handler).queryResources,
	},
	"quotas": {
		params: map[string]paramSpec{
			"principal_id": {kind: paramString},
		},
		run: (*Handler).queryQuotas,
	},
	"mint": {
		params: map[string]paramSpec{},
		run:    (*Handler).queryMint,
	},
	"events": {
		params: map[string]paramSpec{
			"limit": {kind: paramInt},
			"type":  {kind: paramString},
		},
		run: (*Handler).queryEvents,
	},
	"invocations": {
		params: map[string]paramSpec{
			"artifact_id": {kind: paramString},
			"invoker":     {kind: paramString},
			"limit":       {kind: paramInt},
		},
		run: (*Handler).queryInvocations,
	},
	"frozen": {
		params: map[string]paramSpec{},
		run:    (*Handler).queryFrozen,
	},
	"libraries": {
		params: map[string]paramSpec{},
		run:    (*Handler).queryLibraries,
	},
	"dependencies": {
		params: map[string]paramSpec{
			"artifact_id": {kind: paramString, required: true},
		},
		run: (*Handler).queryDependencies,
	},
	"delegations": {
		params: map[string]paramSpec{
			"payer": {kind: paramString},
		},
		run: (*Handler).queryDelegations,
	},
	"subscriptions": {
		params: map[string]paramSpec{
			"principal_id": {kind: paramString},
		},
		run: (*Handler).querySubscriptions,
	},
	"rights": {
		params: map[string]paramSpec{
			"owner":      {kind: paramString},
			"right_type": {kind: paramString},
			"model":      {kind: paramString},
		},
		run: (*Handler).queryRights,
	},
}

func artifactSummary(a *artifacts.Artifact) map[string]interface{} {
	return map[string]interface{}{
		"id":                 a.ID,
		"type":               a.Type,
		"created_by":         a.CreatedBy,
		"controller":         a.Controller(),
		"executable":         a.Executable,
		"access_contract_id": a.AccessContract,
		"deleted":            a.Deleted,
	}
}

func (h *Handler) queryArtifacts(ctx context.Context, caller string, p params) intent.ActionResult {
	var pattern *regexp.Regexp
	if p.has("name_regex") {
		re, err := regexp.Compile(p.str("name_regex"))
		if err != nil {
			return queryFail(CodeInvalidPattern, fmt.Sprintf("name_regex: %v", err))
		}
		pattern = re
	}

	all := h.store.ListAll(false)
	matched := make([]map[string]interface{}, 0, len(all))
	for _, a := range all {
		if p.has("owner") && a.Controller() != p.str("owner") {
			continue
		}
		if p.has("type") && a.Type != p.str("type") {
			continue
		}
		if want, ok := p.boolean("executable"); ok && a.Executable != want {
			continue
		}
		if pattern != nil && !pattern.MatchString(a.ID) {
			continue
		}
		matched = append(matched, artifactSummary(a))
	}

	total := len(matched)
	offset := p.integer("offset", 0)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := clampLimit(p.integer("limit", 0))
	end := offset + limit
	if end > total {
		end = total
	}

	return queryOK(map[string]interface{}{
		"artifacts": matched[offset:end],
		"total":     total,
		"offset":    offset,
	})
}

func (h *Handler) queryArtifact(ctx context.Context, caller string, p params) intent.ActionResult {
	art, err := h.store.Get(p.str("artifact_id"))
	if err != nil {
		return queryFail(CodeNotFound, err.Error())
	}
	return queryOK(map[string]interface{}{"artifact": art})
}

func (h *Handler) queryPrincipals(ctx context.Context, caller string, _ params) intent.ActionResult {
	ids := h.ledger.Principals()
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]interface{}{
			"id":           id,
			"balance":      h.ledger.Balance(id),
			"has_standing": h.ledger.HasStanding(id),
		})
	}
	return queryOK(map[string]interface{}{"principals": out, "total": len(out)})
}

func (h *Handler) queryPrincipal(ctx context.Context, caller string, p params) intent.ActionResult {
	id := p.str("principal_id")
	known := false
	for _, existing := range h.ledger.Principals() {
		if existing == id {
			known = true
			break
		}
	}
	if !known {
		return queryFail(CodeNotFound, fmt.Sprintf("principal %q is not registered", id))
	}
	return queryOK(map[string]interface{}{
		"id":           id,
		"balance":      h.ledger.Balance(id),
		"has_standing": h.ledger.HasStanding(id),
		"resources":    h.ledger.Resources(id),
		"artifacts":    h.store.IDsByCreator(id),
		"disk_used":    h.store.DiskUsed(id),
		"frozen":       h.frozen(id),
	})
}

func (h *Handler) queryBalances(ctx context.Context, caller string, _ params) intent.ActionResult {
	balances := make(map[string]int64)
	for _, id := range h.ledger.Principals() {
		balances[id] = h.ledger.Balance(id)
	}
	return queryOK(map[string]interface{}{
		"balances":     balances,
		"total_supply": h.ledger.TotalSupply(),
	})
}

func (h *Handler) queryResources(ctx context.Context, caller string, p params) intent.ActionResult {
	if p.has("principal_id") {
		id := p.str("principal_id")
		return queryOK(map[string]interface{}{
			"principal_id": id,
			"resources":    h.ledger.Resources(id),
		})
	}
	out := make(map[string]map[string]float64)
	for _, id := range h.ledger.Principals() {
		if res := h.ledger.Resources(id); len(res) > 0 {
			out[id] = res
		}
	}
	return queryOK(map[string]interface{}{"resources": out})
}

func (h *Handler) queryQuotas(ctx context.Context, caller string, p params) intent.ActionResult {
	ids := h.ledger.Principals()
	if p.has("principal_id") {
		ids = []string{p.str("principal_id")}
	}
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		entry := map[string]interface{}{
			"principal_id": id,
			"disk_used":    h.store.DiskUsed(id),
		}
		if h.diskQuota != nil {
			if quota, ok := h.diskQuota(id); ok {
				entry["disk_quota"] = quota
			}
		}
		out = append(out, entry)
	}
	return queryOK(map[string]interface{}{"quotas": out})
}

func (h *Handler) queryMint(ctx context.Context, caller string, _ params) intent.ActionResult {
	if h.auction == nil && h.board == nil {
		return queryFail(CodeNotAvailable, "mint is not configured")
	}
	data := map[string]interface{}{}
	if h.auction != nil {
		history := h.auction.History()
		if len(history) > 10 {
			history = history[len(history)-10:]
		}
		data["submissions"] = h.auction.Submissions()
		data["held_bids"] = h.auction.HeldBids()
		data["history"] = history
	}
	if h.board != nil {
		data["open_tasks"] = h.board.OpenTasks()
	}
	return queryOK(data)
}

func (h *Handler) queryEvents(ctx context.Context, caller string, p params) intent.ActionResult {
	if h.events == nil {
		return queryFail(CodeNotAvailable, "event log is not configured")
	}
	limit := p.integer("limit", 20)
	if limit <= 0 {
		limit = 20
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var out interface{}
	if p.has("type") {
		out = h.events.ReadRecentByType(p.str("type"), limit)
	} else {
		out = h.events.ReadRecent(limit)
	}
	return queryOK(map[string]interface{}{
		"events":       out,
		"event_number": h.events.CurrentNumber(),
	})
}

func (h *Handler) queryInvocations(ctx context.Context, caller string, p params) intent.ActionResult {
	if h.traces == nil {
		return queryFail(CodeNotAvailable, "invocation traces are not configured")
	}
	byArtifact := p.has("artifact_id")
	byInvoker := p.has("invoker")
	if byArtifact == byInvoker {
		return queryFail(CodeInvalidParam, "exactly one of artifact_id or invoker is required")
	}
	limit := p.integer("limit", 0)

	var (
		traces []tracestore.Trace
		err    error
	)
	if byArtifact {
		traces, err = h.traces.ByArtifact(ctx, p.str("artifact_id"), limit)
	} else {
		traces, err = h.traces.ByInvoker(ctx, p.str("invoker"), limit)
	}
	if err != nil {
		return queryFail(CodeNotAvailable, err.Error())
	}
	return queryOK(map[string]interface{}{"invocations": traces, "total": len(traces)})
}

func (h *Handler) frozen(principal string) bool {
	quota, ok := h.ledger.Resources(principal)[scrip.ResourceCPU]
	return ok && quota <= 0
}

func (h *Handler) queryFrozen(ctx context.Context, caller string, _ params) intent.ActionResult {
	var out []string
	for _, id := range h.ledger.Principals() {
		if h.frozen(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return queryOK(map[string]interface{}{"frozen": out})
}

// queryLibraries lists the executables any principal may invoke: live,
// executable, and governed by a contract that does not gate invoke on
// identity.
func (h *Handler) queryLibraries(ctx context.Context, caller string, _ params) intent.ActionResult {
	out := make([]map[string]interface{}, 0)
	for _, a := range h.store.ListAll(false) {
		if !a.Executable {
			continue
		}
		if a.AccessContract != contracts.Freeware && a.AccessContract != contracts.Public {
			continue
		}
		entry := artifactSummary(a)
		entry["invoke_price"] = a.Policy.InvokePrice
		if a.Interface != nil {
			methods := make([]string, 0, len(a.Interface.Methods))
			for name := range a.Interface.Methods {
				methods = append(methods, name)
			}
			sort.Strings(methods)
			entry["methods"] = methods
		}
		out = append(out, entry)
	}
	return queryOK(map[string]interface{}{"libraries": out, "total": len(out)})
}

func (h *Handler) queryDependencies(ctx context.Context, caller string, p params) intent.ActionResult {
	id := p.str("artifact_id")
	art, err := h.store.Get(id)
	if err != nil {
		return queryFail(CodeNotFound, err.Error())
	}
	dependsOn := art.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}
	dependents := h.store.Dependents(id)
	if dependents == nil {
		dependents = []string{}
	}
	return queryOK(map[string]interface{}{
		"artifact_id": id,
		"depends_on":  dependsOn,
		"dependents":  dependents,
	})
}

// queryDelegations shows a payer's standing charge authorizations. Only
// the payer itself or the kernel may look.
func (h *Handler) queryDelegations(ctx context.Context, caller string, p params) intent.ActionResult {
	if h.delegations == nil {
		return queryFail(CodeNotAvailable, "delegations are not configured")
	}
	payer := caller
	if p.has("payer") {
		payer = p.str("payer")
	}
	if payer != caller && caller != h.kernelPrincipal {
		return queryFail(CodeNotAvailable, "delegations are visible to the payer only")
	}
	entries, err := h.delegations.Entries(payer)
	if err != nil {
		return queryFail(CodeNotFound, err.Error())
	}
	return queryOK(map[string]interface{}{
		"payer":    payer,
		"entries":  entries,
		"chargers": h.delegations.Chargers(payer),
	})
}

// queryRights lists a principal's resource rights with their total
// amount per requested type. Only the owner or the kernel may look.
func (h *Handler) queryRights(ctx context.Context, caller string, p params) intent.ActionResult {
	if h.rights == nil {
		return queryFail(CodeNotAvailable, "rights are not configured")
	}
	owner := caller
	if p.has("owner") {
		owner = p.str("owner")
	}
	if owner != caller && caller != h.kernelPrincipal {
		return queryFail(CodeNotAvailable, "rights are visible to the owner only")
	}

	rightType := p.str("right_type")
	model := p.str("model")
	held := h.rights.Owned(owner)
	if rightType != "" {
		held = h.rights.FindByType(owner, rightType, model)
	}
	out := make([]map[string]interface{}, 0, len(held))
	for _, r := range held {
		entry := map[string]interface{}{
			"right_id":   r.ID,
			"right_type": r.Data.RightType,
			"resource":   r.Data.Resource,
			"amount":     r.Data.Amount,
		}
		if r.Data.Model != "" {
			entry["model"] = r.Data.Model
		}
		if r.Data.Window != 0 {
			entry["window"] = r.Data.Window
		}
		out = append(out, entry)
	}
	data := map[string]interface{}{
		"owner":  owner,
		"rights": out,
	}
	if rightType != "" {
		data["total_amount"] = h.rights.TotalAmount(owner, rightType, model)
	}
	return queryOK(data)
}

// querySubscriptions lists what a principal is subscribed to. Only the
// principal itself or the kernel may look.
func (h *Handler) querySubscriptions(ctx context.Context, caller string, p params) intent.ActionResult {
	if h.subs == nil {
		return queryFail(CodeNotAvailable, "subscriptions are not configured")
	}
	principal := caller
	if p.has("principal_id") {
		principal = p.str("principal_id")
	}
	if principal != caller && caller != h.kernelPrincipal {
		return queryFail(CodeNotAvailable, "subscriptions are visible to the subscriber only")
	}
	subscribed := h.subs.Subscriptions(principal)
	if subscribed == nil {
		subscribed = []string{}
	}
	return queryOK(map[string]interface{}{
		"principal_id":  principal,
		"subscriptions": subscribed,
	})
}
