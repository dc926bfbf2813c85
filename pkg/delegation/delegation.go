// Package delegation lets a principal pre-authorize another to charge
// them scrip within limits.
//
// Grants live in one artifact per payer, charge_delegation:{payer},
// which the store forces kernel protected under a private contract. Only
// the manager writes those records, so no user intent can forge or widen
// a grant. Charge history backing the rolling window is held in memory
// only and resets on restart; the grants themselves persist with the
// artifact store.
package delegation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agora-labs/agora/pkg/artifacts"
)

var (
	ErrNotPayer     = errors.New("only the payer may change their delegations")
	ErrBadGrant     = errors.New("invalid grant")
	ErrNoDelegation = errors.New("no delegation")
	ErrBadChargeTo  = errors.New("unrecognized charge_to value")
)

// Authorization failure reasons returned to charge sites. These are
// stable strings; callers branch on them and events record them.
const (
	ReasonNoDelegation = "no delegation"
	ReasonExpired      = "delegation expired"
	ReasonPerCall      = "exceeds max_per_call"
	ReasonPerWindow    = "exceeds max_per_window"
	ReasonBadAmount    = "amount must be positive"
	ReasonUnreadable   = "delegation record unreadable"
)

// DefaultHistoryCap bounds retained charge entries per (payer, charger)
// pair. Oldest entries fall off first.
const DefaultHistoryCap = 256

// PoolPrefix selects an explicit paying principal in charge_to.
const PoolPrefix = "pool:"

// Entry is one charger's grant inside a payer's delegation record.
type Entry struct {
	MaxPerCall    *int64     `json:"max_per_call,omitempty"`
	MaxPerWindow  *int64     `json:"max_per_window,omitempty"`
	WindowSeconds int64      `json:"window_seconds"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	GrantedAt     time.Time  `json:"granted_at"`
}

// Grant is the payer-supplied delegation request.
type Grant struct {
	Payer         string
	Charger       string
	MaxPerCall    *int64
	MaxPerWindow  *int64
	WindowSeconds int64
	ExpiresAt     *time.Time
}

// record is the JSON content of a charge_delegation artifact.
type record struct {
	Payer       string           `json:"payer"`
	Delegations map[string]Entry `json:"delegations"`
}

type chargeRec struct {
	at     time.Time
	amount int64
}

// Manager owns delegation records and the in-memory charge history.
type Manager struct {
	mu      sync.Mutex
	store   *artifacts.Store
	clock   func() time.Time
	histCap int
	history map[string][]chargeRec
}

// NewManager returns a manager writing through the given store.
func NewManager(store *artifacts.Store) *Manager {
	return &Manager{
		store:   store,
		clock:   time.Now,
		histCap: DefaultHistoryCap,
		history: make(map[string][]chargeRec),
	}
}

// WithClock injects a time source.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithHistoryCap overrides the per-pair charge history bound.
func (m *Manager) WithHistoryCap(n int) *Manager {
	if n > 0 {
		m.histCap = n
	}
	return m
}

// ArtifactID returns the delegation record id for a payer.
func ArtifactID(payer string) string {
	return artifacts.DelegationPrefix + payer
}

// Grant creates or replaces caller's delegation to g.Charger. Only the
// payer themselves may grant.
func (m *Manager) Grant(caller string, g Grant) error {
	if caller != g.Payer {
		return fmt.Errorf("%w: %s granting for %s", ErrNotPayer, caller, g.Payer)
	}
	if g.Payer == "" || g.Charger == "" {
		return fmt.Errorf("%w: payer and charger are required", ErrBadGrant)
	}
	if g.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window_seconds must be positive", ErrBadGrant)
	}
	if g.MaxPerCall != nil && *g.MaxPerCall <= 0 {
		return fmt.Errorf("%w: max_per_call must be positive", ErrBadGrant)
	}
	if g.MaxPerWindow != nil && *g.MaxPerWindow <= 0 {
		return fmt.Errorf("%w: max_per_window must be positive", ErrBadGrant)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadRecord(g.Payer)
	if err != nil && !errors.Is(err, ErrNoDelegation) {
		return err
	}
	if rec.Delegations == nil {
		rec = record{Payer: g.Payer, Delegations: make(map[string]Entry)}
	}
	rec.Delegations[g.Charger] = Entry{
		MaxPerCall:    g.MaxPerCall,
		MaxPerWindow:  g.MaxPerWindow,
		WindowSeconds: g.WindowSeconds,
		ExpiresAt:     g.ExpiresAt,
		GrantedAt:     m.clock().UTC(),
	}
	return m.saveRecord(g.Payer, rec)
}

// Revoke removes caller's delegation to charger. Returns false when no
// such delegation existed.
func (m *Manager) Revoke(caller, payer, charger string) (bool, error) {
	if caller != payer {
		return false, fmt.Errorf("%w: %s revoking for %s", ErrNotPayer, caller, payer)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadRecord(payer)
	if err != nil {
		if errors.Is(err, ErrNoDelegation) {
			return false, nil
		}
		return false, err
	}
	if _, ok := rec.Delegations[charger]; !ok {
		return false, nil
	}
	delete(rec.Delegations, charger)
	if err := m.saveRecord(payer, rec); err != nil {
		return false, err
	}
	return true, nil
}

// AuthorizeCharge decides whether charger may charge payer the given
// amount right now. The reason is empty on success and one of the
// Reason* constants on denial. Nothing is recorded; call RecordCharge
// after the charge actually settles.
func (m *Manager) AuthorizeCharge(charger, payer string, amount int64) (bool, string) {
	if amount <= 0 {
		return false, ReasonBadAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadRecord(payer)
	if err != nil {
		if errors.Is(err, ErrNoDelegation) {
			return false, ReasonNoDelegation
		}
		return false, ReasonUnreadable
	}
	entry, ok := rec.Delegations[charger]
	if !ok {
		return false, ReasonNoDelegation
	}

	now := m.clock()
	if entry.ExpiresAt != nil && !now.Before(*entry.ExpiresAt) {
		return false, ReasonExpired
	}
	if entry.MaxPerCall != nil && amount > *entry.MaxPerCall {
		return false, ReasonPerCall
	}
	if entry.MaxPerWindow != nil {
		used := m.windowUsage(payer, charger, entry.WindowSeconds, now)
		if used+amount > *entry.MaxPerWindow {
			return false, ReasonPerWindow
		}
	}
	return true, ""
}

// RecordCharge appends a settled charge to the rolling history.
func (m *Manager) RecordCharge(payer, charger string, amount int64) {
	if amount <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	key := pairKey(payer, charger)
	hist := append(m.history[key], chargeRec{at: now, amount: amount})

	window := int64(0)
	if rec, err := m.loadRecord(payer); err == nil {
		if entry, ok := rec.Delegations[charger]; ok {
			window = entry.WindowSeconds
		}
	}
	hist = pruneHistory(hist, window, now)
	if len(hist) > m.histCap {
		hist = append([]chargeRec(nil), hist[len(hist)-m.histCap:]...)
	}
	m.history[key] = hist
}

// Entries returns a copy of payer's live delegations keyed by charger.
func (m *Manager) Entries(payer string) (map[string]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadRecord(payer)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(rec.Delegations))
	for charger, entry := range rec.Delegations {
		out[charger] = entry
	}
	return out, nil
}

// Chargers lists who may currently charge payer, sorted.
func (m *Manager) Chargers(payer string) []string {
	entries, err := m.Entries(payer)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for charger := range entries {
		out = append(out, charger)
	}
	sort.Strings(out)
	return out
}

// windowUsage sums recorded charges inside the rolling window, pruning
// expired entries as a side effect. Callers hold m.mu.
func (m *Manager) windowUsage(payer, charger string, windowSeconds int64, now time.Time) int64 {
	key := pairKey(payer, charger)
	hist := pruneHistory(m.history[key], windowSeconds, now)
	m.history[key] = hist

	var used int64
	for _, c := range hist {
		used += c.amount
	}
	return used
}

func pruneHistory(hist []chargeRec, windowSeconds int64, now time.Time) []chargeRec {
	if windowSeconds <= 0 || len(hist) == 0 {
		return hist
	}
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	kept := hist[:0]
	for _, c := range hist {
		if c.at.After(cutoff) {
			kept = append(kept, c)
		}
	}
	return kept
}

func (m *Manager) loadRecord(payer string) (record, error) {
	art, err := m.store.Get(ArtifactID(payer))
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return record{}, ErrNoDelegation
		}
		return record{}, err
	}
	if art.Deleted {
		return record{}, ErrNoDelegation
	}
	var rec record
	if err := json.Unmarshal([]byte(art.Content), &rec); err != nil {
		return record{}, fmt.Errorf("delegation: decode %s: %w", art.ID, err)
	}
	if rec.Delegations == nil {
		rec.Delegations = make(map[string]Entry)
	}
	return rec, nil
}

func (m *Manager) saveRecord(payer string, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("delegation: encode record: %w", err)
	}
	id := ArtifactID(payer)
	content := string(raw)

	if m.store.Exists(id) {
		if _, err := m.store.ModifyProtectedContent(id, artifacts.ProtectedPatch{Content: &content}); err != nil {
			return fmt.Errorf("delegation: update %s: %w", id, err)
		}
		return nil
	}
	if _, _, err := m.store.Write(artifacts.WriteRequest{
		ID:      id,
		Type:    artifacts.TypeDelegation,
		Content: content,
		Caller:  payer,
	}); err != nil {
		return fmt.Errorf("delegation: create %s: %w", id, err)
	}
	return nil
}

func pairKey(payer, charger string) string {
	return payer + "\x00" + charger
}

// ResolvePayer maps an intent's charge_to onto the principal who pays.
// "caller" (or empty) charges the caller. "target" and "contract" charge
// the principal the kernel recorded as authorized for the artifact,
// falling back to its creator. "pool:X" charges X. Anything else is an
// error. Only kernel-stamped metadata keys are consulted, so an artifact
// author cannot point the bill at an arbitrary victim.
func ResolvePayer(chargeTo, caller string, art *artifacts.Artifact) (string, error) {
	switch {
	case chargeTo == "" || chargeTo == "caller":
		return caller, nil
	case chargeTo == "target" || chargeTo == "contract":
		if art == nil {
			return "", fmt.Errorf("%w: %q without a target artifact", ErrBadChargeTo, chargeTo)
		}
		if p, ok := art.Metadata[artifacts.MetaAuthorizedPrincipal].(string); ok && p != "" {
			return p, nil
		}
		if w, ok := art.Metadata[artifacts.MetaAuthorizedWriter].(string); ok && w != "" {
			return w, nil
		}
		return art.CreatedBy, nil
	case strings.HasPrefix(chargeTo, PoolPrefix):
		pool := strings.TrimPrefix(chargeTo, PoolPrefix)
		if pool == "" {
			return "", fmt.Errorf("%w: empty pool", ErrBadChargeTo)
		}
		return pool, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadChargeTo, chargeTo)
	}
}
