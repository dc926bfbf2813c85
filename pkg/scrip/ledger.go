// Package scrip implements the kernel ledger: integer scrip balances and
// named resource quotas per principal.
//
// The ledger is the sole owner of balances and quotas. Every scrip or
// resource mutation anywhere in the kernel goes through it, which is what
// makes verify-then-apply settlement possible: callers check feasibility of
// every leg of an effect before applying any of them.
package scrip

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero. Not retriable: the caller must acquire scrip first.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for zero or negative amounts on
	// operations that require a positive quantity.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrQuotaExceeded is returned when a strict resource debit would take
	// a quota below zero.
	ErrQuotaExceeded = errors.New("resource quota exceeded")
)

// DefaultRemainderSink receives UBI remainders that cannot be divided
// evenly among recipients.
const DefaultRemainderSink = "genesis_treasury"

// Resource names with kernel-known semantics. An agent whose cpu_seconds
// quota reaches zero is frozen: it can still read, but invocations stop.
const (
	ResourceCPU  = "cpu_seconds"
	ResourceDisk = "disk_bytes"
)

// UBIReport describes one UBI distribution for event logging.
type UBIReport struct {
	Total      int64    `json:"total"`
	Recipients []string `json:"recipients"`
	PerShare   int64    `json:"per_share"`
	Remainder  int64    `json:"remainder"`
	Sink       string   `json:"sink"`
}

// State is the serializable form of a ledger, used by checkpoints.
type State struct {
	Balances  map[string]int64              `json:"balances"`
	Resources map[string]map[string]float64 `json:"resources"`
	Standing  map[string]bool               `json:"standing"`
}

// Ledger holds scrip balances and resource quotas for every principal.
// The kernel is the single writer; the mutex guards read-side consumers
// such as metrics and inspection tooling.
type Ledger struct {
	mu        sync.RWMutex
	balances  map[string]int64
	resources map[string]map[string]float64
	standing  map[string]bool
	sink      string
}

// NewLedger creates an empty ledger with the default remainder sink.
func NewLedger() *Ledger {
	return &Ledger{
		balances:  make(map[string]int64),
		resources: make(map[string]map[string]float64),
		standing:  make(map[string]bool),
		sink:      DefaultRemainderSink,
	}
}

// WithRemainderSink overrides the principal that accrues UBI remainders.
func (l *Ledger) WithRemainderSink(principal string) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = principal
	return l
}

// Register records a principal and whether it has standing. Principals
// without standing (plain artifacts, kernel services) can hold scrip but
// never receive UBI.
func (l *Ledger) Register(principal string, hasStanding bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.standing[principal] = hasStanding
	if _, ok := l.balances[principal]; !ok {
		l.balances[principal] = 0
	}
}

// HasStanding reports whether the principal was registered with standing.
func (l *Ledger) HasStanding(principal string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.standing[principal]
}

// Principals returns all known principal ids, sorted.
func (l *Ledger) Principals() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.balances))
	for p := range l.balances {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PrincipalsWithStanding returns all principals with standing, sorted.
// Sorting keeps UBI distribution order deterministic.
func (l *Ledger) PrincipalsWithStanding() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.standing))
	for p, s := range l.standing {
		if s {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Balance returns the scrip balance of a principal. Unknown principals
// have balance zero.
func (l *Ledger) Balance(principal string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[principal]
}

// Credit adds scrip to a principal. Zero-amount credits are rejected so
// that every ledger mutation corresponds to a real effect.
func (l *Ledger) Credit(principal string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit %d to %s: %w", amount, principal, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[principal] += amount
	return nil
}

// Debit removes scrip from a principal, failing if the balance would
// underflow.
func (l *Ledger) Debit(principal string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit %d from %s: %w", amount, principal, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[principal] < amount {
		return fmt.Errorf("debit %d from %s (balance %d): %w", amount, principal, l.balances[principal], ErrInsufficientFunds)
	}
	l.balances[principal] -= amount
	return nil
}

// CanDebit reports whether a debit of amount would succeed. Used by the
// executor's feasibility pass before any part of an effect is applied.
func (l *Ledger) CanDebit(principal string, amount int64) bool {
	if amount <= 0 {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[principal] >= amount
}

// Transfer moves scrip between two principals atomically: either both
// sides change or neither does.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer %d from %s to %s: %w", amount, from, to, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("transfer %d from %s (balance %d): %w", amount, from, l.balances[from], ErrInsufficientFunds)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// SetResource sets the remaining quota for a named resource.
func (l *Ledger) SetResource(principal, resource string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resources[principal] == nil {
		l.resources[principal] = make(map[string]float64)
	}
	if amount < 0 {
		amount = 0
	}
	l.resources[principal][resource] = amount
}

// Resource returns the remaining quota for a named resource. Unknown
// pairs have quota zero.
func (l *Ledger) Resource(principal, resource string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resources[principal][resource]
}

// Resources returns a copy of all quotas for a principal.
func (l *Ledger) Resources(principal string) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.resources[principal]))
	for k, v := range l.resources[principal] {
		out[k] = v
	}
	return out
}

// HasResource reports whether at least amount of the resource remains.
func (l *Ledger) HasResource(principal, resource string, amount float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resources[principal][resource] >= amount
}

// DebitResource strictly removes quota, failing if it would underflow.
// Used on the feasibility path (disk reservations).
func (l *Ledger) DebitResource(principal, resource string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("debit resource %s of %s: %w", resource, principal, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	have := l.resources[principal][resource]
	if have < amount {
		return fmt.Errorf("debit %.3f %s from %s (remaining %.3f): %w", amount, resource, principal, have, ErrQuotaExceeded)
	}
	l.resources[principal][resource] = have - amount
	return nil
}

// ConsumeResource removes up to amount of quota, clamping at zero, and
// returns the quantity actually consumed. Sandbox execution deducts
// measured usage after the fact, so the deduction must not fail even when
// usage overshoots the remaining quota.
func (l *Ledger) ConsumeResource(principal, resource string, amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	have, ok := l.resources[principal][resource]
	if !ok {
		// No configured quota means unlimited; writing a zero entry here
		// would read back as an exhausted quota.
		return 0
	}
	consumed := amount
	if consumed > have {
		consumed = have
	}
	l.resources[principal][resource] = have - consumed
	return consumed
}

// CreditResource adds quota to a principal's resource.
func (l *Ledger) CreditResource(principal, resource string, amount float64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resources[principal] == nil {
		l.resources[principal] = make(map[string]float64)
	}
	l.resources[principal][resource] += amount
}

// DistributeUBI divides amount evenly among all principals with standing,
// excluding one (normally the principal the amount was collected from).
// Any remainder accrues to the configured sink so that no scrip is ever
// destroyed by rounding.
func (l *Ledger) DistributeUBI(amount int64, exclude string) (UBIReport, error) {
	if amount < 0 {
		return UBIReport{}, fmt.Errorf("distribute %d: %w", amount, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	recipients := make([]string, 0, len(l.standing))
	for p, s := range l.standing {
		if s && p != exclude {
			recipients = append(recipients, p)
		}
	}
	sort.Strings(recipients)

	report := UBIReport{Total: amount, Recipients: recipients, Sink: l.sink}
	if amount == 0 {
		return report, nil
	}
	if len(recipients) == 0 {
		l.balances[l.sink] += amount
		report.Remainder = amount
		return report, nil
	}

	report.PerShare = amount / int64(len(recipients))
	report.Remainder = amount % int64(len(recipients))
	for _, p := range recipients {
		l.balances[p] += report.PerShare
	}
	if report.Remainder > 0 {
		l.balances[l.sink] += report.Remainder
	}
	return report, nil
}

// TotalSupply sums every balance. Conservation checks compare it before
// and after settlement.
func (l *Ledger) TotalSupply() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, b := range l.balances {
		total += b
	}
	return total
}

// Snapshot returns a deep copy of the ledger state for checkpointing.
func (l *Ledger) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{
		Balances:  make(map[string]int64, len(l.balances)),
		Resources: make(map[string]map[string]float64, len(l.resources)),
		Standing:  make(map[string]bool, len(l.standing)),
	}
	for p, b := range l.balances {
		st.Balances[p] = b
	}
	for p, rs := range l.resources {
		cp := make(map[string]float64, len(rs))
		for r, v := range rs {
			cp[r] = v
		}
		st.Resources[p] = cp
	}
	for p, s := range l.standing {
		st.Standing[p] = s
	}
	return st
}

// Restore replaces the ledger state from a checkpoint snapshot.
func (l *Ledger) Restore(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[string]int64, len(st.Balances))
	for p, b := range st.Balances {
		l.balances[p] = b
	}
	l.resources = make(map[string]map[string]float64, len(st.Resources))
	for p, rs := range st.Resources {
		cp := make(map[string]float64, len(rs))
		for r, v := range rs {
			cp[r] = v
		}
		l.resources[p] = cp
	}
	l.standing = make(map[string]bool, len(st.Standing))
	for p, s := range st.Standing {
		l.standing[p] = s
	}
}
