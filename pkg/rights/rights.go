// Package rights manages tradeable resource rights stored as artifacts.
//
// A right is an artifact of type "right" whose content is a small JSON
// record describing a claim on capacity: dollars remaining for a model,
// calls per window, or bytes of disk. Rights are created under the
// reserved "right:" namespace by the kernel principal, owned through
// metadata.controller, and traded by ownership transfer. Split and merge
// preserve total amount.
package rights

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agora-labs/agora/pkg/artifacts"
)

var (
	ErrNotRight      = errors.New("artifact is not a right")
	ErrRightDeleted  = errors.New("right is tombstoned")
	ErrNotOwner      = errors.New("caller does not own the right")
	ErrInvalidAmount = errors.New("right amount must be positive")
	ErrSplitAmounts  = errors.New("split amounts must be positive and sum to the original")
	ErrMergeMismatch = errors.New("merge requires rights of the same type, resource, model and window")
	ErrMergeTooFew   = errors.New("merge requires at least two rights")
	ErrBadID         = errors.New("right ids must use the right: prefix")
)

// Known right types. The amount field is dollars for a dollar budget,
// calls per window for rate capacity, and bytes for a disk quota.
const (
	TypeDollarBudget = "dollar_budget"
	TypeRateCapacity = "rate_capacity"
	TypeDiskQuota    = "disk_quota"
)

const (
	ResourceLLM  = "llm"
	ResourceDisk = "disk"
)

// Data is the JSON content of a right artifact.
type Data struct {
	RightType string  `json:"right_type"`
	Resource  string  `json:"resource"`
	Amount    float64 `json:"amount"`
	Model     string  `json:"model,omitempty"`
	Window    int64   `json:"window,omitempty"`
}

// Right pairs a right artifact id with its parsed content and owner.
type Right struct {
	ID    string
	Owner string
	Data  Data
}

// Registry creates and manipulates rights on top of the artifact store.
// All writes go through the kernel principal; callers are checked against
// the artifact controller.
type Registry struct {
	store  *artifacts.Store
	kernel string
	newID  func() string
}

// NewRegistry returns a registry writing through the store's kernel
// principal.
func NewRegistry(store *artifacts.Store) *Registry {
	return &Registry{
		store:  store,
		kernel: artifacts.DefaultKernelPrincipal,
		newID:  func() string { return artifacts.RightPrefix + uuid.NewString() },
	}
}

// WithKernelPrincipal overrides the principal used for kernel writes.
func (r *Registry) WithKernelPrincipal(id string) *Registry {
	r.kernel = id
	return r
}

// WithIDFunc overrides right id generation. Test hook.
func (r *Registry) WithIDFunc(fn func() string) *Registry {
	r.newID = fn
	return r
}

// CreateDollarBudget mints a dollar-denominated budget right for owner.
func (r *Registry) CreateDollarBudget(owner, model string, dollars float64) (*artifacts.Artifact, error) {
	return r.Create(owner, Data{
		RightType: TypeDollarBudget,
		Resource:  ResourceLLM,
		Amount:    dollars,
		Model:     model,
	})
}

// CreateRateCapacity mints a calls-per-window right for owner.
func (r *Registry) CreateRateCapacity(owner, resource string, calls float64, windowSeconds int64, model string) (*artifacts.Artifact, error) {
	return r.Create(owner, Data{
		RightType: TypeRateCapacity,
		Resource:  resource,
		Amount:    calls,
		Model:     model,
		Window:    windowSeconds,
	})
}

// CreateDiskQuota mints a byte-denominated disk right for owner.
func (r *Registry) CreateDiskQuota(owner string, bytes float64) (*artifacts.Artifact, error) {
	return r.Create(owner, Data{
		RightType: TypeDiskQuota,
		Resource:  ResourceDisk,
		Amount:    bytes,
	})
}

// Create writes a right artifact for owner with the given content and
// hands ownership to them. The kernel principal is the creator, which
// keeps the content writable only through registry operations.
func (r *Registry) Create(owner string, data Data) (*artifacts.Artifact, error) {
	if err := validateData(data); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("rights: encode content: %w", err)
	}
	id := r.newID()
	if _, _, err := r.store.Write(artifacts.WriteRequest{
		ID:      id,
		Type:    artifacts.TypeRight,
		Content: string(raw),
		Caller:  r.kernel,
	}); err != nil {
		return nil, fmt.Errorf("rights: create %s: %w", id, err)
	}
	if err := r.store.TransferOwnership(id, r.kernel, owner); err != nil {
		return nil, fmt.Errorf("rights: assign %s to %s: %w", id, owner, err)
	}
	return r.store.Get(id)
}

// GetData parses the content of a right artifact.
func (r *Registry) GetData(id string) (Data, error) {
	art, err := r.store.Get(id)
	if err != nil {
		return Data{}, err
	}
	return parseRight(art)
}

// UpdateAmount sets the amount on an existing right. Zero is allowed so
// exhausted budgets stay inspectable; negative amounts are not.
func (r *Registry) UpdateAmount(id string, amount float64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	art, err := r.store.Get(id)
	if err != nil {
		return err
	}
	data, err := parseRight(art)
	if err != nil {
		return err
	}
	data.Amount = amount
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("rights: encode content: %w", err)
	}
	content := string(raw)
	if _, err := r.store.ModifyProtectedContent(id, artifacts.ProtectedPatch{Content: &content}); err != nil {
		return fmt.Errorf("rights: update %s: %w", id, err)
	}
	return nil
}

// FindByType lists live rights owned by owner with the given right type.
// A non-empty model narrows the match. Results are sorted by id.
func (r *Registry) FindByType(owner, rightType, model string) []Right {
	var out []Right
	for _, id := range r.store.IDsByType(artifacts.TypeRight) {
		art, err := r.store.Get(id)
		if err != nil || art.Deleted {
			continue
		}
		if art.Controller() != owner {
			continue
		}
		data, err := parseRight(art)
		if err != nil {
			continue
		}
		if data.RightType != rightType {
			continue
		}
		if model != "" && data.Model != model {
			continue
		}
		out = append(out, Right{ID: id, Owner: owner, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Owned lists every live right held by owner, sorted by id.
func (r *Registry) Owned(owner string) []Right {
	var out []Right
	for _, id := range r.store.IDsByType(artifacts.TypeRight) {
		art, err := r.store.Get(id)
		if err != nil || art.Deleted || art.Controller() != owner {
			continue
		}
		data, err := parseRight(art)
		if err != nil {
			continue
		}
		out = append(out, Right{ID: id, Owner: owner, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalAmount sums the amounts of the matched rights.
func (r *Registry) TotalAmount(owner, rightType, model string) float64 {
	var total float64
	for _, m := range r.FindByType(owner, rightType, model) {
		total += m.Data.Amount
	}
	return total
}

// Split divides one right into several. Every amount must be positive and
// the amounts must sum to the original. The children carry the parent id
// in metadata and go to the caller; the parent is tombstoned.
func (r *Registry) Split(rightID string, amounts []float64, caller string) ([]*artifacts.Artifact, error) {
	parent, err := r.store.Get(rightID)
	if err != nil {
		return nil, err
	}
	data, err := parseRight(parent)
	if err != nil {
		return nil, err
	}
	if parent.Controller() != caller {
		return nil, fmt.Errorf("%w: %s is controlled by %s", ErrNotOwner, rightID, parent.Controller())
	}
	if len(amounts) == 0 {
		return nil, ErrSplitAmounts
	}
	var sum float64
	for _, a := range amounts {
		if a <= 0 {
			return nil, fmt.Errorf("%w: got %v", ErrSplitAmounts, a)
		}
		sum += a
	}
	if !amountsEqual(sum, data.Amount) {
		return nil, fmt.Errorf("%w: parts sum to %v, original is %v", ErrSplitAmounts, sum, data.Amount)
	}

	children := make([]*artifacts.Artifact, 0, len(amounts))
	for _, a := range amounts {
		part := data
		part.Amount = a
		child, err := r.createLinked(caller, part, map[string]interface{}{"split_from": rightID})
		if err != nil {
			r.rollback(children)
			return nil, fmt.Errorf("rights: split %s: %w", rightID, err)
		}
		children = append(children, child)
	}
	if err := r.store.Delete(rightID, r.kernel); err != nil {
		r.rollback(children)
		return nil, fmt.Errorf("rights: retire %s: %w", rightID, err)
	}
	return children, nil
}

// Merge combines rights of the same type, resource, model and window into
// one right whose amount is the sum. All inputs must be owned by the
// caller; they are tombstoned. newID may be empty to generate one.
func (r *Registry) Merge(rightIDs []string, caller, newID string) (*artifacts.Artifact, error) {
	if len(rightIDs) < 2 {
		return nil, ErrMergeTooFew
	}
	if newID == "" {
		newID = r.newID()
	} else if !strings.HasPrefix(newID, artifacts.RightPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrBadID, newID)
	}

	var merged Data
	for i, id := range rightIDs {
		art, err := r.store.Get(id)
		if err != nil {
			return nil, err
		}
		data, err := parseRight(art)
		if err != nil {
			return nil, err
		}
		if art.Controller() != caller {
			return nil, fmt.Errorf("%w: %s is controlled by %s", ErrNotOwner, id, art.Controller())
		}
		if i == 0 {
			merged = data
			continue
		}
		if data.RightType != merged.RightType || data.Resource != merged.Resource ||
			data.Model != merged.Model || data.Window != merged.Window {
			return nil, fmt.Errorf("%w: %s differs from %s", ErrMergeMismatch, id, rightIDs[0])
		}
		merged.Amount += data.Amount
	}

	sources := make([]interface{}, len(rightIDs))
	for i, id := range rightIDs {
		sources[i] = id
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("rights: encode content: %w", err)
	}
	out, _, err := r.store.Write(artifacts.WriteRequest{
		ID:       newID,
		Type:     artifacts.TypeRight,
		Content:  string(raw),
		Caller:   r.kernel,
		Metadata: map[string]interface{}{"merged_from": sources},
	})
	if err != nil {
		return nil, fmt.Errorf("rights: merge into %s: %w", newID, err)
	}
	if err := r.store.TransferOwnership(newID, r.kernel, caller); err != nil {
		r.rollback([]*artifacts.Artifact{out})
		return nil, fmt.Errorf("rights: assign %s to %s: %w", newID, caller, err)
	}
	for _, id := range rightIDs {
		if err := r.store.Delete(id, r.kernel); err != nil {
			return nil, fmt.Errorf("rights: retire %s: %w", id, err)
		}
	}
	return r.store.Get(newID)
}

// Transfer hands a right to a new owner. The caller must control it.
func (r *Registry) Transfer(rightID, from, to string) error {
	art, err := r.store.Get(rightID)
	if err != nil {
		return err
	}
	if _, err := parseRight(art); err != nil {
		return err
	}
	return r.store.TransferOwnership(rightID, from, to)
}

func (r *Registry) createLinked(owner string, data Data, meta map[string]interface{}) (*artifacts.Artifact, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	id := r.newID()
	if _, _, err := r.store.Write(artifacts.WriteRequest{
		ID:       id,
		Type:     artifacts.TypeRight,
		Content:  string(raw),
		Caller:   r.kernel,
		Metadata: meta,
	}); err != nil {
		return nil, err
	}
	if err := r.store.TransferOwnership(id, r.kernel, owner); err != nil {
		return nil, err
	}
	return r.store.Get(id)
}

// rollback tombstones partially created rights after a failed multi-step
// operation. Errors are ignored; the kernel can always delete.
func (r *Registry) rollback(created []*artifacts.Artifact) {
	for _, art := range created {
		if art != nil {
			_ = r.store.Delete(art.ID, r.kernel)
		}
	}
}

func validateData(data Data) error {
	if data.RightType == "" || data.Resource == "" {
		return fmt.Errorf("%w: right_type and resource are required", ErrNotRight)
	}
	if data.Amount <= 0 {
		return ErrInvalidAmount
	}
	if data.Window < 0 {
		return fmt.Errorf("%w: window must not be negative", ErrInvalidAmount)
	}
	return nil
}

func parseRight(art *artifacts.Artifact) (Data, error) {
	if art.Type != artifacts.TypeRight {
		return Data{}, fmt.Errorf("%w: %s has type %s", ErrNotRight, art.ID, art.Type)
	}
	if art.Deleted {
		return Data{}, fmt.Errorf("%w: %s", ErrRightDeleted, art.ID)
	}
	var data Data
	if err := json.Unmarshal([]byte(art.Content), &data); err != nil {
		return Data{}, fmt.Errorf("rights: decode %s: %w", art.ID, err)
	}
	return data, nil
}

// amountsEqual compares float sums with a small relative tolerance so
// fractional dollar splits do not fail on representation error.
func amountsEqual(a, b float64) bool {
	diff := math.Abs(a - b)
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return diff <= 1e-9*scale
}
