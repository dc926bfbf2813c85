package artifacts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("artifact not found")
	ErrTombstoned        = errors.New("artifact is deleted")
	ErrTypeImmutable     = errors.New("artifact type cannot change")
	ErrKernelProtected   = errors.New("artifact is kernel protected")
	ErrContractChange    = errors.New("only the creator may change the access contract")
	ErrUnknownContract   = errors.New("unknown access contract")
	ErrReservedID        = errors.New("id is in a reserved namespace")
	ErrMissingDependency = errors.New("dependency does not exist")
	ErrDependencyCycle   = errors.New("dependency graph has a cycle")
	ErrDependencyDepth   = errors.New("dependency depth exceeds limit")
	ErrDiskQuota         = errors.New("disk quota exceeded")
	ErrGenesisDelete     = errors.New("genesis artifacts cannot be deleted")
	ErrCodeNotExecutable = errors.New("artifacts with code must be executable")
	ErrNotController     = errors.New("caller does not control the artifact")
)

// Reserved id namespaces.
const (
	GenesisPrefix    = "genesis_"
	RightPrefix      = "right:"
	DelegationPrefix = "charge_delegation:"
)

// DefaultKernelPrincipal identifies the kernel itself when it acts as a
// creator (genesis artifacts, rights).
const DefaultKernelPrincipal = "kernel"

// DefaultMaxDependencyDepth bounds the transitive depends_on chain. Depth
// is enforced at write time so no invocation can blow the stack later.
const DefaultMaxDependencyDepth = 5

// DefaultContract is applied when a write names no access contract.
const DefaultContract = "freeware"

// delegationContract is forced onto charge_delegation records so only
// their payer (via the kernel) can ever observe or change them.
const delegationContract = "kernel_contract_private"

// defaultIndexedFields are the metadata keys indexed out of the box.
var defaultIndexedFields = []string{
	MetaController,
	MetaAuthorizedPrincipal,
	MetaAuthorizedWriter,
}

// QuotaFunc reports the disk quota in bytes for a principal. ok=false
// means no quota is configured (unlimited).
type QuotaFunc func(principal string) (bytes int64, ok bool)

// ContractValidator reports whether an access contract id is recognized.
// Wired to the contracts package by the kernel; kept as a function so the
// store has no policy knowledge of its own.
type ContractValidator func(id string) bool

// WriteRequest is the full desired state of an artifact. The executor
// resolves intent-level partial updates against the existing record before
// calling Write; the store validates and commits.
type WriteRequest struct {
	ID              string
	Type            string
	Content         string
	Code            string
	Executable      bool
	Caller          string
	AccessContract  string
	Policy          Policy
	Metadata        map[string]interface{}
	DependsOn       []string
	HasStanding     bool
	CanExecute      bool
	KernelProtected bool
	Interface       *Interface
}

// ProtectedPatch is a partial mutation applied through the kernel-only
// path. Nil fields are left untouched; Metadata entries are merged key by
// key.
type ProtectedPatch struct {
	Content  *string
	Code     *string
	Metadata map[string]interface{}
}

// Store owns every artifact record and its indexes. Writers hold the
// kernel's single-writer discipline; the mutex guards read-side tooling.
type Store struct {
	mu sync.RWMutex

	records map[string]*Artifact
	byType  map[string]map[string]struct{}
	byOwner map[string]map[string]struct{}
	byMeta  map[string]map[string]map[string]struct{}

	diskUsed map[string]int64

	indexedFields   []string
	genesisSet      map[string]struct{}
	kernelPrincipal string
	maxDepth        int
	quota           QuotaFunc
	contractKnown   ContractValidator
	clock           func() time.Time
}

// NewStore creates an empty artifact store.
func NewStore() *Store {
	return &Store{
		records:         make(map[string]*Artifact),
		byType:          make(map[string]map[string]struct{}),
		byOwner:         make(map[string]map[string]struct{}),
		byMeta:          make(map[string]map[string]map[string]struct{}),
		diskUsed:        make(map[string]int64),
		indexedFields:   append([]string(nil), defaultIndexedFields...),
		genesisSet:      make(map[string]struct{}),
		kernelPrincipal: DefaultKernelPrincipal,
		maxDepth:        DefaultMaxDependencyDepth,
		clock:           time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithKernelPrincipal sets the principal allowed to create reserved ids.
func (s *Store) WithKernelPrincipal(id string) *Store {
	s.kernelPrincipal = id
	return s
}

// WithMaxDependencyDepth overrides the DAG depth limit.
func (s *Store) WithMaxDependencyDepth(depth int) *Store {
	if depth > 0 {
		s.maxDepth = depth
	}
	return s
}

// WithQuotaFunc wires disk-quota lookups (normally the ledger).
func (s *Store) WithQuotaFunc(fn QuotaFunc) *Store {
	s.quota = fn
	return s
}

// WithContractValidator wires access-contract id validation.
func (s *Store) WithContractValidator(fn ContractValidator) *Store {
	s.contractKnown = fn
	return s
}

// WithIndexedFields replaces the metadata index whitelist. Dot notation
// addresses nested fields (tags.priority).
func (s *Store) WithIndexedFields(fields []string) *Store {
	s.indexedFields = append([]string(nil), fields...)
	return s
}

// WithGenesisSet marks additional ids as undeletable beyond the genesis_
// prefix.
func (s *Store) WithGenesisSet(ids []string) *Store {
	for _, id := range ids {
		s.genesisSet[id] = struct{}{}
	}
	return s
}

// Write creates or updates an artifact, enforcing every structural
// invariant. Returns the stored record (a clone) and whether it was
// created.
func (s *Store) Write(req WriteRequest) (*Artifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Code != "" && !req.Executable {
		return nil, false, fmt.Errorf("write %s: %w", req.ID, ErrCodeNotExecutable)
	}

	existing, exists := s.records[req.ID]
	if exists {
		return s.update(req, existing)
	}
	return s.create(req)
}

func (s *Store) create(req WriteRequest) (*Artifact, bool, error) {
	if err := s.checkReserved(req.ID, req.Caller); err != nil {
		return nil, false, err
	}

	contract := req.AccessContract
	if contract == "" {
		contract = DefaultContract
	}
	if s.contractKnown != nil && !s.contractKnown(contract) {
		return nil, false, fmt.Errorf("write %s: contract %q: %w", req.ID, contract, ErrUnknownContract)
	}

	typ := req.Type
	if typ == "" {
		typ = TypeData
	}

	if err := s.checkDependencies(req.ID, req.DependsOn); err != nil {
		return nil, false, err
	}

	now := s.clock()
	art := &Artifact{
		ID:              req.ID,
		Type:            typ,
		Content:         req.Content,
		Code:            req.Code,
		Executable:      req.Executable,
		CreatedBy:       req.Caller,
		CreatedAt:       now,
		UpdatedAt:       now,
		AccessContract:  contract,
		Policy:          req.Policy,
		Metadata:        sanitizeMetadata(req.Metadata, nil),
		DependsOn:       append([]string(nil), req.DependsOn...),
		HasStanding:     req.HasStanding,
		CanExecute:      req.CanExecute,
		KernelProtected: req.KernelProtected,
		Interface:       req.Interface,
	}
	// Delegation records are kernel territory from birth no matter who
	// creates them; once protected, only the delegation manager can write.
	if strings.HasPrefix(art.ID, DelegationPrefix) {
		art.Type = TypeDelegation
		art.KernelProtected = true
		art.AccessContract = delegationContract
	}
	applyInvokeScan(art)

	if err := s.checkDiskQuota(req.Caller, art.SizeBytes()); err != nil {
		return nil, false, err
	}

	s.records[art.ID] = art
	s.diskUsed[req.Caller] += art.SizeBytes()
	s.indexAdd(art)
	return art.Clone(), true, nil
}

func (s *Store) update(req WriteRequest, existing *Artifact) (*Artifact, bool, error) {
	if existing.Deleted {
		return nil, false, fmt.Errorf("write %s: %w", req.ID, ErrTombstoned)
	}
	if existing.KernelProtected {
		return nil, false, fmt.Errorf("write %s: %w", req.ID, ErrKernelProtected)
	}
	if req.Type != "" && req.Type != existing.Type {
		return nil, false, fmt.Errorf("write %s: %q -> %q: %w", req.ID, existing.Type, req.Type, ErrTypeImmutable)
	}

	contract := req.AccessContract
	if contract == "" {
		contract = existing.AccessContract
	}
	if contract != existing.AccessContract {
		if req.Caller != existing.CreatedBy {
			return nil, false, fmt.Errorf("write %s: %w", req.ID, ErrContractChange)
		}
		if s.contractKnown != nil && !s.contractKnown(contract) {
			return nil, false, fmt.Errorf("write %s: contract %q: %w", req.ID, contract, ErrUnknownContract)
		}
	}

	if err := s.checkDependencies(req.ID, req.DependsOn); err != nil {
		return nil, false, err
	}

	delta := int64(len(req.Content)+len(req.Code)) - existing.SizeBytes()
	if err := s.checkDiskQuota(existing.CreatedBy, delta); err != nil {
		return nil, false, err
	}

	s.indexRemove(existing)

	existing.Content = req.Content
	existing.Code = req.Code
	existing.Executable = req.Executable
	existing.UpdatedAt = s.clock()
	existing.AccessContract = contract
	existing.Policy = req.Policy
	existing.Metadata = sanitizeMetadata(req.Metadata, existing.Metadata)
	existing.DependsOn = append([]string(nil), req.DependsOn...)
	existing.HasStanding = req.HasStanding
	existing.CanExecute = req.CanExecute
	existing.Interface = req.Interface
	applyInvokeScan(existing)

	s.diskUsed[existing.CreatedBy] += delta
	s.indexAdd(existing)
	return existing.Clone(), false, nil
}

// ModifyProtectedContent is the kernel-only mutation path. It bypasses the
// kernel-protected barrier and the type/contract invariant checks (the
// kernel is trusted) but still refuses tombstones. Metadata entries merge
// key by key, which is how the kernel stamps authorization keys.
func (s *Store) ModifyProtectedContent(id string, patch ProtectedPatch) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("modify %s: %w", id, ErrNotFound)
	}
	if art.Deleted {
		return nil, fmt.Errorf("modify %s: %w", id, ErrTombstoned)
	}

	oldSize := art.SizeBytes()
	s.indexRemove(art)

	if patch.Content != nil {
		art.Content = *patch.Content
	}
	if patch.Code != nil {
		art.Code = *patch.Code
		applyInvokeScan(art)
	}
	if patch.Metadata != nil {
		if art.Metadata == nil {
			art.Metadata = make(map[string]interface{}, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			if v == nil {
				delete(art.Metadata, k)
				continue
			}
			art.Metadata[k] = v
		}
	}
	art.UpdatedAt = s.clock()

	s.diskUsed[art.CreatedBy] += art.SizeBytes() - oldSize
	s.indexAdd(art)
	return art.Clone(), nil
}

// TransferOwnership moves control of an artifact: invoke fees flow to the
// new controller from now on. created_by never changes.
func (s *Store) TransferOwnership(id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, ok := s.records[id]
	if !ok {
		return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	if art.Deleted {
		return fmt.Errorf("transfer %s: %w", id, ErrTombstoned)
	}
	if art.Controller() != from {
		return fmt.Errorf("transfer %s: %s is not the controller: %w", id, from, ErrNotController)
	}

	s.indexRemove(art)
	if art.Metadata == nil {
		art.Metadata = make(map[string]interface{}, 1)
	}
	art.Metadata[MetaController] = to
	art.UpdatedAt = s.clock()
	s.indexAdd(art)
	return nil
}

// Delete tombstones an artifact. Content and code are dropped (freeing
// disk quota); identity and deletion facts survive forever.
func (s *Store) Delete(id, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, ok := s.records[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if art.Deleted {
		return fmt.Errorf("delete %s: %w", id, ErrTombstoned)
	}
	if strings.HasPrefix(id, GenesisPrefix) {
		return fmt.Errorf("delete %s: %w", id, ErrGenesisDelete)
	}
	if _, protected := s.genesisSet[id]; protected {
		return fmt.Errorf("delete %s: %w", id, ErrGenesisDelete)
	}

	s.indexRemove(art)
	s.diskUsed[art.CreatedBy] -= art.SizeBytes()

	now := s.clock()
	art.Content = ""
	art.Code = ""
	art.Metadata = nil
	art.DependsOn = nil
	art.Interface = nil
	art.Executable = false
	art.Deleted = true
	art.DeletedAt = &now
	art.DeletedBy = by
	art.UpdatedAt = now
	return nil
}

// Get returns a clone of the artifact, or its tombstone view if deleted.
func (s *Store) Get(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	art, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if art.Deleted {
		return art.Tombstone(), nil
	}
	return art.Clone(), nil
}

// Exists reports whether a live (non-deleted) artifact has this id.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.records[id]
	return ok && !art.Deleted
}

// HasRecord reports whether any record, live or tombstoned, has this id.
func (s *Store) HasRecord(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// ListAll returns clones of all live artifacts, sorted by id. With
// includeDeleted, tombstones are included.
func (s *Store) ListAll(includeDeleted bool) []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Artifact, 0, len(s.records))
	for _, art := range s.records {
		if art.Deleted && !includeDeleted {
			continue
		}
		out = append(out, art.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live artifacts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, art := range s.records {
		if !art.Deleted {
			n++
		}
	}
	return n
}

// IDsByType returns the ids of live artifacts with the given type, sorted.
func (s *Store) IDsByType(typ string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byType[typ])
}

// IDsByCreator returns the ids of live artifacts created by the principal.
func (s *Store) IDsByCreator(creator string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byOwner[creator])
}

// IDsByMetadata returns ids of live artifacts whose indexed metadata field
// equals value. Only whitelisted fields are indexed; unindexed fields
// return nothing.
func (s *Store) IDsByMetadata(field, value string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.byMeta[field]
	if !ok {
		return nil
	}
	return sortedKeys(values[value])
}

// DiskUsed returns the bytes of content+code attributed to a principal.
func (s *Store) DiskUsed(principal string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diskUsed[principal]
}

// DependencyDepth returns the longest depends_on chain below an artifact.
func (s *Store) DependencyDepth(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.depthOf(id, make(map[string]int))
}

// Dependents returns the ids of live artifacts that list id in their
// depends_on (the reverse edge set), sorted.
func (s *Store) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, art := range s.records {
		if art.Deleted {
			continue
		}
		for _, dep := range art.DependsOn {
			if dep == id {
				out = append(out, art.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns deep copies of every record, tombstones included,
// sorted by id. This is the checkpoint form.
func (s *Store) Snapshot() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Artifact, 0, len(s.records))
	for _, art := range s.records {
		out = append(out, *art.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces all records from a checkpoint and rebuilds indexes and
// disk accounting. Invariants are not re-validated: the checkpoint was
// written by a trusted kernel.
func (s *Store) Restore(arts []Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*Artifact, len(arts))
	s.byType = make(map[string]map[string]struct{})
	s.byOwner = make(map[string]map[string]struct{})
	s.byMeta = make(map[string]map[string]map[string]struct{})
	s.diskUsed = make(map[string]int64)

	for i := range arts {
		art := arts[i].Clone()
		s.records[art.ID] = art
		if !art.Deleted {
			s.diskUsed[art.CreatedBy] += art.SizeBytes()
			s.indexAdd(art)
		}
	}
}

func (s *Store) checkReserved(id, caller string) error {
	if caller == s.kernelPrincipal {
		return nil
	}
	if strings.HasPrefix(id, GenesisPrefix) {
		return fmt.Errorf("create %s: genesis namespace is kernel-only: %w", id, ErrReservedID)
	}
	if strings.HasPrefix(id, RightPrefix) {
		return fmt.Errorf("create %s: right namespace is kernel-only: %w", id, ErrReservedID)
	}
	if strings.HasPrefix(id, DelegationPrefix) {
		owner := strings.TrimPrefix(id, DelegationPrefix)
		if owner != caller {
			return fmt.Errorf("create %s: only %s may create it: %w", id, owner, ErrReservedID)
		}
	}
	return nil
}

// checkDependencies enforces I-DAG: every dependency exists and is live,
// the graph stays acyclic with the new edges, and the transitive depth
// stays within the limit.
func (s *Store) checkDependencies(id string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	for _, dep := range deps {
		if dep == id {
			return fmt.Errorf("write %s: depends on itself: %w", id, ErrDependencyCycle)
		}
		target, ok := s.records[dep]
		if !ok || target.Deleted {
			return fmt.Errorf("write %s: dependency %s: %w", id, dep, ErrMissingDependency)
		}
	}

	// Cycle check: id must not be reachable from any of its new deps.
	seen := map[string]bool{}
	var reachable func(from string) bool
	reachable = func(from string) bool {
		if from == id {
			return true
		}
		if seen[from] {
			return false
		}
		seen[from] = true
		art, ok := s.records[from]
		if !ok {
			return false
		}
		for _, next := range art.DependsOn {
			if reachable(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if reachable(dep) {
			return fmt.Errorf("write %s: via %s: %w", id, dep, ErrDependencyCycle)
		}
	}

	// Depth check: longest chain below the new node, plus the new edge.
	memo := make(map[string]int)
	depth := 0
	for _, dep := range deps {
		if d := s.depthOf(dep, memo) + 1; d > depth {
			depth = d
		}
	}
	if depth > s.maxDepth {
		return fmt.Errorf("write %s: depth %d exceeds %d: %w", id, depth, s.maxDepth, ErrDependencyDepth)
	}
	return nil
}

func (s *Store) depthOf(id string, memo map[string]int) int {
	if d, ok := memo[id]; ok {
		return d
	}
	art, ok := s.records[id]
	if !ok || len(art.DependsOn) == 0 {
		memo[id] = 0
		return 0
	}
	max := 0
	for _, dep := range art.DependsOn {
		if d := s.depthOf(dep, memo) + 1; d > max {
			max = d
		}
	}
	memo[id] = max
	return max
}

func (s *Store) checkDiskQuota(principal string, delta int64) error {
	if s.quota == nil || delta <= 0 {
		return nil
	}
	limit, ok := s.quota(principal)
	if !ok {
		return nil
	}
	if s.diskUsed[principal]+delta > limit {
		return fmt.Errorf("principal %s: used %d + %d > quota %d: %w",
			principal, s.diskUsed[principal], delta, limit, ErrDiskQuota)
	}
	return nil
}

func (s *Store) indexAdd(art *Artifact) {
	addToIndex(s.byType, art.Type, art.ID)
	addToIndex(s.byOwner, art.CreatedBy, art.ID)
	for _, field := range s.indexedFields {
		if v, ok := metadataPath(art.Metadata, field); ok {
			values, exists := s.byMeta[field]
			if !exists {
				values = make(map[string]map[string]struct{})
				s.byMeta[field] = values
			}
			addToIndex(values, v, art.ID)
		}
	}
}

func (s *Store) indexRemove(art *Artifact) {
	removeFromIndex(s.byType, art.Type, art.ID)
	removeFromIndex(s.byOwner, art.CreatedBy, art.ID)
	for _, field := range s.indexedFields {
		if v, ok := metadataPath(art.Metadata, field); ok {
			if values, exists := s.byMeta[field]; exists {
				removeFromIndex(values, v, art.ID)
			}
		}
	}
}

// sanitizeMetadata strips kernel-owned keys from user-supplied metadata
// and carries forward their previously stored values.
func sanitizeMetadata(incoming, existing map[string]interface{}) map[string]interface{} {
	if incoming == nil && existing == nil {
		return nil
	}
	out := make(map[string]interface{}, len(incoming))
	for k, v := range incoming {
		if isKernelMetadataKey(k) {
			continue
		}
		out[k] = v
	}
	for _, k := range []string{MetaController, MetaAuthorizedPrincipal, MetaAuthorizedWriter} {
		if v, ok := existing[k]; ok {
			out[k] = v
		}
	}
	return out
}

func isKernelMetadataKey(k string) bool {
	switch k {
	case MetaController, MetaAuthorizedPrincipal, MetaAuthorizedWriter, MetaInvokes:
		return true
	}
	return false
}

// metadataPath resolves a dot-notation path to a string value.
func metadataPath(meta map[string]interface{}, path string) (string, bool) {
	if meta == nil {
		return "", false
	}
	parts := strings.Split(path, ".")
	var cur interface{} = meta
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[p]
		if !ok {
			return "", false
		}
	}
	str, ok := cur.(string)
	return str, ok
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
