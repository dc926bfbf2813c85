package kernel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agora-labs/agora/pkg/artifacts"
)

// SubscriptionPrefix namespaces the per-principal subscription records.
const SubscriptionPrefix = "subscriptions:"

// SubscriptionArtifactID returns the record id for a principal.
func SubscriptionArtifactID(principal string) string {
	return SubscriptionPrefix + principal
}

// SubscriptionSet tracks which principals watch which artifacts. The
// forward sets are persisted as kernel-protected artifacts so they
// survive checkpoints with the rest of the store; the reverse index is
// derived and rebuilt on load.
type SubscriptionSet struct {
	mu      sync.Mutex
	store   *artifacts.Store
	forward map[string]map[string]struct{}
	reverse map[string]map[string]struct{}
}

// NewSubscriptionSet builds the set, loading any records already in the
// store (a restored checkpoint carries them).
func NewSubscriptionSet(store *artifacts.Store) *SubscriptionSet {
	s := &SubscriptionSet{store: store}
	s.Reload()
	return s
}

// Reload rebuilds the in-memory indexes from the store. Called after a
// checkpoint restore.
func (s *SubscriptionSet) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forward = make(map[string]map[string]struct{})
	s.reverse = make(map[string]map[string]struct{})
	for _, art := range s.store.ListAll(false) {
		if !strings.HasPrefix(art.ID, SubscriptionPrefix) {
			continue
		}
		principal := strings.TrimPrefix(art.ID, SubscriptionPrefix)
		var ids []string
		if err := json.Unmarshal([]byte(art.Content), &ids); err != nil {
			continue
		}
		for _, id := range ids {
			s.add(principal, id)
		}
	}
}

// Subscribe adds an artifact to the caller's watch set. The executor has
// already checked existence and contract permission.
func (s *SubscriptionSet) Subscribe(caller, artifactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forward[caller][artifactID]; ok {
		return false, nil
	}
	s.add(caller, artifactID)
	if err := s.persist(caller); err != nil {
		s.remove(caller, artifactID)
		return false, err
	}
	return true, nil
}

// Unsubscribe removes an artifact from the caller's watch set.
func (s *SubscriptionSet) Unsubscribe(caller, artifactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forward[caller][artifactID]; !ok {
		return false, nil
	}
	s.remove(caller, artifactID)
	if err := s.persist(caller); err != nil {
		s.add(caller, artifactID)
		return false, err
	}
	return true, nil
}

// Subscriptions returns the artifact ids a principal watches, sorted.
func (s *SubscriptionSet) Subscriptions(principal string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedSet(s.forward[principal])
}

// Subscribers returns the principals watching an artifact, sorted.
func (s *SubscriptionSet) Subscribers(artifactID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedSet(s.reverse[artifactID])
}

func (s *SubscriptionSet) add(principal, artifactID string) {
	if s.forward[principal] == nil {
		s.forward[principal] = make(map[string]struct{})
	}
	s.forward[principal][artifactID] = struct{}{}
	if s.reverse[artifactID] == nil {
		s.reverse[artifactID] = make(map[string]struct{})
	}
	s.reverse[artifactID][principal] = struct{}{}
}

func (s *SubscriptionSet) remove(principal, artifactID string) {
	delete(s.forward[principal], artifactID)
	if len(s.forward[principal]) == 0 {
		delete(s.forward, principal)
	}
	delete(s.reverse[artifactID], principal)
	if len(s.reverse[artifactID]) == 0 {
		delete(s.reverse, artifactID)
	}
}

// persist writes the principal's sorted watch set. Callers hold s.mu.
func (s *SubscriptionSet) persist(principal string) error {
	raw, err := json.Marshal(sortedSet(s.forward[principal]))
	if err != nil {
		return fmt.Errorf("subscriptions: encode %s: %w", principal, err)
	}
	id := SubscriptionArtifactID(principal)
	content := string(raw)

	if s.store.Exists(id) {
		if _, err := s.store.ModifyProtectedContent(id, artifacts.ProtectedPatch{Content: &content}); err != nil {
			return fmt.Errorf("subscriptions: update %s: %w", id, err)
		}
		return nil
	}
	if _, _, err := s.store.Write(artifacts.WriteRequest{
		ID:              id,
		Type:            artifacts.TypeData,
		Content:         content,
		Caller:          artifacts.DefaultKernelPrincipal,
		KernelProtected: true,
	}); err != nil {
		return fmt.Errorf("subscriptions: create %s: %w", id, err)
	}
	return nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
