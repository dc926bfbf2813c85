package delegation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/contracts"
	"github.com/agora-labs/agora/pkg/delegation"
)

func i64(n int64) *int64 { return &n }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T) (*delegation.Manager, *artifacts.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := artifacts.NewStore().
		WithClock(clock.Now).
		WithContractValidator(contracts.Known)
	mgr := delegation.NewManager(store).WithClock(clock.Now)
	return mgr, store, clock
}

func TestGrantCreatesProtectedRecord(t *testing.T) {
	mgr, store, _ := newTestManager(t)

	err := mgr.Grant("alice", delegation.Grant{
		Payer:         "alice",
		Charger:       "bob",
		MaxPerCall:    i64(10),
		MaxPerWindow:  i64(15),
		WindowSeconds: 60,
	})
	require.NoError(t, err)

	art, err := store.Get(delegation.ArtifactID("alice"))
	require.NoError(t, err)
	assert.True(t, art.KernelProtected)
	assert.Equal(t, "kernel_contract_private", art.AccessContract)
	assert.Equal(t, artifacts.TypeDelegation, art.Type)
	assert.Equal(t, "alice", art.CreatedBy)

	// Direct writes bounce off the protection; only the manager mutates.
	_, _, err = store.Write(artifacts.WriteRequest{
		ID:      delegation.ArtifactID("alice"),
		Caller:  "alice",
		Content: `{"payer":"alice","delegations":{}}`,
	})
	assert.ErrorIs(t, err, artifacts.ErrKernelProtected)
}

func TestGrantOnlyByPayer(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	err := mgr.Grant("mallory", delegation.Grant{
		Payer:         "alice",
		Charger:       "mallory",
		WindowSeconds: 60,
	})
	assert.ErrorIs(t, err, delegation.ErrNotPayer)
}

func TestGrantValidation(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	err := mgr.Grant("alice", delegation.Grant{Payer: "alice", Charger: "bob"})
	assert.ErrorIs(t, err, delegation.ErrBadGrant)

	err = mgr.Grant("alice", delegation.Grant{
		Payer: "alice", Charger: "bob", WindowSeconds: 60, MaxPerCall: i64(0),
	})
	assert.ErrorIs(t, err, delegation.ErrBadGrant)

	err = mgr.Grant("alice", delegation.Grant{
		Payer: "alice", Charger: "", WindowSeconds: 60,
	})
	assert.ErrorIs(t, err, delegation.ErrBadGrant)
}

func TestAuthorizeWithoutDelegation(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	ok, reason := mgr.AuthorizeCharge("bob", "alice", 5)
	assert.False(t, ok)
	assert.Equal(t, "no delegation", reason)
}

func TestGrantThenRevoke(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	require.NoError(t, mgr.Grant("alice", delegation.Grant{
		Payer: "alice", Charger: "bob", WindowSeconds: 60,
	}))
	ok, _ := mgr.AuthorizeCharge("bob", "alice", 5)
	assert.True(t, ok)

	removed, err := mgr.Revoke("alice", "alice", "bob")
	require.NoError(t, err)
	assert.True(t, removed)

	ok, reason := mgr.AuthorizeCharge("bob", "alice", 5)
	assert.False(t, ok)
	assert.Equal(t, "no delegation", reason)

	removed, err = mgr.Revoke("alice", "alice", "bob")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRevokeOnlyByPayer(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.Revoke("mallory", "alice", "bob")
	assert.ErrorIs(t, err, delegation.ErrNotPayer)
}

func TestMaxPerCallBoundary(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	require.NoError(t, mgr.Grant("alice", delegation.Grant{
		Payer: "alice", Charger: "bob", MaxPerCall: i64(10), WindowSeconds: 60,
	}))

	ok, reason := mgr.AuthorizeCharge("bob", "alice", 10)
	assert.True(t, ok, reason)

	ok, reason = mgr.AuthorizeCharge("bob", "alice", 11)
	assert.False(t, ok)
	assert.Equal(t, delegation.ReasonPerCall, reason)
}

func TestRollingWindow(t *testing.T) {
	mgr, _, clock := newTestManager(t)

	// 1. Alice lets Bob charge at most 10 per call, 15 per 60s window.
	require.NoError(t, mgr.Grant("alice", delegation.Grant{
		Payer:         "alice",
		Charger:       "bob",
		MaxPerCall:    i64(10),
		MaxPerWindow:  i64(15),
		WindowSeconds: 60,
	}))

	// 2. First charge of 10 clears.
	ok, reason := mgr.AuthorizeCharge("bob", "alice", 10)
	require.True(t, ok, reason)
	mgr.RecordCharge("alice", "bob", 10)

	// 3. A second 10 would put the window at 20.
	ok, reason = mgr.AuthorizeCharge("bob", "alice", 10)
	assert.False(t, ok)
	assert.Equal(t, delegation.ReasonPerWindow, reason)

	// 4. Topping up to exactly the cap is allowed.
	ok, reason = mgr.AuthorizeCharge("bob", "alice", 5)
	require.True(t, ok, reason)
	mgr.RecordCharge("alice", "bob", 5)

	// 5. At the cap, any positive amount is denied.
	ok, reason = mgr.AuthorizeCharge("bob", "alice", 1)
	assert.False(t, ok)
	assert.Equal(t, delegation.ReasonPerWindow, reason)

	// 6. Once the window rolls past the first charges, room reopens.
	clock.Advance(61 * time.Second)
	ok, reason = mgr.AuthorizeCharge("bob", "alice", 10)
	assert.True(t, ok, reason)
}

func TestExpiry(t *testing.T) {
	mgr, _, clock := newTestManager(t)

	expires := clock.Now().Add(30 * time.Second)
	require.NoError(t, mgr.Grant("alice", delegation.Grant{
		Payer: "alice", Charger: "bob", WindowSeconds: 60, ExpiresAt: &expires,
	}))

	ok, _ := mgr.AuthorizeCharge("bob", "alice", 1)
	assert.True(t, ok)

	clock.Advance(30 * time.Second)
	ok, reason := mgr.AuthorizeCharge("bob", "alice", 1)
	assert.False(t, ok)
	assert.Equal(t, delegation.ReasonExpired, reason)
}

func TestHistoryCapBoundsMemory(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.WithHistoryCap(2)

	require.NoError(t, mgr.Grant("alice", delegation.Grant{
		Payer: "alice", Charger: "bob", MaxPerWindow: i64(100), WindowSeconds: 3600,
	}))

	for i := 0; i < 5; i++ {
		mgr.RecordCharge("alice", "bob", 10)
	}

	// Only the two most recent charges are still counted against the
	// window once the cap evicts the rest.
	ok, reason := mgr.AuthorizeCharge("bob", "alice", 80)
	assert.True(t, ok, reason)
	ok, _ = mgr.AuthorizeCharge("bob", "alice", 81)
	assert.False(t, ok)
}

func TestNonPositiveAmounts(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	require.NoError(t, mgr.Grant("alice", delegation.Grant{
		Payer: "alice", Charger: "bob", WindowSeconds: 60,
	}))

	ok, reason := mgr.AuthorizeCharge("bob", "alice", 0)
	assert.False(t, ok)
	assert.Equal(t, delegation.ReasonBadAmount, reason)

	ok, _ = mgr.AuthorizeCharge("bob", "alice", -5)
	assert.False(t, ok)
}

func TestChargers(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	require.NoError(t, mgr.Grant("alice", delegation.Grant{Payer: "alice", Charger: "zed", WindowSeconds: 60}))
	require.NoError(t, mgr.Grant("alice", delegation.Grant{Payer: "alice", Charger: "bob", WindowSeconds: 60}))

	assert.Equal(t, []string{"bob", "zed"}, mgr.Chargers("alice"))
	assert.Empty(t, mgr.Chargers("carol"))
}

func TestResolvePayer(t *testing.T) {
	art := &artifacts.Artifact{ID: "svc", CreatedBy: "carol", Metadata: map[string]interface{}{}}

	got, err := delegation.ResolvePayer("", "dan", art)
	require.NoError(t, err)
	assert.Equal(t, "dan", got)

	got, err = delegation.ResolvePayer("caller", "dan", art)
	require.NoError(t, err)
	assert.Equal(t, "dan", got)

	// No authorization metadata: the creator pays.
	got, err = delegation.ResolvePayer("target", "dan", art)
	require.NoError(t, err)
	assert.Equal(t, "carol", got)

	art.Metadata[artifacts.MetaAuthorizedWriter] = "erin"
	got, err = delegation.ResolvePayer("contract", "dan", art)
	require.NoError(t, err)
	assert.Equal(t, "erin", got)

	art.Metadata[artifacts.MetaAuthorizedPrincipal] = "frank"
	got, err = delegation.ResolvePayer("target", "dan", art)
	require.NoError(t, err)
	assert.Equal(t, "frank", got)

	got, err = delegation.ResolvePayer("pool:ops", "dan", art)
	require.NoError(t, err)
	assert.Equal(t, "ops", got)

	_, err = delegation.ResolvePayer("pool:", "dan", art)
	assert.ErrorIs(t, err, delegation.ErrBadChargeTo)

	_, err = delegation.ResolvePayer("victim", "dan", art)
	assert.ErrorIs(t, err, delegation.ErrBadChargeTo)

	_, err = delegation.ResolvePayer("target", "dan", nil)
	assert.ErrorIs(t, err, delegation.ErrBadChargeTo)
}

func TestResolvePayerIgnoresForgedMetadata(t *testing.T) {
	_, store, _ := newTestManager(t)

	// The author tries to bill a rich victim by planting the key at
	// write time; the store strips it, so resolution falls back to the
	// creator.
	_, _, err := store.Write(artifacts.WriteRequest{
		ID:      "leech",
		Caller:  "mallory",
		Content: "x",
		Metadata: map[string]interface{}{
			"authorized_principal": "richie",
		},
	})
	require.NoError(t, err)

	art, err := store.Get("leech")
	require.NoError(t, err)

	got, err := delegation.ResolvePayer("target", "dan", art)
	require.NoError(t, err)
	assert.Equal(t, "mallory", got)
}
