package contracts_test

import (
	"testing"

	"github.com/agora-labs/agora/pkg/contracts"
)

func TestCheck_Freeware(t *testing.T) {
	cases := []struct {
		name   string
		action contracts.Action
		caller string
		want   bool
	}{
		{"stranger reads", contracts.ActionRead, "bob", true},
		{"stranger invokes", contracts.ActionInvoke, "bob", true},
		{"stranger subscribes", contracts.ActionSubscribe, "bob", true},
		{"stranger writes", contracts.ActionWrite, "bob", false},
		{"stranger deletes", contracts.ActionDelete, "bob", false},
		{"creator writes", contracts.ActionWrite, "alice", true},
		{"creator deletes", contracts.ActionDelete, "alice", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := contracts.Check(contracts.Freeware, tc.action, tc.caller, "alice")
			if d.Allowed != tc.want {
				t.Errorf("Check(freeware, %s, %s) = %v, want %v (reason: %s)",
					tc.action, tc.caller, d.Allowed, tc.want, d.Reason)
			}
		})
	}
}

func TestCheck_Private(t *testing.T) {
	for _, action := range []contracts.Action{
		contracts.ActionRead, contracts.ActionWrite, contracts.ActionInvoke,
		contracts.ActionDelete, contracts.ActionSubscribe,
	} {
		if d := contracts.Check(contracts.Private, action, "alice", "alice"); !d.Allowed {
			t.Errorf("private must allow creator %s: %s", action, d.Reason)
		}
		if d := contracts.Check(contracts.Private, action, "bob", "alice"); d.Allowed {
			t.Errorf("private must deny stranger %s", action)
		}
	}
}

func TestCheck_Public(t *testing.T) {
	for _, action := range []contracts.Action{
		contracts.ActionRead, contracts.ActionWrite, contracts.ActionInvoke,
		contracts.ActionDelete, contracts.ActionSubscribe,
	} {
		if d := contracts.Check(contracts.Public, action, "stranger", "alice"); !d.Allowed {
			t.Errorf("public must allow anyone %s: %s", action, d.Reason)
		}
	}
}

func TestCheck_KernelPrivate(t *testing.T) {
	// The subject (creator) may inspect their own delegation record.
	if d := contracts.Check(contracts.KernelPrivate, contracts.ActionRead, "alice", "alice"); !d.Allowed {
		t.Errorf("subject must read own kernel record: %s", d.Reason)
	}
	if d := contracts.Check(contracts.KernelPrivate, contracts.ActionRead, "bob", "alice"); d.Allowed {
		t.Error("stranger must not read kernel record")
	}
	// No user-level mutation, not even by the subject.
	if d := contracts.Check(contracts.KernelPrivate, contracts.ActionWrite, "alice", "alice"); d.Allowed {
		t.Error("kernel records must reject user writes from anyone")
	}
}

func TestCheck_UnknownContractFailsClosed(t *testing.T) {
	d := contracts.Check("notarized_v9", contracts.ActionRead, "alice", "alice")
	if d.Allowed {
		t.Error("unknown contract must fail closed")
	}
	if d.Reason == "" {
		t.Error("denial must carry a reason")
	}
}

func TestKnown(t *testing.T) {
	for _, id := range []string{contracts.Freeware, contracts.Private, contracts.Public, contracts.KernelPrivate} {
		if !contracts.Known(id) {
			t.Errorf("Known(%q) = false", id)
		}
	}
	if contracts.Known("freeware2") {
		t.Error("Known must reject unrecognized ids")
	}
}
