// Package contracts implements the built-in access contracts that gate
// every artifact operation.
//
// V1 ships exactly three user-assignable contracts — freeware, private,
// public — plus one kernel-internal contract for delegation records. A
// permission check is a pure function of the contract id, the requested
// action, and whether the caller created the artifact. Unknown contract
// ids fail closed.
package contracts

import "fmt"

// Action is the operation an access contract is consulted for.
type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionInvoke    Action = "invoke"
	ActionDelete    Action = "delete"
	ActionSubscribe Action = "subscribe"
)

// Built-in contract ids.
const (
	// Freeware is the default: anyone may read or invoke, only the
	// creator may write or delete.
	Freeware = "freeware"

	// Private restricts every action to the creator.
	Private = "private"

	// Public allows every action to anyone.
	Public = "public"

	// KernelPrivate marks kernel-managed records (charge delegations).
	// The creator may read their own record; all mutation happens through
	// the kernel's protected path, never through user intents.
	KernelPrivate = "kernel_contract_private"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Known reports whether id names a built-in contract.
func Known(id string) bool {
	switch id {
	case Freeware, Private, Public, KernelPrivate:
		return true
	}
	return false
}

// Check evaluates whether caller may perform action on an artifact with
// the given contract id and creator. It consults nothing else: V1
// contracts are identity predicates, not policy programs.
func Check(contract string, action Action, caller, creator string) Decision {
	isCreator := caller == creator

	switch contract {
	case Freeware:
		switch action {
		case ActionRead, ActionInvoke, ActionSubscribe:
			return Decision{Allowed: true}
		case ActionWrite, ActionDelete:
			if isCreator {
				return Decision{Allowed: true}
			}
			return Decision{Allowed: false, Reason: "freeware: only the creator may write"}
		}

	case Private:
		if isCreator {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: "private: only the creator may access"}

	case Public:
		return Decision{Allowed: true}

	case KernelPrivate:
		switch action {
		case ActionRead, ActionSubscribe:
			if isCreator {
				return Decision{Allowed: true}
			}
			return Decision{Allowed: false, Reason: "kernel contract: only the subject may read"}
		default:
			return Decision{Allowed: false, Reason: "kernel contract: mutations go through the kernel"}
		}
	}

	// Fail closed on anything unrecognized, including future contract ids
	// from a checkpoint written by a newer kernel.
	return Decision{Allowed: false, Reason: fmt.Sprintf("unknown access contract %q", contract)}
}
