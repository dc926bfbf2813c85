// Package artifacts implements the world's universal primitive and the
// store that owns it.
//
// Everything in the world is an artifact: data, executable code, agents,
// rights, triggers, delegation records. The store enforces the structural
// invariants (immutable type and creator, contract-change rules, the
// kernel-protected write barrier, dependency DAG shape, reserved id
// namespaces, disk quotas) so that no caller can rely on convention.
// Permission checks against access contracts are the executor's concern,
// not the store's.
package artifacts

import "time"

// Artifact types with kernel-known semantics. The type tag is immutable
// after creation; everything else about a type's meaning lives in the
// components that consume it.
const (
	TypeData       = "data"
	TypeAgent      = "agent"
	TypeMemory     = "memory"
	TypeRight      = "right"
	TypeTrigger    = "trigger"
	TypeExecutable = "executable"
	TypeContract   = "contract"
	TypeDelegation = "charge_delegation"
)

// Metadata keys owned by the kernel. User writes never set these; the
// store strips them from incoming metadata and carries forward the stored
// values. Payer resolution reads authorized_principal/authorized_writer,
// so letting users set them would let an artifact charge an arbitrary
// victim.
const (
	MetaController          = "controller"
	MetaAuthorizedPrincipal = "authorized_principal"
	MetaAuthorizedWriter    = "authorized_writer"
	MetaInvokes             = "invokes"
)

// Policy carries the economic knobs of an artifact. Contracts decide who
// may act; policy decides what acting costs.
type Policy struct {
	ReadPrice   int64 `json:"read_price,omitempty"`
	InvokePrice int64 `json:"invoke_price,omitempty"`
	AllowRead   bool  `json:"allow_read"`
	AllowWrite  bool  `json:"allow_write"`
	AllowInvoke bool  `json:"allow_invoke"`
}

// MethodSpec describes one invokable method of an executable artifact.
// ArgsSchema, when present, is a JSON Schema the executor validates
// invocation arguments against.
type MethodSpec struct {
	Description string                 `json:"description,omitempty"`
	ArgsSchema  map[string]interface{} `json:"args_schema,omitempty"`
}

// Interface is the optional structured method surface of an artifact.
type Interface struct {
	Methods map[string]MethodSpec `json:"methods"`
}

// Artifact is the universal storage primitive.
type Artifact struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Content         string                 `json:"content"`
	Code            string                 `json:"code,omitempty"`
	Executable      bool                   `json:"executable"`
	CreatedBy       string                 `json:"created_by"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	AccessContract  string                 `json:"access_contract_id"`
	Policy          Policy                 `json:"policy"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	DependsOn       []string               `json:"depends_on,omitempty"`
	HasStanding     bool                   `json:"has_standing"`
	CanExecute      bool                   `json:"can_execute"`
	Deleted         bool                   `json:"deleted,omitempty"`
	DeletedAt       *time.Time             `json:"deleted_at,omitempty"`
	DeletedBy       string                 `json:"deleted_by,omitempty"`
	KernelProtected bool                   `json:"kernel_protected,omitempty"`
	Interface       *Interface             `json:"interface,omitempty"`
}

// Controller returns the principal that controls the artifact: the
// metadata controller if ownership was transferred, otherwise the creator.
// Invoke fees flow to the controller.
func (a *Artifact) Controller() string {
	if a.Metadata != nil {
		if c, ok := a.Metadata[MetaController].(string); ok && c != "" {
			return c
		}
	}
	return a.CreatedBy
}

// IsPrincipal reports whether the artifact can own scrip and be charged.
func (a *Artifact) IsPrincipal() bool { return a.HasStanding }

// IsAgent reports whether the artifact runs its own decision loop.
func (a *Artifact) IsAgent() bool { return a.HasStanding && a.CanExecute }

// SizeBytes is the artifact's contribution to its creator's disk usage.
func (a *Artifact) SizeBytes() int64 {
	return int64(len(a.Content) + len(a.Code))
}

// Clone returns a deep copy. The store hands out clones only, so callers
// can never mutate world state behind the kernel's back.
func (a *Artifact) Clone() *Artifact {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = deepCopyMap(a.Metadata)
	}
	if a.DependsOn != nil {
		cp.DependsOn = append([]string(nil), a.DependsOn...)
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		cp.DeletedAt = &t
	}
	if a.Interface != nil {
		iface := Interface{Methods: make(map[string]MethodSpec, len(a.Interface.Methods))}
		for name, m := range a.Interface.Methods {
			mc := m
			if m.ArgsSchema != nil {
				mc.ArgsSchema = deepCopyMap(m.ArgsSchema)
			}
			iface.Methods[name] = mc
		}
		cp.Interface = &iface
	}
	return &cp
}

// Tombstone returns the read view of a deleted artifact: identity and
// deletion facts, no content.
func (a *Artifact) Tombstone() *Artifact {
	ts := &Artifact{
		ID:        a.ID,
		Type:      a.Type,
		CreatedBy: a.CreatedBy,
		Deleted:   true,
		DeletedBy: a.DeletedBy,
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		ts.DeletedAt = &t
	}
	return ts
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopyMap(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]interface{}); ok {
					cp[i] = deepCopyMap(em)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
