// Package sandbox runs artifact code under wall-clock and memory limits
// and reports what it consumed.
//
// The kernel treats execution as an opaque synchronous call with a
// deadline. Two runtimes are provided: a Go-source interpreter (the
// default) and a WASI runtime for artifacts carrying compiled wasm. A
// third path, the handler registry, lets kernel-internal genesis
// artifacts answer through the same invoke pipeline as user code.
package sandbox

import (
	"context"
	"strings"
	"time"
)

// Deterministic sandbox error codes. The executor maps them onto the
// kernel error vocabulary; timeout is the only retriable one.
const (
	CodeTimeout         = "timeout"
	CodeEvalFailed      = "eval_failed"
	CodeMethodNotFound  = "method_not_found"
	CodeBadSignature    = "bad_signature"
	CodeForbiddenImport = "forbidden_import"
	CodeBadRuntime      = "bad_runtime"
	CodePanic           = "panic"
	CodeMemoryExceeded  = "memory_exceeded"
	CodeOutputExceeded  = "output_exceeded"
)

// RuntimeWasm selects the WASI executor via metadata.runtime.
const RuntimeWasm = "wasm"

// DefaultMethod is invoked when an intent names no method.
const DefaultMethod = "run"

// DefaultDeadline bounds one execution when the request carries none.
const DefaultDeadline = 5 * time.Second

// Resources is the measured cost of one execution. CPU seconds are
// approximated by wall time for the interpreter runtime; the process
// cannot attribute scheduler time to one interpreted call.
type Resources struct {
	CPUSeconds  float64 `json:"cpu_seconds"`
	MemoryBytes int64   `json:"memory_bytes"`
	WallSeconds float64 `json:"wall_seconds"`
}

// Add accumulates another measurement, for nested invocation totals.
func (r *Resources) Add(other Resources) {
	r.CPUSeconds += other.CPUSeconds
	r.WallSeconds += other.WallSeconds
	if other.MemoryBytes > r.MemoryBytes {
		r.MemoryBytes = other.MemoryBytes
	}
}

// DepFunc is the single capability a dependency wrapper exposes: invoke
// the dependency's run method with the top-level caller's identity.
type DepFunc func(args ...interface{}) (interface{}, error)

// Capabilities is the kernel surface handed to sandboxed code. Every
// function re-enters the kernel as the invoking caller, so code can do
// nothing its caller could not have done directly.
type Capabilities struct {
	Invoke       func(artifactID, method string, args []interface{}) (interface{}, error)
	ReadContent  func(artifactID string) (string, error)
	WriteContent func(artifactID, content string) error
}

// Request is one execution of an artifact method.
type Request struct {
	Code         string
	Method       string
	Args         []interface{}
	CallerID     string
	ArtifactID   string
	Runtime      string
	Dependencies map[string]DepFunc
	Caps         Capabilities
	Deadline     time.Duration
	MemoryLimit  int64
}

// Result is the outcome of one execution. Resources are reported even
// on failure: partial consumption is still charged to the caller.
type Result struct {
	Success   bool
	Value     interface{}
	Error     string
	ErrorCode string
	Resources Resources
}

// Executor runs artifact code. Implementations must terminate by the
// request deadline and must expose exactly the capability surface in
// Request — no ambient authority.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Dispatcher routes requests by runtime tag: wasm to the WASI executor,
// everything else to the Go interpreter.
type Dispatcher struct {
	goExec   Executor
	wasmExec Executor
}

// NewDispatcher wires the two runtimes. Either may be nil, in which case
// requests for it fail with bad_runtime.
func NewDispatcher(goExec, wasmExec Executor) *Dispatcher {
	return &Dispatcher{goExec: goExec, wasmExec: wasmExec}
}

// Execute routes to the runtime named by the request.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	var target Executor
	switch strings.ToLower(req.Runtime) {
	case "", "go":
		target = d.goExec
	case RuntimeWasm:
		target = d.wasmExec
	default:
		return &Result{Success: false, Error: "unsupported runtime " + req.Runtime, ErrorCode: CodeBadRuntime}, nil
	}
	if target == nil {
		return &Result{Success: false, Error: "runtime not configured: " + req.Runtime, ErrorCode: CodeBadRuntime}, nil
	}
	return target.Execute(ctx, req)
}
