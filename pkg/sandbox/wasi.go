package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// OutputMaxBytes caps stdout+stderr from one wasm execution.
const OutputMaxBytes = 1 << 20

// wasiInput is what a wasm artifact reads from stdin.
type wasiInput struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args"`
	Caller string        `json:"caller"`
}

// WasiExecutor runs compiled-wasm artifacts under wazero's WASI
// confinement: no filesystem, no network, memory capped by pages,
// lifetime capped by the request deadline. Artifact code is the base64
// of a wasm module whose entrypoint reads one JSON request from stdin
// and writes one JSON result to stdout.
//
// Wasm artifacts cannot re-enter the kernel; the capability surface is
// interpreter-runtime only. Composition still works through depends_on
// because dependency execution happens outside the wasm module.
type WasiExecutor struct {
	memoryLimit int64
	clock       func() time.Time
}

// NewWasiExecutor creates a WASI executor with a default 64 MiB memory
// ceiling.
func NewWasiExecutor() *WasiExecutor {
	return &WasiExecutor{memoryLimit: 64 << 20, clock: time.Now}
}

// WithMemoryLimit overrides the per-execution memory ceiling in bytes.
func (e *WasiExecutor) WithMemoryLimit(n int64) *WasiExecutor {
	if n > 0 {
		e.memoryLimit = n
	}
	return e
}

// Execute decodes, compiles, and runs the wasm module.
func (e *WasiExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := e.clock()
	res := &Result{}
	fail := func(code, msg string) (*Result, error) {
		res.Success = false
		res.ErrorCode = code
		res.Error = msg
		res.Resources = e.measure(start)
		return res, nil
	}

	wasmBytes, err := base64.StdEncoding.DecodeString(req.Code)
	if err != nil {
		return fail(CodeEvalFailed, fmt.Sprintf("artifact code is not base64 wasm: %v", err))
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	limit := req.MemoryLimit
	if limit <= 0 {
		limit = e.memoryLimit
	}
	pages := uint32(limit / 65536)
	if pages == 0 {
		pages = 1
	}

	runtime := wazero.NewRuntimeWithConfig(execCtx,
		wazero.NewRuntimeConfig().WithMemoryLimitPages(pages).WithCloseOnContextDone(true))
	defer func() { _ = runtime.Close(context.Background()) }()

	if _, err := wasi_snapshot_preview1.Instantiate(execCtx, runtime); err != nil {
		return fail(CodeEvalFailed, fmt.Sprintf("instantiate WASI: %v", err))
	}

	method := req.Method
	if method == "" {
		method = DefaultMethod
	}
	input, err := json.Marshal(wasiInput{Method: method, Args: req.Args, Caller: req.CallerID})
	if err != nil {
		return fail(CodeEvalFailed, fmt.Sprintf("encode input: %v", err))
	}

	var stdout, stderr bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(newCappedWriter(&stdout, OutputMaxBytes)).
		WithStderr(newCappedWriter(&stderr, OutputMaxBytes)).
		WithName(req.ArtifactID)

	compiled, err := runtime.CompileModule(execCtx, wasmBytes)
	if err != nil {
		return fail(CodeEvalFailed, fmt.Sprintf("compile wasm module: %v", err))
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	_, runErr := runtime.InstantiateModule(execCtx, compiled, modConfig)
	res.Resources = e.measure(start)

	if runErr != nil {
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return fail(CodeTimeout, fmt.Sprintf("execution exceeded %s", deadline))
		case errors.Is(runErr, errOutputExceeded):
			return fail(CodeOutputExceeded, "module output exceeded limit")
		default:
			var exitErr *sys.ExitError
			if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 0 {
				break // clean exit(0) through proc_exit
			}
			return fail(CodeEvalFailed, fmt.Sprintf("module failed: %v", runErr))
		}
	}

	res.Success = true
	res.Value = decodeWasiOutput(stdout.Bytes())
	return res, nil
}

func (e *WasiExecutor) measure(start time.Time) Resources {
	wall := e.clock().Sub(start).Seconds()
	return Resources{CPUSeconds: wall, WallSeconds: wall}
}

// decodeWasiOutput parses the module's stdout as JSON, falling back to
// the raw text when the module wrote something else.
func decodeWasiOutput(out []byte) interface{} {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(trimmed)
}

var errOutputExceeded = errors.New("output limit exceeded")

type cappedWriter struct {
	buf     *bytes.Buffer
	remains int
}

func newCappedWriter(buf *bytes.Buffer, limit int) *cappedWriter {
	return &cappedWriter{buf: buf, remains: limit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if len(p) > w.remains {
		return 0, errOutputExceeded
	}
	w.remains -= len(p)
	return w.buf.Write(p)
}
