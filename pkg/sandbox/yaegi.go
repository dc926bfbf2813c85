package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// defaultAllowedImports is the stdlib surface artifact code may use.
// Anything touching the filesystem, network, processes, or unsafe memory
// stays out; sandboxed code reaches the world only through the injected
// capability globals.
var defaultAllowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// capabilityPrelude binds the kernel surface to the global names the
// invocation contract promises: invoke, read_content, write_content, and
// the deps map.
const capabilityPrelude = `
import __agora "agora/caps"

var invoke = __agora.Invoke
var read_content = __agora.ReadContent
var write_content = __agora.WriteContent
var deps = __agora.Deps
`

// YaegiExecutor interprets Go-source artifact code in-process.
//
// The interpreter cannot be preempted, so on deadline expiry the
// evaluating goroutine is abandoned and the call reports timeout; the
// leaked goroutine finishes its current operation and is collected. This
// is the accepted cost of an in-process interpreter runtime.
type YaegiExecutor struct {
	allowed map[string]bool
	clock   func() time.Time
}

// NewYaegiExecutor creates the default Go-source executor.
func NewYaegiExecutor() *YaegiExecutor {
	return &YaegiExecutor{allowed: defaultAllowedImports, clock: time.Now}
}

// WithAllowedImports replaces the stdlib import whitelist.
func (e *YaegiExecutor) WithAllowedImports(pkgs []string) *YaegiExecutor {
	allowed := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		allowed[p] = true
	}
	e.allowed = allowed
	return e
}

// Execute interprets req.Code and calls the requested method.
func (e *YaegiExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := e.clock()
	res := &Result{}
	fail := func(code, msg string) (*Result, error) {
		res.Success = false
		res.ErrorCode = code
		res.Error = msg
		res.Resources = e.measure(start)
		return res, nil
	}

	source := ensurePackageClause(req.Code)
	if err := e.checkImports(source); err != nil {
		return fail(CodeForbiddenImport, err.Error())
	}

	method := req.Method
	if method == "" {
		method = DefaultMethod
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		value interface{}
		code  string
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{code: CodePanic, err: fmt.Errorf("artifact code panicked: %v", r)}
			}
		}()

		i := interp.New(interp.Options{})
		if err := i.Use(stdlib.Symbols); err != nil {
			done <- outcome{code: CodeEvalFailed, err: fmt.Errorf("load stdlib: %w", err)}
			return
		}
		if err := i.Use(capabilityExports(req)); err != nil {
			done <- outcome{code: CodeEvalFailed, err: fmt.Errorf("bind capabilities: %w", err)}
			return
		}
		if _, err := i.Eval(capabilityPrelude); err != nil {
			done <- outcome{code: CodeEvalFailed, err: fmt.Errorf("capability prelude: %w", err)}
			return
		}
		if _, err := i.Eval(source); err != nil {
			done <- outcome{code: CodeEvalFailed, err: fmt.Errorf("evaluate code: %w", err)}
			return
		}

		fn, err := lookupMethod(i, method)
		if err != nil {
			done <- outcome{code: CodeMethodNotFound, err: err}
			return
		}
		value, code, err := callFunc(fn, req.Args)
		done <- outcome{value: value, code: code, err: err}
	}()

	select {
	case out := <-done:
		res.Resources = e.measure(start)
		if out.err != nil {
			res.Success = false
			res.ErrorCode = out.code
			if res.ErrorCode == "" {
				res.ErrorCode = CodeEvalFailed
			}
			res.Error = out.err.Error()
			return res, nil
		}
		res.Success = true
		res.Value = out.value
		return res, nil
	case <-execCtx.Done():
		return fail(CodeTimeout, fmt.Sprintf("execution exceeded %s", deadline))
	}
}

func (e *YaegiExecutor) measure(start time.Time) Resources {
	wall := e.clock().Sub(start).Seconds()
	return Resources{CPUSeconds: wall, WallSeconds: wall}
}

// capabilityExports publishes the request's capability surface as the
// importable package the prelude binds from.
func capabilityExports(req Request) interp.Exports {
	deps := make(map[string]func(args ...interface{}) (interface{}, error), len(req.Dependencies))
	for id, fn := range req.Dependencies {
		deps[id] = fn
	}

	inv := req.Caps.Invoke
	if inv == nil {
		inv = func(string, string, []interface{}) (interface{}, error) {
			return nil, fmt.Errorf("invoke capability not available")
		}
	}
	read := req.Caps.ReadContent
	if read == nil {
		read = func(string) (string, error) {
			return "", fmt.Errorf("read_content capability not available")
		}
	}
	write := req.Caps.WriteContent
	if write == nil {
		write = func(string, string) error {
			return fmt.Errorf("write_content capability not available")
		}
	}

	// yaegi keys exported symbols by importPath/pkgName, the same shape
	// stdlib.Symbols uses ("fmt/fmt").
	return interp.Exports{
		"agora/caps/caps": {
			"Invoke":       reflect.ValueOf(inv),
			"ReadContent":  reflect.ValueOf(read),
			"WriteContent": reflect.ValueOf(write),
			"Deps":         reflect.ValueOf(deps),
		},
	}
}

// ensurePackageClause wraps bare function definitions into package main.
func ensurePackageClause(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "package ") {
		return code
	}
	return "package main\n\n" + code
}

// checkImports parses the source and rejects imports outside the
// whitelist before anything is evaluated.
func (e *YaegiExecutor) checkImports(source string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "artifact.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse imports: %w", err)
	}
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if path == "agora/caps" {
			continue
		}
		if !e.allowed[path] {
			return fmt.Errorf("import %q is not permitted in sandboxed code", path)
		}
	}
	return nil
}

// lookupMethod resolves the named function in the evaluated package,
// trying the exported spelling as a fallback.
func lookupMethod(i *interp.Interpreter, method string) (reflect.Value, error) {
	v, err := i.Eval(method)
	if err == nil && v.Kind() == reflect.Func {
		return v, nil
	}
	exported := strings.ToUpper(method[:1]) + method[1:]
	if exported != method {
		if v, err2 := i.Eval(exported); err2 == nil && v.Kind() == reflect.Func {
			return v, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("method %q is not defined by the artifact", method)
}

// callFunc invokes an interpreted function with loosely-typed args.
// Arguments are converted onto the declared parameter types; the
// function may return nothing, a value, an error, or a (value, error)
// pair.
func callFunc(fn reflect.Value, args []interface{}) (interface{}, string, error) {
	t := fn.Type()

	numFixed := t.NumIn()
	if t.IsVariadic() {
		numFixed--
	}
	if len(args) < numFixed || (!t.IsVariadic() && len(args) > t.NumIn()) {
		return nil, CodeBadSignature, fmt.Errorf("method takes %d argument(s), got %d", t.NumIn(), len(args))
	}

	in := make([]reflect.Value, 0, len(args))
	for idx, arg := range args {
		var want reflect.Type
		if idx < numFixed {
			want = t.In(idx)
		} else {
			want = t.In(t.NumIn() - 1).Elem()
		}
		v, err := convertArg(arg, want)
		if err != nil {
			return nil, CodeBadSignature, fmt.Errorf("argument %d: %w", idx, err)
		}
		in = append(in, v)
	}

	out := fn.Call(in)

	var value interface{}
	for _, o := range out {
		if o.Type().Implements(errType) {
			if !o.IsNil() {
				return nil, CodeEvalFailed, o.Interface().(error)
			}
			continue
		}
		value = o.Interface()
	}
	return value, "", nil
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// convertArg coerces a JSON-decoded argument onto a parameter type.
// json.Number bridges onto any numeric parameter so artifact methods can
// declare int or float64 as they please.
func convertArg(arg interface{}, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}

	if num, ok := arg.(json.Number); ok {
		switch want.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := num.Int64()
			if err != nil {
				return reflect.Value{}, fmt.Errorf("%q is not an integer", num)
			}
			return reflect.ValueOf(n).Convert(want), nil
		case reflect.Float32, reflect.Float64:
			f, err := num.Float64()
			if err != nil {
				return reflect.Value{}, fmt.Errorf("%q is not a number", num)
			}
			return reflect.ValueOf(f).Convert(want), nil
		case reflect.String:
			return reflect.ValueOf(num.String()), nil
		case reflect.Interface:
			if f, err := num.Float64(); err == nil {
				return reflect.ValueOf(f), nil
			}
		}
	}

	if v.Type().ConvertibleTo(want) && isNumericKind(v.Kind()) && isNumericKind(want.Kind()) {
		return v.Convert(want), nil
	}
	if want.Kind() == reflect.Interface && v.Type().Implements(want) {
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, want)
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
