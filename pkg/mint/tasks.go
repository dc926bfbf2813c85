package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/sandbox"
	"github.com/agora-labs/agora/pkg/scrip"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskClosed    = errors.New("task is already completed")
	ErrTaskExpired   = errors.New("task has expired")
	ErrNoCode        = errors.New("artifact has no code")
	ErrNotAuthorized = errors.New("caller is not authorized for the artifact")
)

// Assertion names how a test result is compared.
type Assertion string

const (
	AssertEquals   Assertion = "equals"
	AssertContains Assertion = "contains"
	AssertTypeIs   Assertion = "type_is"
	AssertTruthy   Assertion = "truthy"
)

// TestCase is one test of a task: arguments applied to run() and the
// expectation on the result.
type TestCase struct {
	InvokeArgs []interface{} `json:"invoke_args"`
	Expected   interface{}   `json:"expected_result"`
	Assertion  Assertion     `json:"assertion_type"`
}

// Task is one open bounty on the task board.
type Task struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Reward      int64      `json:"reward"`
	PublicTests []TestCase `json:"public_tests"`
	HiddenTests []TestCase `json:"hidden_tests"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Open reports whether the task can still be solved.
func (t *Task) Open(now time.Time) bool {
	if t.CompletedBy != "" {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// PublicView strips hidden tests for agent-facing queries.
func (t *Task) PublicView() Task {
	cp := *t
	cp.HiddenTests = nil
	return cp
}

// PublicResult is one public test outcome. Expected and actual are both
// disclosed: public tests exist to tell the solver what is wrong.
type PublicResult struct {
	Passed   bool        `json:"passed"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
	Error    string      `json:"error,omitempty"`
}

// SolutionResult is the outcome of one submission.
type SolutionResult struct {
	Completed     bool           `json:"completed"`
	Reward        int64          `json:"reward,omitempty"`
	PublicResults []PublicResult `json:"public_results"`
	// HiddenPassed carries pass/fail only. Expected values of hidden
	// tests are never disclosed, or solving degrades into probing.
	HiddenPassed []bool `json:"hidden_passed,omitempty"`
	Message      string `json:"message"`
}

// Board owns the task set and settles rewards.
type Board struct {
	mu     sync.Mutex
	ledger *scrip.Ledger
	store  *artifacts.Store
	exec   sandbox.Executor
	tasks  map[string]*Task
	clock  func() time.Time
}

// NewBoard wires the task board.
func NewBoard(ledger *scrip.Ledger, store *artifacts.Store, exec sandbox.Executor) *Board {
	return &Board{
		ledger: ledger,
		store:  store,
		exec:   exec,
		tasks:  make(map[string]*Task),
		clock:  time.Now,
	}
}

// WithClock injects a time source.
func (b *Board) WithClock(clock func() time.Time) *Board {
	b.clock = clock
	return b
}

// AddTask registers a task. Replaces any task with the same id.
func (b *Board) AddTask(t Task) error {
	if t.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Reward <= 0 {
		return fmt.Errorf("task %s: reward must be positive", t.TaskID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := t
	b.tasks[t.TaskID] = &cp
	return nil
}

// Task returns the public view of one task.
func (b *Board) Task(id string) (Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return t.PublicView(), nil
}

// OpenTasks lists public views of open tasks, sorted by id.
func (b *Board) OpenTasks() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	out := make([]Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if t.Open(now) {
			out = append(out, t.PublicView())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// SubmitSolution validates the submission, runs public tests first
// (failures are informative and stop before hidden tests), then hidden
// tests, and on a clean sweep credits the reward and closes the task.
func (b *Board) SubmitSolution(ctx context.Context, principal, artifactID, taskID string) (*SolutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("submit to %s: %w", taskID, ErrTaskNotFound)
	}
	now := b.clock()
	if task.CompletedBy != "" {
		return nil, fmt.Errorf("submit to %s: %w", taskID, ErrTaskClosed)
	}
	if task.ExpiresAt != nil && !now.Before(*task.ExpiresAt) {
		return nil, fmt.Errorf("submit to %s: %w", taskID, ErrTaskExpired)
	}

	art, err := b.store.Get(artifactID)
	if err != nil || art.Deleted {
		return nil, fmt.Errorf("submit %s: %w", artifactID, ErrArtifactNotFound)
	}
	if art.Code == "" {
		return nil, fmt.Errorf("submit %s: %w", artifactID, ErrNoCode)
	}
	if !authorizedForArtifact(art, principal) {
		return nil, fmt.Errorf("submit %s by %s: %w", artifactID, principal, ErrNotAuthorized)
	}

	result := &SolutionResult{}
	for _, tc := range task.PublicTests {
		outcome := b.runTest(ctx, art, tc)
		result.PublicResults = append(result.PublicResults, outcome)
	}
	for _, pr := range result.PublicResults {
		if !pr.Passed {
			result.Message = "public tests failed; hidden tests not run"
			return result, nil
		}
	}

	allHidden := true
	for _, tc := range task.HiddenTests {
		outcome := b.runTest(ctx, art, tc)
		result.HiddenPassed = append(result.HiddenPassed, outcome.Passed)
		if !outcome.Passed {
			allHidden = false
		}
	}
	if !allHidden {
		result.Message = "hidden tests failed"
		return result, nil
	}

	if err := b.ledger.Credit(principal, task.Reward); err != nil {
		return nil, fmt.Errorf("credit reward: %w", err)
	}
	completedAt := now.UTC()
	task.CompletedBy = principal
	task.CompletedAt = &completedAt

	result.Completed = true
	result.Reward = task.Reward
	result.Message = fmt.Sprintf("task %s completed, %d scrip rewarded", taskID, task.Reward)
	return result, nil
}

func (b *Board) runTest(ctx context.Context, art *artifacts.Artifact, tc TestCase) PublicResult {
	res, err := b.exec.Execute(ctx, sandbox.Request{
		Code:       art.Code,
		Method:     sandbox.DefaultMethod,
		Args:       tc.InvokeArgs,
		ArtifactID: art.ID,
	})
	if err != nil {
		return PublicResult{Expected: tc.Expected, Error: err.Error()}
	}
	if !res.Success {
		return PublicResult{Expected: tc.Expected, Error: res.Error}
	}
	passed := assertHolds(tc.Assertion, tc.Expected, res.Value)
	return PublicResult{Passed: passed, Expected: tc.Expected, Actual: res.Value}
}

// authorizedForArtifact applies the invoke-side ownership rule: the
// kernel-stamped authorization keys first, then controller, then
// creator. Nothing here reads user-settable metadata.
func authorizedForArtifact(art *artifacts.Artifact, principal string) bool {
	if p, ok := art.Metadata[artifacts.MetaAuthorizedPrincipal].(string); ok && p == principal {
		return true
	}
	if w, ok := art.Metadata[artifacts.MetaAuthorizedWriter].(string); ok && w == principal {
		return true
	}
	return art.Controller() == principal
}

// assertHolds evaluates one assertion kind.
func assertHolds(kind Assertion, expected, actual interface{}) bool {
	switch kind {
	case AssertEquals, "":
		return valuesEqual(expected, actual)
	case AssertContains:
		return containsValue(actual, expected)
	case AssertTypeIs:
		name, ok := expected.(string)
		return ok && typeName(actual) == name
	case AssertTruthy:
		return truthy(actual)
	default:
		return false
	}
}

// valuesEqual compares across numeric carriers: a task author writing 3
// must match an artifact returning int(3) or float64(3).
func valuesEqual(a, b interface{}) bool {
	if af, aok := numericValue(a); aok {
		bf, bok := numericValue(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func numericValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []interface{}:
		for _, item := range h {
			if valuesEqual(needle, item) {
				return true
			}
		}
	}
	return false
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int32, int64:
		return "int"
	case float32, float64, json.Number:
		return "number"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		return "map"
	default:
		return reflect.TypeOf(v).String()
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

// TasksState is the checkpoint form of the board.
type TasksState struct {
	Tasks []Task `json:"tasks"`
}

// Snapshot captures every task, completed ones included.
func (b *Board) Snapshot() TasksState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := TasksState{}
	for _, t := range b.tasks {
		st.Tasks = append(st.Tasks, *t)
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].TaskID < st.Tasks[j].TaskID })
	return st
}

// Restore replaces the task set from a checkpoint.
func (b *Board) Restore(st TasksState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tasks = make(map[string]*Task, len(st.Tasks))
	for i := range st.Tasks {
		t := st.Tasks[i]
		b.tasks[t.TaskID] = &t
	}
}
