package mint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// ErrBudgetExhausted aborts scoring when the run's scoring budget is
// spent. The auction treats it like any scoring failure: the round is
// void, all bids are refunded.
var ErrBudgetExhausted = errors.New("scoring budget exhausted")

// DefaultScoringMax bounds scorer output.
const DefaultScoringMax = 1000

// ScoreRequest is what the scorer sees of the winning artifact.
type ScoreRequest struct {
	ArtifactID   string
	ArtifactType string
	Content      string
}

// ScoreResult is the scorer's verdict.
type ScoreResult struct {
	Score  int64
	Reason string
}

// Scorer judges the quality of a winning artifact. Implementations are
// injected; the outer runtime may supply an LLM-backed scorer, the
// kernel ships a deterministic CEL one.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, req ScoreRequest) (ScoreResult, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
	return f(ctx, req)
}

// CELScorer evaluates a configured CEL expression over the artifact.
// The expression sees artifact_id, artifact_type, and content as
// strings and must produce an integer; output is clamped to
// [0, scoringMax]. Deterministic by construction, which keeps auction
// resolutions replayable.
type CELScorer struct {
	program    cel.Program
	expr       string
	scoringMax int64
	budgetLeft func() bool
}

// NewCELScorer compiles the scoring expression.
func NewCELScorer(expr string) (*CELScorer, error) {
	env, err := cel.NewEnv(
		cel.Variable("artifact_id", cel.StringType),
		cel.Variable("artifact_type", cel.StringType),
		cel.Variable("content", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("scorer: build CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("scorer: compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.IntType {
		return nil, fmt.Errorf("scorer: expression %q yields %s, want int", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("scorer: build program: %w", err)
	}
	return &CELScorer{program: prg, expr: expr, scoringMax: DefaultScoringMax}, nil
}

// WithScoringMax overrides the score ceiling.
func (s *CELScorer) WithScoringMax(max int64) *CELScorer {
	if max > 0 {
		s.scoringMax = max
	}
	return s
}

// WithBudgetCheck wires the budget_exhausted callback. When it reports
// false, scoring aborts before evaluation.
func (s *CELScorer) WithBudgetCheck(hasBudget func() bool) *CELScorer {
	s.budgetLeft = hasBudget
	return s
}

// Score evaluates the expression against the artifact.
func (s *CELScorer) Score(_ context.Context, req ScoreRequest) (ScoreResult, error) {
	if s.budgetLeft != nil && !s.budgetLeft() {
		return ScoreResult{}, ErrBudgetExhausted
	}

	out, _, err := s.program.Eval(map[string]interface{}{
		"artifact_id":   req.ArtifactID,
		"artifact_type": req.ArtifactType,
		"content":       req.Content,
	})
	if err != nil {
		return ScoreResult{}, fmt.Errorf("scorer: evaluate: %w", err)
	}
	score, ok := out.Value().(int64)
	if !ok {
		return ScoreResult{}, fmt.Errorf("scorer: expression yielded %T, want int", out.Value())
	}

	if score < 0 {
		score = 0
	}
	if score > s.scoringMax {
		score = s.scoringMax
	}
	return ScoreResult{
		Score:  score,
		Reason: fmt.Sprintf("cel(%s) = %d", s.expr, score),
	}, nil
}
