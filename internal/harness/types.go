package harness

import (
	"errors"

	"github.com/journeyman32/marten/internal/ir"
)

// Trace event types.
const (
	EventOperation = "operation"
	EventCommit    = "commit"
)

// TraceEvent is an executed operation or the end of a commit.
type TraceEvent struct {
	Type    string `json:"type"`
	Session string `json:"session"`

	// Operation renders an executed operation, e.g. "insert Issue/i1".
	Operation string `json:"operation,omitempty"`

	// Outcome is set on commit events.
	Outcome string `json:"outcome,omitempty"`

	Seq int64 `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every commit had its expected outcome and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddOperationTrace adds an executed operation to the trace.
func (r *Result) AddOperationTrace(session, operation string, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:      EventOperation,
		Session:   session,
		Operation: operation,
		Seq:       seq,
	})
}

// AddCommitTrace adds the end of a commit to the trace.
func (r *Result) AddCommitTrace(session, outcome string, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    EventCommit,
		Session: session,
		Outcome: outcome,
		Seq:     seq,
	})
}

// Commit outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeCycle       = "cycle"
	OutcomeConcurrency = "concurrency"
	OutcomeExists      = "exists"
	OutcomeCollision   = "collision"
	OutcomeConstraint  = "constraint"
	OutcomeError       = "error"
)

var knownOutcomes = []string{
	OutcomeOK, OutcomeCycle, OutcomeConcurrency, OutcomeExists,
	OutcomeCollision, OutcomeConstraint, OutcomeError,
}

// Outcome classifies a commit error. Domain remaps are checked before the
// constraint violations they wrap.
func Outcome(err error) string {
	var (
		exists    *ir.DocumentExistsError
		collision *ir.StreamCollisionError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case ir.IsCycleError(err):
		return OutcomeCycle
	case ir.IsConcurrencyError(err):
		return OutcomeConcurrency
	case errors.As(err, &exists):
		return OutcomeExists
	case errors.As(err, &collision):
		return OutcomeCollision
	case ir.IsConstraintError(err):
		return OutcomeConstraint
	default:
		return OutcomeError
	}
}
