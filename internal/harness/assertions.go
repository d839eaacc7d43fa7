package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
	"github.com/journeyman32/marten/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type == EventOperation {
				fmt.Fprintf(&buf, "  [%d] %s: %s\n", i+1, event.Session, event.Operation)
			} else {
				fmt.Fprintf(&buf, "  [%d] %s: commit %s\n", i+1, event.Session, event.Outcome)
			}
		}
	}

	return buf.String()
}

// executed returns the position of every executed operation in the trace.
func executed(trace []TraceEvent, operation string) []int {
	var positions []int
	for i, event := range trace {
		if event.Type == EventOperation && event.Operation == operation {
			positions = append(positions, i+1) // 1-indexed for readability
		}
	}
	return positions
}

// assertTraceContains checks that some commit executed the operation.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	if len(executed(trace, assertion.Operation)) > 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("operation %s", assertion.Operation),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if operations appear in the specified order.
// They don't need to be consecutive (intervening operations are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int, len(assertion.Operations))
	for _, op := range assertion.Operations {
		found := executed(trace, op)
		if len(found) == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all operations present: %v", assertion.Operations),
				Actual:   fmt.Sprintf("missing operation: %s", op),
				Trace:    trace,
			}
		}
		positions[op] = found[0]
	}

	for i := 1; i < len(assertion.Operations); i++ {
		prev := assertion.Operations[i-1]
		curr := assertion.Operations[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("operations in order: %v", assertion.Operations),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the operation was executed exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := len(executed(trace, assertion.Operation))
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Operation),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertDocument loads a stored document and compares it with the
// assertion, or checks that it does not exist.
func assertDocument(actx *AssertionContext, assertion Assertion) error {
	label := fmt.Sprintf("%s/%s", assertion.DocType, assertion.ID)
	row, err := actx.Store.LoadDocument(actx.Ctx, actx.Registry, actx.Tenant, ir.TypeID(assertion.DocType), assertion.ID)
	if errors.Is(err, store.ErrNotFound) {
		if assertion.Missing {
			return nil
		}
		return &AssertionError{Type: AssertDocument, Expected: label + " to exist", Actual: "not found"}
	}
	if err != nil {
		return err
	}
	if assertion.Missing {
		return &AssertionError{Type: AssertDocument, Expected: label + " to be missing", Actual: string(row.Data)}
	}

	if assertion.Version != 0 && row.Version != assertion.Version {
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("%s at version %d", label, assertion.Version),
			Actual:   fmt.Sprintf("version %d", row.Version),
		}
	}

	var stored map[string]any
	if err := json.Unmarshal(row.Data, &stored); err != nil {
		return fmt.Errorf("decode %s: %w", label, err)
	}
	for field, want := range assertion.Refs {
		if got, _ := stored[field].(string); got != want {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: fmt.Sprintf("%s.%s = %q", label, field, want),
				Actual:   fmt.Sprintf("%q", got),
			}
		}
	}
	fields, _ := stored["fields"].(map[string]any)
	for name, want := range assertion.Fields {
		got, ok := fields[name]
		if !ok || !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: fmt.Sprintf("%s field %q = %v", label, name, want),
				Actual:   fmt.Sprintf("%v (present: %t)", got, ok),
			}
		}
	}
	return nil
}

// assertStream checks a stored stream's version and event types.
func assertStream(actx *AssertionContext, assertion Assertion) error {
	stream, err := actx.Store.FetchStream(actx.Ctx, actx.Tenant, ir.StringKey(assertion.Stream))
	if errors.Is(err, store.ErrNotFound) {
		return &AssertionError{Type: AssertStream, Expected: "stream " + assertion.Stream + " to exist", Actual: "not found"}
	}
	if err != nil {
		return err
	}

	if assertion.Version != 0 && stream.Version != assertion.Version {
		return &AssertionError{
			Type:     AssertStream,
			Expected: fmt.Sprintf("stream %s at version %d", assertion.Stream, assertion.Version),
			Actual:   fmt.Sprintf("version %d", stream.Version),
		}
	}
	if assertion.EventTypes != nil {
		got := make([]string, len(stream.Events))
		for i, e := range stream.Events {
			got[i] = e.Type
		}
		if strings.Join(got, ",") != strings.Join(assertion.EventTypes, ",") {
			return &AssertionError{
				Type:     AssertStream,
				Expected: fmt.Sprintf("events %v", assertion.EventTypes),
				Actual:   fmt.Sprintf("events %v", got),
			}
		}
	}
	return nil
}

// assertFinalState checks if a table row contains expected values.
// Queries the table with parameterized SQL and validates
// expected values using subset semantics.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}

	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Check for multiple matching rows (would indicate ambiguous assertion)
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for key, expectedValue := range assertion.Expect {
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if b, ok := actualValue.([]byte); ok {
			actualValue = string(b)
		}
		if !valuesEqual(actualValue, expectedValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, where[key])
	}

	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// valuesEqual compares values by their canonical JSON, so a YAML integer
// equals the float64 a decoded JSON document holds and a SQLite int64.
func valuesEqual(actual, expected any) bool {
	a, err := ir.MarshalNormalized(actual)
	if err != nil {
		return false
	}
	e, err := ir.MarshalNormalized(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(a, e)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx      context.Context
	Store    *store.Store
	Registry *schema.Registry
	Tenant   ir.TenantID
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertDocument, AssertStream, AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertDocument:
				err = assertDocument(actx, assertion)
			case AssertStream:
				err = assertStream(actx, assertion)
			default:
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
