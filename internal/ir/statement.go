package ir

// Statement is one parameterized SQL command inside a batch.
type Statement struct {
	SQL  string
	Args []any

	// ReturnsRows marks statements that produce a result set (RETURNING,
	// SELECT). Only these consume a callback slot.
	ReturnsRows bool
}

// Rows is the read side of one result set. *sql.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// Callback postprocesses the result set of one statement.
//
// Row-level problems (a version predicate that matched nothing) are appended
// to failures so that sibling callbacks in the same batch still run. A
// returned error is fatal and aborts the commit.
type Callback func(rows Rows, failures *[]error) error

// ExceptionTransform offers a domain-specific shape for a raw backend error.
// It returns the replacement and true when it recognizes err.
type ExceptionTransform func(err error) (error, bool)
