package store

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/journeyman32/marten/internal/ir"
)

// classify wraps SQLite constraint failures in *ir.ConstraintError.
// Other errors are returned unchanged.
func classify(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return err
	}

	code := ir.ConstraintOther
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique:
		code = ir.ConstraintUnique
	case sqlite3.ErrConstraintPrimaryKey:
		code = ir.ConstraintPrimaryKey
	case sqlite3.ErrConstraintForeignKey:
		code = ir.ConstraintForeignKey
	case sqlite3.ErrConstraintNotNull:
		code = ir.ConstraintNotNull
	case sqlite3.ErrConstraintCheck:
		code = ir.ConstraintCheck
	}

	ce := &ir.ConstraintError{Code: code, Err: err}
	switch code {
	case ir.ConstraintUnique, ir.ConstraintPrimaryKey, ir.ConstraintNotNull:
		ce.Table = constraintTable(se.Error())
	}
	return ce
}

// constraintTable extracts the table from messages such as
// "UNIQUE constraint failed: mt_doc_user.tenant_id, mt_doc_user.id".
func constraintTable(msg string) string {
	_, cols, ok := strings.Cut(msg, "constraint failed: ")
	if !ok {
		return ""
	}
	table, _, ok := strings.Cut(cols, ".")
	if !ok {
		return ""
	}
	return table
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
