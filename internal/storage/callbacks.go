package storage

import (
	"errors"

	"github.com/journeyman32/marten/internal/ir"
)

// checkVersion reads the stored version returned by a version-checked write.
// No row means the version predicate failed: the failure is collected, not
// returned, so sibling callbacks still run.
func checkVersion(op ir.Operation, id string) ir.Callback {
	return func(rows ir.Rows, failures *[]error) error {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			*failures = append(*failures, &ir.ConcurrencyError{Type: op.Type, ID: id, Expected: op.Version})
			return nil
		}
		return scanVersion(rows, op.OnVersion)
	}
}

// reportVersion reads a returned version without checking it.
func reportVersion(op ir.Operation) ir.Callback {
	return func(rows ir.Rows, _ *[]error) error {
		if !rows.Next() {
			return rows.Err()
		}
		return scanVersion(rows, op.OnVersion)
	}
}

func scanVersion(rows ir.Rows, onVersion func(int64)) error {
	var version int64
	if err := rows.Scan(&version); err != nil {
		return err
	}
	if onVersion != nil {
		onVersion(version)
	}
	return rows.Err()
}

// documentExists maps a unique violation raised by statement idx to
// *ir.DocumentExistsError.
func documentExists(idx int, typ ir.TypeID, id string) ir.ExceptionTransform {
	return func(err error) (error, bool) {
		if !failedAt(err, idx) || !ir.IsUniqueViolation(err) {
			return nil, false
		}
		return &ir.DocumentExistsError{Type: typ, ID: id, Err: err}, true
	}
}

// streamCollision maps a unique violation raised while starting a stream to
// *ir.StreamCollisionError.
func streamCollision(idx int, key ir.StreamKey) ir.ExceptionTransform {
	return func(err error) (error, bool) {
		if !failedAt(err, idx) || !ir.IsUniqueViolation(err) {
			return nil, false
		}
		return &ir.StreamCollisionError{Key: key, Err: err}, true
	}
}

func failedAt(err error, idx int) bool {
	var ce *ir.CommandError
	return errors.As(err, &ce) && ce.Index == idx
}
