package store

import (
	"database/sql"
	"fmt"
	"strconv"
)

// bufferedRows holds a fully read result set and implements ir.Rows.
type bufferedRows struct {
	values [][]any
	pos    int
}

func bufferRows(rows *sql.Rows) (*bufferedRows, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	b := &bufferedRows{}
	for rows.Next() {
		row := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		b.values = append(b.values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return b, rows.Close()
}

func (b *bufferedRows) Next() bool {
	if b.pos >= len(b.values) {
		return false
	}
	b.pos++
	return true
}

func (b *bufferedRows) Scan(dest ...any) error {
	if b.pos == 0 || b.pos > len(b.values) {
		return fmt.Errorf("scan called without a current row")
	}
	row := b.values[b.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destination arguments in Scan, not %d", len(row), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

func (b *bufferedRows) Err() error { return nil }

// assign converts a driver value into dest. It covers the destinations the
// storage callbacks scan into.
func assign(dest, src any) error {
	if s, ok := dest.(sql.Scanner); ok {
		return s.Scan(src)
	}

	switch d := dest.(type) {
	case *any:
		*d = src
		return nil
	case *string:
		switch v := src.(type) {
		case string:
			*d = v
		case []byte:
			*d = string(v)
		case int64:
			*d = strconv.FormatInt(v, 10)
		case nil:
			return fmt.Errorf("converting NULL to string is unsupported")
		default:
			*d = fmt.Sprint(v)
		}
		return nil
	case *[]byte:
		switch v := src.(type) {
		case []byte:
			*d = append([]byte(nil), v...)
		case string:
			*d = []byte(v)
		case nil:
			*d = nil
		default:
			return fmt.Errorf("unsupported conversion from %T to []byte", src)
		}
		return nil
	case *int64:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = n
		return nil
	case *int:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int(n)
		return nil
	}
	return fmt.Errorf("unsupported scan destination %T", dest)
}

func toInt64(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case nil:
		return 0, fmt.Errorf("converting NULL to int64 is unsupported")
	}
	return 0, fmt.Errorf("unsupported conversion from %T to int64", src)
}
