package storage

import (
	"fmt"

	"github.com/journeyman32/marten/internal/ir"
)

// DefaultBlockSize is the hi/lo block reserved by ReserveSequence.
const DefaultBlockSize = 1000

// ReserveSequence reserves a block of numeric ids for Entity.
//
// Each reservation bumps the entity's hi value in mt_hilo; the block is
// [(hi-1)*BlockSize+1, hi*BlockSize]. OnReserve receives the bounds once the
// statement has run.
type ReserveSequence struct {
	Entity    string
	BlockSize int64
	OnReserve func(lo, hi int64)
}

var _ ir.Command = (*ReserveSequence)(nil)

// Statement implements ir.Command.
func (c *ReserveSequence) Statement(tenant ir.TenantID) (ir.Statement, ir.Callback) {
	size := c.BlockSize
	if size < 1 {
		size = DefaultBlockSize
	}
	stmt := ir.Statement{
		SQL: "INSERT INTO mt_hilo (tenant_id, entity, hi_value) VALUES (?, ?, 1) " +
			"ON CONFLICT (tenant_id, entity) DO UPDATE SET hi_value = mt_hilo.hi_value + 1 " +
			"RETURNING hi_value",
		Args:        []any{string(tenant), c.Entity},
		ReturnsRows: true,
	}
	return stmt, func(rows ir.Rows, _ *[]error) error {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("reserve sequence %s: no row returned", c.Entity)
		}
		var hi int64
		if err := rows.Scan(&hi); err != nil {
			return err
		}
		if c.OnReserve != nil {
			c.OnReserve((hi-1)*size+1, hi*size)
		}
		return rows.Err()
	}
}

// Describe implements ir.Command.
func (c *ReserveSequence) Describe() string {
	return "reserve " + c.Entity
}

// Raw is an ancillary statement run verbatim, e.g. a maintenance update.
// Raw statements return no rows.
type Raw struct {
	SQL         string
	Args        []any
	Description string
}

var _ ir.Command = (*Raw)(nil)

// Statement implements ir.Command. The tenant is not bound; include it in
// Args when the statement needs it.
func (c *Raw) Statement(ir.TenantID) (ir.Statement, ir.Callback) {
	return ir.Statement{SQL: c.SQL, Args: c.Args}, nil
}

// Describe implements ir.Command.
func (c *Raw) Describe() string {
	if c.Description != "" {
		return c.Description
	}
	return "raw sql"
}
