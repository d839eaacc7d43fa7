package testutil

import (
	"fmt"
	"sync/atomic"

	"github.com/journeyman32/marten/internal/ir"
)

// SequentialIDs generates "<prefix>-1", "<prefix>-2", ... and never runs
// out, unlike ir.FixedGenerator.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	prefix string
	n      atomic.Int64
}

var _ ir.IDGenerator = (*SequentialIDs)(nil)

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}
