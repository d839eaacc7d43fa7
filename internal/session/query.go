package session

import (
	"github.com/journeyman32/marten/internal/ir"
)

// PendingInserts returns documents recorded with Insert or Store, in
// recording order, optionally limited to types.
func (s *Session) PendingInserts(types ...ir.TypeID) []any {
	return documentsOf(s.pending.Operations([]ir.Kind{ir.KindInsert, ir.KindUpsert}, types...))
}

// PendingUpdates returns documents recorded with Update. Dirty loaded
// documents are not included until SaveChanges detects them.
func (s *Session) PendingUpdates(types ...ir.TypeID) []any {
	return documentsOf(s.pending.Operations([]ir.Kind{ir.KindUpdate}, types...))
}

// PendingDeletes returns recorded delete operations. Deletes by id carry
// no document.
func (s *Session) PendingDeletes(types ...ir.TypeID) []ir.Operation {
	return s.pending.Operations([]ir.Kind{ir.KindDelete}, types...)
}

// PendingOperations returns every recorded document and ancillary
// operation. With types, ancillary operations are excluded.
func (s *Session) PendingOperations(types ...ir.TypeID) []ir.Operation {
	return s.pending.Operations(nil, types...)
}

// PendingStreams returns pending event streams in first-recorded order.
func (s *Session) PendingStreams() []*ir.EventStream {
	return s.pending.Streams()
}

func documentsOf(ops []ir.Operation) []any {
	var docs []any
	for _, op := range ops {
		if op.Document != nil {
			docs = append(docs, op.Document)
		}
	}
	return docs
}
