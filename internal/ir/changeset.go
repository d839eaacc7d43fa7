package ir

// ChangeSet is the record of everything one commit wrote.
//
// A ChangeSet is produced exactly once per commit attempt and handed to
// change-tracking collaborators after the commit succeeds. Callers must treat
// it as read-only; it is shared across notification consumers.
type ChangeSet struct {
	// ID identifies the commit attempt.
	ID string

	// Inserted holds the documents of inserts and upserts. An upsert that
	// overwrote a stored row is still listed here: the backend does not
	// report which branch it took.
	Inserted []any
	Updated  []any

	// Deleted holds document instances passed to a delete. Deletes by id
	// carry no instance and appear only in DeletedIDs.
	Deleted []any

	// DeletedIDs names every deleted document, by instance or by id.
	DeletedIDs []DocumentRef

	Streams []*EventStream

	// Operations lists every operation in execution order.
	Operations []Operation
}

// DocumentRef names one stored document. Tenant is empty when the session
// tenant applied.
type DocumentRef struct {
	Type   TypeID
	Tenant TenantID
	ID     string
}

// NewChangeSet builds a ChangeSet from an ordered operation list.
// Inserts and upserts count as inserted, updates and patches as updated.
// Every delete with an id is listed in DeletedIDs; only deletes of an
// instance are also listed in Deleted.
func NewChangeSet(id string, ops []Operation, streams []*EventStream) *ChangeSet {
	cs := &ChangeSet{
		ID:         id,
		Operations: append([]Operation(nil), ops...),
		Streams:    append([]*EventStream(nil), streams...),
	}
	for _, op := range ops {
		if op.Kind == KindDelete && op.ID != "" {
			cs.DeletedIDs = append(cs.DeletedIDs, DocumentRef{Type: op.Type, Tenant: op.Tenant, ID: op.ID})
		}
		if op.Document == nil {
			continue
		}
		switch op.Kind {
		case KindInsert, KindUpsert:
			cs.Inserted = append(cs.Inserted, op.Document)
		case KindUpdate, KindPatch:
			cs.Updated = append(cs.Updated, op.Document)
		case KindDelete:
			cs.Deleted = append(cs.Deleted, op.Document)
		}
	}
	return cs
}

// Empty reports whether the commit wrote nothing.
func (c *ChangeSet) Empty() bool {
	return len(c.Operations) == 0
}
