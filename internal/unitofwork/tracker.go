package unitofwork

import (
	"slices"

	"github.com/journeyman32/marten/internal/ir"
)

// DirtyChange is a loaded document whose serialized form no longer matches
// its snapshot.
type DirtyChange struct {
	Document any
	Type     ir.TypeID
	ID       string
	Tenant   ir.TenantID

	// Version is the version the document was loaded at.
	Version int64

	// JSON is the current serialized form; the update writes it as is.
	JSON []byte

	OnVersion func(int64)
}

// Operation returns the update that persists the change.
func (c DirtyChange) Operation() ir.Operation {
	return ir.Operation{
		Kind:      ir.KindUpdate,
		Type:      c.Type,
		Document:  c.Document,
		ID:        c.ID,
		Tenant:    c.Tenant,
		Version:   c.Version,
		JSON:      c.JSON,
		OnVersion: c.OnVersion,
	}
}

// Tracker detects changes to documents the session loaded.
type Tracker interface {
	// DetectChanges returns every dirty document. It must not reset the
	// tracker's snapshots; Committed does that.
	DetectChanges() []DirtyChange

	// HasChanges reports whether DetectChanges would return anything.
	HasChanges() bool

	// Committed is called after a successful commit with the changes this
	// tracker contributed.
	Committed(changes []DirtyChange)
}

// RegisterTracker adds a change tracker consulted at commit time.
func (p *Pending) RegisterTracker(t Tracker) {
	p.trackersMu.Lock()
	defer p.trackersMu.Unlock()
	p.trackers = append(p.trackers, t)
}

// Trackers returns the registered trackers.
func (p *Pending) Trackers() []Tracker {
	p.trackersMu.Lock()
	defer p.trackersMu.Unlock()
	return slices.Clone(p.trackers)
}

// detected groups one tracker's contribution to a commit.
type detected struct {
	tracker Tracker
	changes []DirtyChange
}

// reconcile asks every tracker for dirty documents and returns them as
// update operations. A document that already has a recorded operation, or
// that an earlier tracker reported, is skipped so no instance is written
// twice. Pending state is not modified.
func reconcile(trackers []Tracker, recorded []ir.Operation) ([]ir.Operation, []detected) {
	var (
		ops      []ir.Operation
		reported []detected
		seen     []any
	)
	covered := func(doc any) bool {
		for _, op := range recorded {
			if ir.SameInstance(op.Document, doc) {
				return true
			}
		}
		return slices.ContainsFunc(seen, func(other any) bool { return ir.SameInstance(other, doc) })
	}

	for _, t := range trackers {
		var kept []DirtyChange
		for _, change := range t.DetectChanges() {
			if covered(change.Document) {
				continue
			}
			seen = append(seen, change.Document)
			kept = append(kept, change)
			ops = append(ops, change.Operation())
		}
		reported = append(reported, detected{tracker: t, changes: kept})
	}
	return ops, reported
}
