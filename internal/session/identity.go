package session

import (
	"log/slog"
	"sync"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/unitofwork"
)

type identityKey struct {
	typ    ir.TypeID
	tenant ir.TenantID
	id     string
}

// tracked is a document the session loaded or committed, with the snapshot
// dirty detection compares against.
type tracked struct {
	key     identityKey
	doc     any
	version int64
	hash    string
}

// identityMap maps ids to the session's document instances and implements
// unitofwork.Tracker over them.
type identityMap struct {
	mu    sync.Mutex
	byKey map[identityKey]*tracked
	byDoc map[any]*tracked

	// stage receives versions reported for dirty updates.
	stage  func(doc any) func(int64)
	logger *slog.Logger
}

var _ unitofwork.Tracker = (*identityMap)(nil)

func newIdentityMap(stage func(doc any) func(int64), logger *slog.Logger) *identityMap {
	return &identityMap{
		byKey:  make(map[identityKey]*tracked),
		byDoc:  make(map[any]*tracked),
		stage:  stage,
		logger: logger,
	}
}

func (m *identityMap) get(key identityKey) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	return t.doc, true
}

// track snapshots doc. A document already tracked under key is replaced.
func (m *identityMap) track(key identityKey, doc any, version int64) error {
	_, hash, err := ir.HashDocument(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byKey[key]; ok {
		delete(m.byDoc, old.doc)
	}
	t := &tracked{key: key, doc: doc, version: version, hash: hash}
	m.byKey[key] = t
	m.byDoc[doc] = t
	return nil
}

func (m *identityMap) version(doc any) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byDoc[doc]; ok {
		return t.version
	}
	return 0
}

func (m *identityMap) setVersion(doc any, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byDoc[doc]; ok {
		t.version = version
	}
}

func (m *identityMap) forgetDoc(doc any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byDoc[doc]; ok {
		delete(m.byDoc, doc)
		delete(m.byKey, t.key)
	}
}

func (m *identityMap) forgetKey(key identityKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byKey[key]; ok {
		delete(m.byKey, key)
		delete(m.byDoc, t.doc)
	}
}

func (m *identityMap) snapshot() []tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tracked, 0, len(m.byKey))
	for _, t := range m.byKey {
		out = append(out, *t)
	}
	return out
}

// DetectChanges implements unitofwork.Tracker.
func (m *identityMap) DetectChanges() []unitofwork.DirtyChange {
	var changes []unitofwork.DirtyChange
	for _, t := range m.snapshot() {
		data, hash, err := ir.HashDocument(t.doc)
		if err != nil {
			m.logger.Warn("skipping unserializable document", "type", t.key.typ, "id", t.key.id, "error", err)
			continue
		}
		if hash == t.hash {
			continue
		}
		changes = append(changes, unitofwork.DirtyChange{
			Document:  t.doc,
			Type:      t.key.typ,
			ID:        t.key.id,
			Tenant:    t.key.tenant,
			Version:   t.version,
			JSON:      data,
			OnVersion: m.stage(t.doc),
		})
	}
	return changes
}

// HasChanges implements unitofwork.Tracker.
func (m *identityMap) HasChanges() bool {
	for _, t := range m.snapshot() {
		_, hash, err := ir.HashDocument(t.doc)
		if err == nil && hash != t.hash {
			return true
		}
	}
	return false
}

// Committed implements unitofwork.Tracker. The committed form becomes the
// new snapshot.
func (m *identityMap) Committed(changes []unitofwork.DirtyChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range changes {
		t, ok := m.byDoc[c.Document]
		if !ok {
			continue
		}
		hash, err := ir.HashJSON(c.JSON)
		if err != nil {
			m.logger.Warn("keeping previous snapshot", "type", t.key.typ, "id", t.key.id, "error", err)
			continue
		}
		t.hash = hash
	}
}
