// Package unitofwork accumulates a session's pending changes and commits them.
//
// Pending is safe for concurrent recording. Per-type operation lists live in
// a map guarded by a read-mostly lock with double-checked creation, and each
// list has its own mutex. A global sequence number preserves recording order
// across lists, so a commit sees operations in the order callers made them.
package unitofwork

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/journeyman32/marten/internal/ir"
)

// TypeResolver maps a document instance to its type. *schema.Registry
// implements it.
type TypeResolver interface {
	TypeOf(doc any) (ir.TypeID, bool)
}

type entry struct {
	seq int64
	op  ir.Operation
}

type typedList struct {
	mu      sync.Mutex
	entries []entry
}

type streamEntry struct {
	// first orders the stream among other streams; written is the sequence
	// of the latest replacement and decides whether a commit covered it.
	first   int64
	written int64
	stream  *ir.EventStream
}

// Pending is the session's pending change set.
type Pending struct {
	resolver TypeResolver
	seq      atomic.Int64

	mu    sync.RWMutex
	typed map[ir.TypeID]*typedList

	// streams is keyed by stream id: a string key and a numeric key with the
	// same id write the same stored stream.
	streamsMu sync.Mutex
	streams   map[string]*streamEntry

	ancillaryMu sync.Mutex
	ancillary   []entry

	trackersMu sync.Mutex
	trackers   []Tracker
}

// NewPending creates an empty change set.
func NewPending(resolver TypeResolver) *Pending {
	return &Pending{
		resolver: resolver,
		typed:    make(map[ir.TypeID]*typedList),
		streams:  make(map[string]*streamEntry),
	}
}

// Record appends op to its type's list, or to the ancillary list when op has
// no document type. Event appends are routed to RecordStream.
func (p *Pending) Record(op ir.Operation) {
	if op.Kind == ir.KindEventAppend && op.Stream != nil {
		p.RecordStream(op.Stream)
		return
	}

	// Sequence numbers are taken under the destination lock so that a
	// commit snapshot never misses an entry at or below its watermark.
	if op.IsAncillary() {
		p.ancillaryMu.Lock()
		p.ancillary = append(p.ancillary, entry{seq: p.seq.Add(1), op: op})
		p.ancillaryMu.Unlock()
		return
	}

	list := p.listFor(op.Type)
	list.mu.Lock()
	list.entries = append(list.entries, entry{seq: p.seq.Add(1), op: op})
	list.mu.Unlock()
}

// listFor returns the list for typ, creating it under the exclusive lock only
// when the shared lookup misses.
func (p *Pending) listFor(typ ir.TypeID) *typedList {
	p.mu.RLock()
	list, ok := p.typed[typ]
	p.mu.RUnlock()
	if ok {
		return list
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if list, ok := p.typed[typ]; ok {
		return list
	}
	list = &typedList{}
	p.typed[typ] = list
	return list
}

// lookup returns the list for typ without creating it.
func (p *Pending) lookup(typ ir.TypeID) (*typedList, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list, ok := p.typed[typ]
	return list, ok
}

// RecordStream adds stream, replacing any stream recorded under the same
// stream id. A replaced stream keeps its original position in commit order.
func (p *Pending) RecordStream(stream *ir.EventStream) {
	p.streamsMu.Lock()
	defer p.streamsMu.Unlock()
	seq := p.seq.Add(1)
	if existing, ok := p.streams[stream.Key.ID]; ok {
		existing.stream = stream
		existing.written = seq
		return
	}
	p.streams[stream.Key.ID] = &streamEntry{first: seq, written: seq, stream: stream}
}

// Stream returns the pending stream with key's id, whichever kind of key
// recorded it.
func (p *Pending) Stream(key ir.StreamKey) (*ir.EventStream, bool) {
	p.streamsMu.Lock()
	defer p.streamsMu.Unlock()
	e, ok := p.streams[key.ID]
	if !ok {
		return nil, false
	}
	return e.stream, true
}

// Contains reports whether doc itself, not an equal copy, has a recorded
// operation.
func (p *Pending) Contains(doc any) bool {
	typ, ok := p.resolver.TypeOf(doc)
	if !ok {
		return false
	}
	list, ok := p.lookup(typ)
	if !ok {
		return false
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	return slices.ContainsFunc(list.entries, func(e entry) bool {
		return ir.SameInstance(e.op.Document, doc)
	})
}

// Eject removes every operation recorded for doc and reports how many were
// removed. Operations on other instances of the same type are untouched.
func (p *Pending) Eject(doc any) int {
	typ, ok := p.resolver.TypeOf(doc)
	if !ok {
		return 0
	}
	list, ok := p.lookup(typ)
	if !ok {
		return 0
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	before := len(list.entries)
	list.entries = slices.DeleteFunc(list.entries, func(e entry) bool {
		return ir.SameInstance(e.op.Document, doc)
	})
	return before - len(list.entries)
}

// HasPendingWork reports whether a commit would write anything.
func (p *Pending) HasPendingWork() bool {
	if len(p.documentEntries()) > 0 {
		return true
	}

	p.streamsMu.Lock()
	streams := len(p.streams)
	p.streamsMu.Unlock()
	if streams > 0 {
		return true
	}

	p.ancillaryMu.Lock()
	ancillary := len(p.ancillary)
	p.ancillaryMu.Unlock()
	if ancillary > 0 {
		return true
	}

	for _, t := range p.Trackers() {
		if t.HasChanges() {
			return true
		}
	}
	return false
}

// Operations returns recorded operations in recording order, filtered by
// kind when kinds is non-empty and by type when types is non-empty. Event
// appends are not included; see Streams.
func (p *Pending) Operations(kinds []ir.Kind, types ...ir.TypeID) []ir.Operation {
	entries := p.documentEntries()

	p.ancillaryMu.Lock()
	entries = append(entries, p.ancillary...)
	p.ancillaryMu.Unlock()
	slices.SortFunc(entries, bySeq)

	var out []ir.Operation
	for _, e := range entries {
		if len(kinds) > 0 && !slices.Contains(kinds, e.op.Kind) {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, e.op.Type) {
			continue
		}
		out = append(out, e.op)
	}
	return out
}

// Streams returns pending streams in first-recorded order.
func (p *Pending) Streams() []*ir.EventStream {
	entries := p.streamEntries()
	out := make([]*ir.EventStream, len(entries))
	for i, e := range entries {
		out[i] = e.stream
	}
	return out
}

func (p *Pending) documentEntries() []entry {
	p.mu.RLock()
	lists := make([]*typedList, 0, len(p.typed))
	for _, list := range p.typed {
		lists = append(lists, list)
	}
	p.mu.RUnlock()

	var entries []entry
	for _, list := range lists {
		list.mu.Lock()
		entries = append(entries, list.entries...)
		list.mu.Unlock()
	}
	slices.SortFunc(entries, bySeq)
	return entries
}

func (p *Pending) streamEntries() []streamEntry {
	p.streamsMu.Lock()
	entries := make([]streamEntry, 0, len(p.streams))
	for _, e := range p.streams {
		entries = append(entries, *e)
	}
	p.streamsMu.Unlock()
	slices.SortFunc(entries, func(a, b streamEntry) int {
		return cmp.Compare(a.first, b.first)
	})
	return entries
}

func bySeq(a, b entry) int {
	return cmp.Compare(a.seq, b.seq)
}

// clearThrough removes everything recorded at or before watermark. Work
// recorded while a commit was running survives it.
func (p *Pending) clearThrough(watermark int64) {
	p.mu.RLock()
	for _, list := range p.typed {
		list.mu.Lock()
		list.entries = slices.DeleteFunc(list.entries, func(e entry) bool { return e.seq <= watermark })
		list.mu.Unlock()
	}
	p.mu.RUnlock()

	p.streamsMu.Lock()
	for key, e := range p.streams {
		if e.written <= watermark {
			delete(p.streams, key)
		}
	}
	p.streamsMu.Unlock()

	p.ancillaryMu.Lock()
	p.ancillary = slices.DeleteFunc(p.ancillary, func(e entry) bool { return e.seq <= watermark })
	p.ancillaryMu.Unlock()
}
