package session

import (
	"context"
	"fmt"
	"reflect"

	"github.com/journeyman32/marten/internal/ir"
)

// Events records event appends for the session.
type Events struct {
	s *Session
}

// Events returns the session's event operations.
func (s *Session) Events() *Events {
	return &Events{s: s}
}

// StartStream records a new stream. Committing it fails with
// *ir.StreamCollisionError if the stream already exists.
func (e *Events) StartStream(key ir.StreamKey, aggregateType string, events ...any) (*ir.EventStream, error) {
	s := e.s
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if _, ok := s.pending.Stream(key); ok {
		return nil, fmt.Errorf("start stream %s: stream already has pending events", key)
	}
	stream := &ir.EventStream{
		Key:           key,
		AggregateType: aggregateType,
		IsNew:         true,
		Tenant:        s.tenant,
	}
	stream.Append(e.wrap(events)...)
	s.pending.RecordStream(stream)
	return stream, nil
}

// Append records events at the end of the stream.
func (e *Events) Append(key ir.StreamKey, events ...any) *ir.EventStream {
	return e.append(key, 0, events)
}

// AppendExpected records events that may only be appended while the stream
// is at version expected. A mismatch fails the commit with
// *ir.StreamConcurrencyError.
func (e *Events) AppendExpected(key ir.StreamKey, expected int64, events ...any) *ir.EventStream {
	return e.append(key, expected, events)
}

// append replaces any pending stream for key with a copy carrying the new
// events, so a commit already holding the old stream is not affected.
func (e *Events) append(key ir.StreamKey, expected int64, events []any) *ir.EventStream {
	s := e.s
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	next := &ir.EventStream{Key: key, Tenant: s.tenant, ExpectedVersion: expected}
	if current, ok := s.pending.Stream(key); ok {
		copied := *current
		copied.Events = append([]*ir.Event(nil), current.Events...)
		if expected > 0 {
			copied.ExpectedVersion = expected
		}
		next = &copied
	}
	next.Append(e.wrap(events)...)
	s.pending.RecordStream(next)
	return next
}

// FetchStream reads a persisted stream from the store.
func (e *Events) FetchStream(ctx context.Context, key ir.StreamKey) (*ir.EventStream, error) {
	return e.s.store.FetchStream(ctx, e.s.tenant, key)
}

// wrap turns payloads into events. An *ir.Event is used as given; any other
// value becomes the data of an event named after its Go type.
func (e *Events) wrap(payloads []any) []*ir.Event {
	out := make([]*ir.Event, 0, len(payloads))
	for _, p := range payloads {
		ev, ok := p.(*ir.Event)
		if !ok {
			ev = &ir.Event{Type: eventType(p), Data: p}
		}
		if ev.ID == "" {
			ev.ID = e.s.ids.Generate()
		}
		if ev.Tenant == "" {
			ev.Tenant = e.s.tenant
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = e.s.now()
		}
		out = append(out, ev)
	}
	return out
}

func eventType(data any) string {
	t := reflect.TypeOf(data)
	if t == nil {
		return "event"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// settleStreams trims events committed through an older copy of a stream
// from the copy that replaced it while the commit ran.
func (s *Session) settleStreams(committed []*ir.EventStream) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	for _, done := range committed {
		current, ok := s.pending.Stream(done.Key)
		if !ok || current == done {
			continue
		}
		n := 0
		for n < len(current.Events) && n < len(done.Events) && current.Events[n] == done.Events[n] {
			n++
		}
		current.Events = current.Events[n:]
		current.IsNew = false
		if current.ExpectedVersion > 0 {
			current.ExpectedVersion = done.Version
		}
	}
}
