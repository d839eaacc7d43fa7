package ir

import (
	"strconv"
	"time"
)

// StreamKey identifies an event stream by string or numeric key.
// The stored stream is named by ID alone, so StringKey("42") and
// NumericKey(42) address the same stream. Pending changes are keyed by ID.
type StreamKey struct {
	ID      string
	Numeric bool
}

// StringKey returns a stream key for a string identifier.
func StringKey(id string) StreamKey {
	return StreamKey{ID: id}
}

// NumericKey returns a stream key for a numeric identifier.
func NumericKey(n int64) StreamKey {
	return StreamKey{ID: strconv.FormatInt(n, 10), Numeric: true}
}

// Int returns the numeric value of a numeric key.
func (k StreamKey) Int() (int64, bool) {
	if !k.Numeric {
		return 0, false
	}
	n, err := strconv.ParseInt(k.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String implements fmt.Stringer.
func (k StreamKey) String() string {
	return k.ID
}

// Event is one domain event in a stream.
type Event struct {
	ID        string
	Type      string
	Data      any
	Tenant    TenantID
	Timestamp time.Time

	// Version and Sequence are assigned by the backend during commit.
	Version  int64
	Sequence int64
}

// EventStream is an append-only sequence of events keyed by StreamKey.
//
// The pending change set owns a stream until commit; after a successful
// commit the events belong to the persisted log.
type EventStream struct {
	Key           StreamKey
	AggregateType string

	// IsNew marks a stream started in this session. Starting a stream that
	// already exists is a collision.
	IsNew bool

	// ExpectedVersion is the version the stream must be at before this
	// append. Zero disables the check.
	ExpectedVersion int64

	Tenant TenantID
	Events []*Event

	// Version is the stream version after commit.
	Version int64
}

// Append adds events to the end of the stream.
func (s *EventStream) Append(events ...*Event) {
	s.Events = append(s.Events, events...)
}
