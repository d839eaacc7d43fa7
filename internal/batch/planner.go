package batch

import (
	"errors"
	"sync"

	"github.com/journeyman32/marten/internal/ir"
)

// DefaultCapacity is the number of operations per batch when none is set.
const DefaultCapacity = 100

// Materializer turns one operation into statements on a batch. It is the
// storage strategy's half of the contract; it runs with the batch locked.
type Materializer interface {
	Materialize(b *Batch, op ir.Operation) error
}

// MaterializerFunc adapts a function to Materializer.
type MaterializerFunc func(b *Batch, op ir.Operation) error

// Materialize implements Materializer.
func (f MaterializerFunc) Materialize(b *Batch, op ir.Operation) error {
	return f(b, op)
}

// Planner accumulates operations into batches of at most capacity
// operations.
//
// Append is safe for concurrent use. The capacity check runs under a shared
// lock; only the goroutine that finds the current batch full takes the
// exclusive lock to publish the next one.
type Planner struct {
	capacity     int
	materializer Materializer

	mu      sync.RWMutex
	current *Batch
	batches []*Batch
}

// NewPlanner creates a planner. A capacity below one uses DefaultCapacity.
func NewPlanner(capacity int, m Materializer) *Planner {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	first := newBatch(0, capacity)
	return &Planner{
		capacity:     capacity,
		materializer: m,
		current:      first,
		batches:      []*Batch{first},
	}
}

// Capacity returns the maximum number of operations per batch.
func (p *Planner) Capacity() int {
	return p.capacity
}

// Append adds op to the current batch, rolling over to a new batch when the
// current one is full.
func (p *Planner) Append(op ir.Operation) error {
	for {
		p.mu.RLock()
		b := p.current
		added, err := b.tryAdd(op, p.materializer)
		p.mu.RUnlock()
		if added {
			return err
		}
		p.rollover(b)
	}
}

// rollover publishes a new batch unless another goroutine already replaced full.
func (p *Planner) rollover(full *Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != full {
		return
	}
	next := newBatch(len(p.batches), p.capacity)
	p.batches = append(p.batches, next)
	p.current = next
}

// Batches returns every non-empty batch in order.
func (p *Planner) Batches() []*Batch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Batch, 0, len(p.batches))
	for _, b := range p.batches {
		if b.Len() > 0 {
			out = append(out, b)
		}
	}
	return out
}

// ErrNoMaterializer is returned by Plan when m is nil.
var ErrNoMaterializer = errors.New("batch: no materializer")

// Plan materializes ops in order into ceil(len(ops)/capacity) batches.
// On error, any buffers are released and no batches are returned.
func Plan(ops []ir.Operation, capacity int, m Materializer) ([]*Batch, error) {
	if m == nil {
		return nil, ErrNoMaterializer
	}
	p := NewPlanner(capacity, m)
	for _, op := range ops {
		if err := p.Append(op); err != nil {
			ReleaseAll(p.Batches())
			return nil, err
		}
	}
	return p.Batches(), nil
}

// ReleaseAll releases every batch's scratch buffer.
func ReleaseAll(batches []*Batch) {
	for _, b := range batches {
		b.Release()
	}
}
