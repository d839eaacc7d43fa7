// Package executor runs planned batches against a backend.
//
// Batches run strictly in sequence: later batches may reference rows written
// by earlier ones. Callback failures are collected across the whole commit
// and reported once as an *ir.AggregateError; a statement failure stops the
// commit immediately.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/ir"
)

// Reader yields the result sets of an executed command, one per
// row-returning statement, in statement order. Close may be called more
// than once.
type Reader interface {
	NextResult() (ir.Rows, bool)
	Close() error
}

// Backend executes a built command inside the caller's transaction.
//
// A failing statement is reported as *ir.CommandError carrying its index in
// the command.
type Backend interface {
	Execute(ctx context.Context, cmd *batch.Command) (Reader, error)
}

// ErrMissingResult is returned when a backend yields fewer result sets than
// the batch has callbacks.
var ErrMissingResult = errors.New("backend returned fewer result sets than callbacks")

// Executor runs batches against one backend.
type Executor struct {
	backend Backend
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer sets the tracer used for batch spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an executor for backend.
func New(backend Backend, opts ...Option) *Executor {
	e := &Executor{
		backend: backend,
		tracer:  otel.Tracer("github.com/journeyman32/marten/internal/executor"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every batch in order and blocks until done.
//
// Cancellation is observed between batches only; a batch that has started
// runs to completion or failure. Every batch's scratch buffer is released
// before Execute returns, whatever the outcome.
func (e *Executor) Execute(ctx context.Context, batches []*batch.Batch) error {
	defer batch.ReleaseAll(batches)

	var failures []error
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("commit cancelled before batch %d: %w", b.Index(), err)
		}
		if err := e.executeBatch(ctx, b, &failures); err != nil {
			return err
		}
	}

	if len(failures) > 0 {
		return &ir.AggregateError{Errors: failures}
	}
	return nil
}

// ExecuteAsync runs Execute on its own goroutine. The returned channel
// receives exactly one value, nil on success, and is then closed.
func (e *Executor) ExecuteAsync(ctx context.Context, batches []*batch.Batch) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- e.Execute(ctx, batches)
	}()
	return done
}

func (e *Executor) executeBatch(ctx context.Context, b *batch.Batch, failures *[]error) (err error) {
	ctx, span := e.tracer.Start(ctx, "marten.batch", trace.WithAttributes(
		attribute.Int("marten.batch.index", b.Index()),
		attribute.Int("marten.batch.operations", b.Len()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cmd := b.Build()
	defer b.Release()

	// A started batch is not interrupted by cancellation.
	reader, err := e.backend.Execute(context.WithoutCancel(ctx), cmd)
	if err != nil {
		return applyTransforms(b.Transforms(), err)
	}
	defer reader.Close()

	for i, cb := range b.Callbacks() {
		rows, ok := reader.NextResult()
		if !ok {
			return fmt.Errorf("batch %d callback %d: %w", b.Index(), i, ErrMissingResult)
		}
		if cb == nil {
			continue
		}
		if err := cb(rows, failures); err != nil {
			return fmt.Errorf("batch %d callback %d: %w", b.Index(), i, err)
		}
	}

	if err := reader.Close(); err != nil {
		return fmt.Errorf("close batch %d results: %w", b.Index(), err)
	}

	e.logger.Debug("batch executed",
		"index", b.Index(),
		"operations", b.Len(),
		"statements", len(cmd.Statements),
	)
	return nil
}

// applyTransforms offers err to each transform in turn; the first that
// recognizes it decides the returned error.
func applyTransforms(transforms []ir.ExceptionTransform, err error) error {
	for _, t := range transforms {
		if mapped, ok := t(err); ok {
			return mapped
		}
	}
	return err
}
