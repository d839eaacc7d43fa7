package unitofwork

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/depgraph"
	"github.com/journeyman32/marten/internal/executor"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

var tracer = otel.Tracer("github.com/journeyman32/marten/internal/unitofwork")

// Plan carries the collaborators of one commit.
type Plan struct {
	CommitID     string
	Registry     *schema.Registry
	Materializer batch.Materializer
	Executor     *executor.Executor

	// Capacity is the maximum number of operations per batch.
	Capacity int

	// Commit, when set, runs after every batch succeeded and before pending
	// state is cleared. Its failure fails the commit.
	Commit func(context.Context) error

	Logger *slog.Logger
}

// Result is delivered by ApplyAsync.
type Result struct {
	Changes *ir.ChangeSet
	Err     error
}

// prepared is a commit that is ordered and planned but not yet executed.
type prepared struct {
	changes   *ir.ChangeSet
	batches   []*batch.Batch
	detected  []detected
	watermark int64
	span      trace.Span
	ctx       context.Context
	logger    *slog.Logger
}

// Apply commits the pending work and blocks until it is done.
//
// The commit sequence is: dependency-ordered document operations, then event
// streams in first-recorded order, then ancillary operations in recorded
// order. On success the committed work is cleared and trackers are told;
// on any failure pending state and trackers are left exactly as they were.
func (p *Pending) Apply(ctx context.Context, plan Plan) (*ir.ChangeSet, error) {
	prep, err := p.prepare(ctx, plan)
	if err != nil {
		return nil, err
	}
	return p.finish(prep, plan.complete(prep.ctx, plan.Executor.Execute(prep.ctx, prep.batches)))
}

// ApplyAsync is Apply with execution on the executor's asynchronous path.
// Ordering and planning failures are delivered on the channel as well.
func (p *Pending) ApplyAsync(ctx context.Context, plan Plan) <-chan Result {
	out := make(chan Result, 1)

	prep, err := p.prepare(ctx, plan)
	if err != nil {
		out <- Result{Err: err}
		close(out)
		return out
	}

	done := plan.Executor.ExecuteAsync(prep.ctx, prep.batches)
	go func() {
		defer close(out)
		changes, err := p.finish(prep, plan.complete(prep.ctx, <-done))
		out <- Result{Changes: changes, Err: err}
	}()
	return out
}

func (plan Plan) complete(ctx context.Context, execErr error) error {
	if execErr != nil || plan.Commit == nil {
		return execErr
	}
	if err := plan.Commit(ctx); err != nil {
		return fmt.Errorf("complete commit: %w", err)
	}
	return nil
}

func (p *Pending) prepare(ctx context.Context, plan Plan) (*prepared, error) {
	logger := plan.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Take the watermark before reading any list: entries recorded after
	// this point belong to the next commit.
	watermark := p.seq.Load()

	var docs []ir.Operation
	for _, e := range p.documentEntries() {
		if e.seq <= watermark {
			docs = append(docs, e.op)
		}
	}
	var streams []*ir.EventStream
	for _, e := range p.streamEntries() {
		if e.written <= watermark {
			streams = append(streams, e.stream)
		}
	}
	p.ancillaryMu.Lock()
	var ancillary []ir.Operation
	for _, e := range p.ancillary {
		if e.seq <= watermark {
			ancillary = append(ancillary, e.op)
		}
	}
	p.ancillaryMu.Unlock()

	dirty, reported := reconcile(p.Trackers(), docs)
	docs = append(docs, dirty...)

	ctx, span := tracer.Start(ctx, "marten.commit", trace.WithAttributes(
		attribute.String("marten.commit.id", plan.CommitID),
		attribute.Int("marten.commit.documents", len(docs)),
		attribute.Int("marten.commit.streams", len(streams)),
		attribute.Int("marten.commit.ancillary", len(ancillary)),
	))
	fail := func(err error) (*prepared, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		logger.Warn("commit failed", "commit", plan.CommitID, "error", err)
		return nil, err
	}

	orderer, err := depgraph.NewOrderer(plan.Registry, depgraph.TypesOf(docs))
	if err != nil {
		return fail(err)
	}
	orderer.Sort(docs)

	ops := slices.Clone(docs)
	for _, s := range streams {
		ops = append(ops, ir.Operation{Kind: ir.KindEventAppend, Stream: s, Tenant: s.Tenant})
	}
	ops = append(ops, ancillary...)

	batches, err := batch.Plan(ops, plan.Capacity, plan.Materializer)
	if err != nil {
		return fail(fmt.Errorf("plan commit: %w", err))
	}

	logger.Info("commit starting",
		"commit", plan.CommitID,
		"operations", len(ops),
		"streams", len(streams),
		"batches", len(batches),
	)

	return &prepared{
		changes:   ir.NewChangeSet(plan.CommitID, ops, streams),
		batches:   batches,
		detected:  reported,
		watermark: watermark,
		span:      span,
		ctx:       ctx,
		logger:    logger,
	}, nil
}

func (p *Pending) finish(prep *prepared, execErr error) (*ir.ChangeSet, error) {
	defer prep.span.End()

	if execErr != nil {
		prep.span.RecordError(execErr)
		prep.span.SetStatus(codes.Error, execErr.Error())
		prep.logger.Warn("commit failed", "commit", prep.changes.ID, "error", execErr)
		return nil, execErr
	}

	p.clearThrough(prep.watermark)
	for _, d := range prep.detected {
		d.tracker.Committed(d.changes)
	}

	prep.logger.Info("commit succeeded",
		"commit", prep.changes.ID,
		"inserted", len(prep.changes.Inserted),
		"updated", len(prep.changes.Updated),
		"deleted", len(prep.changes.DeletedIDs),
	)
	return prep.changes, nil
}
