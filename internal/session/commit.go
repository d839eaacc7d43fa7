package session

import (
	"context"
	"fmt"
	"maps"

	"github.com/journeyman32/marten/internal/executor"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/storage"
	"github.com/journeyman32/marten/internal/store"
	"github.com/journeyman32/marten/internal/unitofwork"
)

// CommitResult is delivered by SaveChangesAsync.
type CommitResult struct {
	Changes *ir.ChangeSet
	Err     error
}

// SaveChanges commits all pending work in one transaction and blocks until
// it is done.
//
// On success the returned change set lists what was written, pending work is
// cleared, and loaded documents take their new versions. On failure the
// transaction is rolled back and the session is left as it was.
func (s *Session) SaveChanges(ctx context.Context) (*ir.ChangeSet, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	commitID := s.commitIDs.Generate()
	if !s.pending.HasPendingWork() {
		return ir.NewChangeSet(commitID, nil, nil), nil
	}

	tx, plan, err := s.begin(ctx, commitID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	changes, err := s.pending.Apply(ctx, plan)
	if err != nil {
		return nil, err
	}
	s.afterCommit(changes)
	return changes, nil
}

// SaveChangesAsync is SaveChanges on the executor's asynchronous path. The
// channel receives exactly one result and is then closed. Cancelling ctx
// stops the commit between batches.
func (s *Session) SaveChangesAsync(ctx context.Context) <-chan CommitResult {
	out := make(chan CommitResult, 1)

	s.commitMu.Lock()
	commitID := s.commitIDs.Generate()
	if !s.pending.HasPendingWork() {
		s.commitMu.Unlock()
		out <- CommitResult{Changes: ir.NewChangeSet(commitID, nil, nil)}
		close(out)
		return out
	}

	tx, plan, err := s.begin(ctx, commitID)
	if err != nil {
		s.commitMu.Unlock()
		out <- CommitResult{Err: err}
		close(out)
		return out
	}

	done := s.pending.ApplyAsync(ctx, plan)
	go func() {
		defer close(out)
		defer s.commitMu.Unlock()
		defer tx.Rollback()

		res := <-done
		if res.Err == nil {
			s.afterCommit(res.Changes)
		}
		out <- CommitResult{Changes: res.Changes, Err: res.Err}
	}()
	return out
}

// begin opens the transaction and assembles the commit plan.
func (s *Session) begin(ctx context.Context, commitID string) (*store.Tx, unitofwork.Plan, error) {
	s.stagedMu.Lock()
	clear(s.staged)
	s.stagedMu.Unlock()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, unitofwork.Plan{}, fmt.Errorf("save changes: %w", err)
	}
	return tx, unitofwork.Plan{
		CommitID:     commitID,
		Registry:     s.reg,
		Materializer: storage.New(s.reg, s.tenant),
		Executor:     executor.New(tx, executor.WithLogger(s.logger)),
		Capacity:     s.batchSize,
		Logger:       s.logger,
		Commit:       func(context.Context) error { return tx.Commit() },
	}, nil
}

// afterCommit brings the identity map up to date with a committed change set.
func (s *Session) afterCommit(changes *ir.ChangeSet) {
	s.stagedMu.Lock()
	staged := maps.Clone(s.staged)
	clear(s.staged)
	s.stagedMu.Unlock()

	for _, op := range changes.Operations {
		tenant := op.Tenant
		if tenant == "" {
			tenant = s.tenant
		}
		key := identityKey{typ: op.Type, tenant: tenant, id: op.ID}

		switch op.Kind {
		case ir.KindInsert, ir.KindUpsert, ir.KindUpdate:
			if op.Document == nil {
				continue
			}
			version, ok := staged[op.Document]
			if !ok {
				version = s.tracked.version(op.Document)
			}
			if err := s.tracked.track(key, op.Document, version); err != nil {
				s.logger.Warn("stopped tracking document", "type", op.Type, "id", op.ID, "error", err)
				s.tracked.forgetDoc(op.Document)
			}
		case ir.KindDelete:
			s.tracked.forgetKey(key)
		case ir.KindPatch:
			// The stored document no longer matches the tracked instance.
			s.tracked.forgetKey(key)
		}
	}

	for doc, version := range staged {
		s.tracked.setVersion(doc, version)
	}
	s.settleStreams(changes.Streams)
}
