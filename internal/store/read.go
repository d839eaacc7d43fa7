package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// Document is a stored document row.
type Document struct {
	Type    ir.TypeID
	ID      string
	Tenant  ir.TenantID
	Data    []byte
	Version int64
}

// LoadDocument reads the document of type typ with id. A row written for
// another type of the same hierarchy is reported as ErrNotFound.
func (s *Store) LoadDocument(ctx context.Context, reg *schema.Registry, tenant ir.TenantID, typ ir.TypeID, id string) (*Document, error) {
	table := reg.TableFor(typ)
	if table == "" {
		return nil, fmt.Errorf("load %s/%s: unknown document type", typ, id)
	}

	doc := &Document{ID: id, Tenant: tenant}
	var docType, data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT data, version, doc_type FROM %q WHERE tenant_id = ? AND id = ?", table),
		string(tenant), id,
	).Scan(&data, &doc.Version, &docType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s/%s: %w", typ, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", typ, id, err)
	}
	if ir.TypeID(docType) != typ {
		return nil, fmt.Errorf("load %s/%s: stored as %s: %w", typ, id, docType, ErrNotFound)
	}

	doc.Type = typ
	doc.Data = []byte(data)
	return doc, nil
}

// FetchStream reads a persisted stream and its events in version order.
// Event data is left as json.RawMessage.
func (s *Store) FetchStream(ctx context.Context, tenant ir.TenantID, key ir.StreamKey) (*ir.EventStream, error) {
	stream := &ir.EventStream{Key: key, Tenant: tenant}
	err := s.db.QueryRowContext(ctx,
		"SELECT type, version FROM mt_streams WHERE tenant_id = ? AND id = ?",
		string(tenant), key.ID,
	).Scan(&stream.AggregateType, &stream.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fetch stream %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch stream %s: %w", key, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq_id, id, version, type, data, timestamp
		FROM mt_events
		WHERE tenant_id = ? AND stream_id = ?
		ORDER BY version ASC
	`, string(tenant), key.ID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		e.Tenant = tenant
		stream.Events = append(stream.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Return empty slice instead of nil
	if stream.Events == nil {
		stream.Events = []*ir.Event{}
	}
	return stream, nil
}

func scanEvent(rows *sql.Rows) (*ir.Event, error) {
	var (
		e    ir.Event
		data string
		ts   string
	)
	if err := rows.Scan(&e.Sequence, &e.ID, &e.Version, &e.Type, &data, &ts); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Data = json.RawMessage(data)

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed
	return &e, nil
}
