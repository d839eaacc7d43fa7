package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/ir"
)

// materializeStream writes the stream row and then one row per event.
//
// The stream statement stamps the row with a fresh commit token. Each event
// insert selects from the stream row by that token, so when the stream's
// version check fails no event is written and the conflict surfaces as a
// collected *ir.StreamConcurrencyError rather than a duplicate version.
func (s *Storage) materializeStream(b *batch.Batch, stream *ir.EventStream, tenant ir.TenantID) error {
	n := int64(len(stream.Events))
	if n == 0 {
		return nil
	}
	token := s.tokens.Generate()

	if stream.IsNew {
		idx := b.Add(ir.Statement{
			SQL: "INSERT INTO mt_streams (tenant_id, id, type, version, commit_token, created) " +
				"VALUES (?, ?, ?, ?, ?, " + nowSQL + ") RETURNING version",
			Args:        []any{string(tenant), stream.Key.ID, stream.AggregateType, n, token},
			ReturnsRows: true,
		}, streamVersion(stream, false, n))
		b.AddTransform(streamCollision(idx, stream.Key))
	} else {
		sql := "INSERT INTO mt_streams (tenant_id, id, type, version, commit_token, created) " +
			"VALUES (?, ?, ?, ?, ?, " + nowSQL + ") " +
			"ON CONFLICT (tenant_id, id) DO UPDATE SET version = mt_streams.version + excluded.version, " +
			"commit_token = excluded.commit_token"
		args := []any{string(tenant), stream.Key.ID, stream.AggregateType, n, token}
		if stream.ExpectedVersion > 0 {
			sql += " WHERE mt_streams.version = ?"
			args = append(args, stream.ExpectedVersion)
		}
		b.Add(ir.Statement{SQL: sql + " RETURNING version", Args: args, ReturnsRows: true},
			streamVersion(stream, stream.ExpectedVersion > 0, n))
	}

	for i, e := range stream.Events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("serialize event %s on stream %s: %w", e.Type, stream.Key, err)
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		offset := n - 1 - int64(i)
		b.Add(ir.Statement{
			SQL: "INSERT INTO mt_events (id, stream_id, tenant_id, version, type, data, timestamp) " +
				"SELECT ?, s.id, s.tenant_id, s.version - ?, ?, ?, ? FROM mt_streams s " +
				"WHERE s.tenant_id = ? AND s.id = ? AND s.commit_token = ? " +
				"RETURNING seq_id, version",
			Args: []any{
				e.ID, offset, e.Type, string(data), ts.Format(time.RFC3339Nano),
				string(tenant), stream.Key.ID, token,
			},
			ReturnsRows: true,
		}, eventPosition(e))
	}
	return nil
}

// streamVersion records the stream version after the append. A checked
// append that returns no row, or creates the stream instead of extending it,
// is a concurrency failure.
func streamVersion(stream *ir.EventStream, checked bool, appended int64) ir.Callback {
	return func(rows ir.Rows, failures *[]error) error {
		conflict := &ir.StreamConcurrencyError{Key: stream.Key, Expected: stream.ExpectedVersion}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			if checked {
				*failures = append(*failures, conflict)
			}
			return nil
		}
		var version int64
		if err := rows.Scan(&version); err != nil {
			return err
		}
		if checked && version != stream.ExpectedVersion+appended {
			*failures = append(*failures, conflict)
		}
		stream.Version = version
		return rows.Err()
	}
}

func eventPosition(e *ir.Event) ir.Callback {
	return func(rows ir.Rows, _ *[]error) error {
		if !rows.Next() {
			return rows.Err()
		}
		if err := rows.Scan(&e.Sequence, &e.Version); err != nil {
			return err
		}
		return rows.Err()
	}
}
