package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database string
	Tenant   string
}

// EventView is one persisted event as printed by the events command.
type EventView struct {
	Version   int64           `json:"version"`
	Sequence  int64           `json:"seq"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// StreamView is a persisted stream with its events in version order.
type StreamView struct {
	Stream        string      `json:"stream"`
	Tenant        string      `json:"tenant"`
	AggregateType string      `json:"aggregate_type,omitempty"`
	Version       int64       `json:"version"`
	Events        []EventView `json:"events"`

	// Hash fingerprints the event types and payloads, so streams can be
	// compared across databases.
	Hash string `json:"hash"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <stream>",
		Short: "Print the events of a stream",
		Long: `Print a persisted event stream and its events in version order.

The database defaults to MARTEN_DATABASE and the tenant to MARTEN_TENANT.

Example:
  marten events --db ./marten.db order-42
  marten events --db ./marten.db --tenant acme order-42 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant of the stream")

	return cmd
}

func runEvents(opts *EventsOptions, streamID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	path := opts.Database
	if path == "" {
		path = opts.Config.Database
	}
	tenant := opts.Tenant
	if tenant == "" {
		tenant = opts.Config.Tenant
	}

	// Opening a missing file would create an empty database.
	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", path), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := openStore(opts.RootOptions, path)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	stream, err := st.FetchStream(cmd.Context(), ir.TenantID(tenant), ir.StringKey(streamID))
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("stream %s not found for tenant %s", streamID, tenant), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("stream %s not found", streamID))
	}
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read stream", err)
	}

	view, err := newStreamView(stream, tenant)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to hash stream", err)
	}
	return formatter.Success(view, formatStream(view))
}

func newStreamView(stream *ir.EventStream, tenant string) (StreamView, error) {
	hash, err := ir.StreamHash(stream)
	if err != nil {
		return StreamView{}, err
	}
	view := StreamView{
		Stream:        stream.Key.String(),
		Tenant:        tenant,
		AggregateType: stream.AggregateType,
		Version:       stream.Version,
		Events:        make([]EventView, 0, len(stream.Events)),
		Hash:          hash,
	}
	for _, e := range stream.Events {
		data, _ := e.Data.(json.RawMessage)
		view.Events = append(view.Events, EventView{
			Version:   e.Version,
			Sequence:  e.Sequence,
			ID:        e.ID,
			Type:      e.Type,
			Timestamp: e.Timestamp,
			Data:      data,
		})
	}
	return view, nil
}

func formatStream(view StreamView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "stream %s", view.Stream)
	if view.AggregateType != "" {
		fmt.Fprintf(&b, " (%s)", view.AggregateType)
	}
	fmt.Fprintf(&b, " version %d hash %.12s", view.Version, view.Hash)
	for _, e := range view.Events {
		fmt.Fprintf(&b, "\n  v%d %s %s %s", e.Version, e.Timestamp.Format(time.RFC3339), e.Type, e.Data)
	}
	return b.String()
}
