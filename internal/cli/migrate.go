package cli

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/journeyman32/marten/internal/schema"
	"github.com/journeyman32/marten/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
}

// MigrateResult lists the document tables a migration ensured.
type MigrateResult struct {
	Database string   `json:"database"`
	Tables   []string `json:"tables"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate <schema-dir>",
		Short: "Create document tables for the mappings",
		Long: `Create the SQLite database and the document tables of every mapping.

Tables that already exist are left untouched. The database defaults to
MARTEN_DATABASE when --db is not given.

Example:
  marten migrate --db ./marten.db ./schema`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")

	return cmd
}

func runMigrate(opts *MigrateOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loaded, loadErrs := LoadSchema(dir)
	if loaded == nil || len(loadErrs) > 0 {
		return reportLoadError(formatter, loadErrs)
	}
	if errs := loaded.Registry.Validate(); len(errs) > 0 {
		_ = formatter.Error(errs[0].Code, errs[0].Message, errs)
		return NewExitError(ExitFailure, fmt.Sprintf("mappings invalid: %d error(s), run validate for details", len(errs)))
	}

	path := opts.Database
	if path == "" {
		path = opts.Config.Database
	}

	st, err := openStore(opts.RootOptions, path)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if err := st.Migrate(cmd.Context(), loaded.Registry); err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to migrate database", err)
	}

	result := MigrateResult{Database: path, Tables: documentTables(loaded.Registry)}
	return formatter.Success(result, fmt.Sprintf("✓ Migrated %s: %s", path, strings.Join(result.Tables, ", ")))
}

func openStore(opts *RootOptions, path string) (*store.Store, error) {
	return store.Open(path,
		store.WithBusyRetries(opts.Config.BusyRetries),
		store.WithLogger(slog.Default()),
	)
}

// documentTables returns the distinct tables of the registered types.
func documentTables(reg *schema.Registry) []string {
	var tables []string
	for _, dt := range reg.Types() {
		if table := reg.TableFor(dt.Name); !slices.Contains(tables, table) {
			tables = append(tables, table)
		}
	}
	slices.Sort(tables)
	return tables
}
