package cli

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/journeyman32/marten/internal/depgraph"
	"github.com/journeyman32/marten/internal/ir"
)

// OrderResult is the commit order implied by a set of mappings.
type OrderResult struct {
	// Insert lists related types referenced-first; Delete is its reverse.
	Insert []ir.TypeID `json:"insert"`
	Delete []ir.TypeID `json:"delete"`

	// Unordered types take part in no relationship and keep recording order.
	Unordered []ir.TypeID `json:"unordered,omitempty"`
}

// NewOrderCommand creates the order command.
func NewOrderCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order <schema-dir>",
		Short: "Print the insert and delete order of document types",
		Long: `Print the order in which a commit writes each document type.

Inserts and updates run referenced types first. Deletes run in the
reverse order, ahead of every other operation. Types that neither
reference nor are referenced by another type are listed as unordered.

Example:
  marten order ./schema
  marten order ./schema --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrder(rootOpts, args[0], cmd)
		},
	}
}

func runOrder(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loaded, loadErrs := LoadSchema(dir)
	if loaded == nil || len(loadErrs) > 0 {
		return reportLoadError(formatter, loadErrs)
	}
	if errs := loaded.Registry.Validate(); len(errs) > 0 {
		_ = formatter.Error(errs[0].Code, errs[0].Message, errs)
		return NewExitError(ExitFailure, fmt.Sprintf("mappings invalid: %d error(s), run validate for details", len(errs)))
	}

	var names []ir.TypeID
	for _, dt := range loaded.Registry.Types() {
		names = append(names, dt.Name)
	}

	orderer, err := depgraph.NewOrderer(loaded.Registry, names)
	var cycleErr *ir.CycleError
	if errors.As(err, &cycleErr) {
		_ = formatter.Error(ErrCodeCycle, err.Error(), cycleErr.Types)
		return WrapExitError(ExitFailure, "no commit order", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "order types", err)
	}

	result := OrderResult{Insert: orderer.Order()}
	result.Delete = slices.Clone(result.Insert)
	slices.Reverse(result.Delete)
	for _, name := range names {
		if orderer.Rank(name) == 0 {
			result.Unordered = append(result.Unordered, name)
		}
	}
	slices.Sort(result.Unordered)

	return formatter.Success(result, formatOrder(result))
}

func formatOrder(result OrderResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "insert: %s\n", joinTypes(result.Insert, ", "))
	fmt.Fprintf(&b, "delete: %s", joinTypes(result.Delete, ", "))
	if len(result.Unordered) > 0 {
		fmt.Fprintf(&b, "\nunordered: %s", joinTypes(result.Unordered, ", "))
	}
	return b.String()
}
