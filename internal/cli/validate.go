package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/journeyman32/marten/internal/depgraph"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                     `json:"valid"`
	Types  int                      `json:"types"`
	Errors []schema.ValidationError `json:"errors,omitempty"`
	Cycles [][]ir.TypeID            `json:"cycles,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate document mappings",
		Long: `Validate the CUE document mappings in a directory.

Compiles every document mapping, checks parents, references and SQL
identifiers, and reports reference cycles between types. Cycles are
reported only once the mappings themselves are valid.

Exit codes:
  0 - Mappings valid
  1 - Mapping errors or cycles found
  2 - Directory could not be loaded`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	loaded, loadErrs := LoadSchema(dir)
	if loaded == nil {
		return reportLoadError(formatter, loadErrs)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)

	result := ValidationResult{Types: len(loaded.Types)}
	for _, err := range loadErrs {
		result.Errors = append(result.Errors, loadValidationError(err))
	}
	result.Errors = append(result.Errors, loaded.Registry.Validate()...)

	if len(result.Errors) == 0 {
		result.Cycles = depgraph.BuildAll(loaded.Registry).Cycles()
	}
	result.Valid = len(result.Errors) == 0 && len(result.Cycles) == 0

	if result.Valid {
		return formatter.Success(result, fmt.Sprintf("✓ Schema valid (%d document types)", result.Types))
	}
	return outputValidationFailure(formatter, result)
}

func outputValidationFailure(formatter *OutputFormatter, result ValidationResult) error {
	failures := len(result.Errors) + len(result.Cycles)
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", failures))

	if formatter.Format == "json" {
		code, message := ErrCodeCycle, "reference cycle"
		if len(result.Errors) > 0 {
			code, message = result.Errors[0].Code, result.Errors[0].Message
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(Response{
			Status: "error",
			Data:   result,
			Error:  &ResponseError{Code: code, Message: message},
		}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", err.Code, err.Field, err.Message)
	}
	for _, cycle := range result.Cycles {
		fmt.Fprintf(formatter.Writer, "  %s cycle: %s\n", ErrCodeCycle, joinTypes(cycle, " -> "))
	}
	return exitErr
}

// reportLoadError prints the first error of a schema directory that could
// not be loaded and returns a command error.
func reportLoadError(formatter *OutputFormatter, errs []error) error {
	code, message := ErrCodeGeneric, "schema could not be loaded"
	if len(errs) > 0 {
		message = errs[0].Error()
		var loadErr *LoadError
		if errors.As(errs[0], &loadErr) {
			code, message = loadErr.Code, loadErr.Message
		}
	}
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func loadValidationError(err error) schema.ValidationError {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return schema.ValidationError{Field: "load", Code: loadErr.Code, Message: loadErr.Error()}
	}
	return schema.ValidationError{Field: "load", Code: ErrCodeGeneric, Message: err.Error()}
}

func joinTypes(types []ir.TypeID, sep string) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, sep)
}
