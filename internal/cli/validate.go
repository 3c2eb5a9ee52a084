package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/harness"
)

// FileValidation is the validation outcome of one scenario file.
type FileValidation struct {
	File  string `json:"file"`
	Name  string `json:"name,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario-file-or-dir>",
		Short: "Validate scenarios without running them",
		Long: `Parse and validate scenario files without running them.

Checks required fields, assertion shapes, that the catalog exists and that
every step decodes into a known action with known arguments. Unknown
catalogs and action kinds get "did you mean" suggestions.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.Prepare(cmd.ErrOrStderr()); err != nil {
				return err
			}
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("path not found: %s", path))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to stat path", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = harness.FindScenarios(path, "")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		if len(files) == 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("no scenario files in %s", path))
		}
	}

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		fv := FileValidation{File: file, Valid: true}
		scenario, err := harness.LoadScenario(file)
		if err != nil {
			fv.Valid = false
			fv.Error = err.Error()
			result.Valid = false
		} else {
			fv.Name = scenario.Name
		}
		result.Files = append(result.Files, fv)
	}

	if opts.Format == "json" {
		var failed *CLIError
		if !result.Valid {
			failed = &CLIError{Code: ErrCodeInvalid, Message: "validation failed"}
		}
		if err := formatter.Respond(result, failed); err != nil {
			return err
		}
	} else {
		outputValidateText(cmd, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func outputValidateText(cmd *cobra.Command, result ValidationResult) {
	w := cmd.OutOrStdout()
	st := newStyles(w)

	invalid := 0
	for _, fv := range result.Files {
		if fv.Valid {
			fmt.Fprintf(w, "%s %s\n", st.pass.Render("OK"), fv.File)
			continue
		}
		invalid++
		fmt.Fprintf(w, "%s %s\n", st.fail.Render("INVALID"), fv.File)
		fmt.Fprintf(w, "  %s\n", fv.Error)
	}

	if invalid == 0 {
		fmt.Fprintf(w, "%s %d scenario(s) valid\n", st.pass.Render("\u2713"), len(result.Files))
		return
	}
	fmt.Fprintf(w, "%s %d of %d scenario(s) invalid\n", st.fail.Render("\u2717"), invalid, len(result.Files))
}
