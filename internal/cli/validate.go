package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/policy"
)

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	EntityType string `json:"entity_type,omitempty"`
	Field      string `json:"field"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Line       int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Source string            `json:"source"`
	Types  []string          `json:"types,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [policy-file]",
		Short: "Validate the device config and conflict policies",
		Long: `Validate the device config and the CUE conflict policies it names.

The policy file argument overrides policy_file from the config. Without
either, the built-in tournament policy is checked. Performs schema checks
and the semantic checks the schema cannot express (undeclared phase
states, guards nobody may pass).`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return outputValidateError(formatter, ErrCodeConfig, err.Error(), nil)
	}
	if path == "" {
		path = cfg.PolicyFile
	}
	source := path
	if source == "" {
		source = "built-in tournament policy"
	}
	formatter.VerboseLog("Validating %s", source)

	set, err := compilePolicies(path)
	if err != nil {
		if issue, ok := policyIssue(err); ok {
			return outputValidationErrors(formatter, source, []ValidationIssue{issue})
		}
		return outputValidateError(formatter, ErrCodePolicy, err.Error(), nil)
	}

	return outputValidateSuccess(formatter, source, set.Types())
}

// policyIssue converts a compile or semantic policy error into an issue.
// It reports false for errors about the file itself, such as a missing file.
func policyIssue(err error) (ValidationIssue, bool) {
	var (
		cErr *policy.CompileError
		vErr policy.ValidationError
	)
	switch {
	case errors.As(err, &cErr):
		issue := ValidationIssue{Field: cErr.Field, Message: cErr.Message, Code: ErrCodePolicy}
		if cErr.Pos.IsValid() {
			issue.Line = cErr.Pos.Line()
		}
		return issue, true
	case errors.As(err, &vErr):
		return ValidationIssue{
			EntityType: vErr.EntityType,
			Field:      vErr.Field,
			Message:    vErr.Message,
			Code:       vErr.Code,
		}, true
	default:
		return ValidationIssue{}, false
	}
}

// compilePolicies compiles a policy file, or the built-in policy for an
// empty path.
func compilePolicies(path string) (*policy.Set, error) {
	if path == "" {
		return policy.Default()
	}
	return policy.Load(path)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, source string, types []string) error {
	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true, Source: source, Types: types})
	}

	fmt.Fprintf(formatter.Writer, "✓ Config and policies valid (%d entity types)\n", len(types))
	return nil
}

// outputValidateError outputs a single command-level error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Unreadable inputs are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, source string, issues []ValidationIssue) error {
	if formatter.JSON() {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Source: source, Errors: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		where := issue.Field
		if issue.EntityType != "" {
			where = issue.EntityType + "." + issue.Field
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", issue.Code, where, issue.Message)
	}

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
