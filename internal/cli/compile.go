package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/policy"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled policies.
type CompilationResult struct {
	Source   string           `json:"source"`
	Policies []*policy.Policy `json:"policies"`
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	TypeCount     int
	GuardCount    int
	MachineCount  int
	PriorityCount int
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [policy-file]",
		Short: "Compile CUE conflict policies to JSON",
		Long: `Compile a CUE conflict policy file to the policy set the engine uses,
and print it. Without a file the built-in tournament policy is compiled.

The compiler unifies the file with the policy schema, so type errors are
reported with their CUE position.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runCompile(opts, path, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	source := path
	if source == "" {
		source = "built-in"
	}

	set, err := compilePolicies(path)
	if err != nil {
		code := ErrCodePolicy
		if issue, ok := policyIssue(err); ok {
			code = issue.Code
		}
		return outputCompileError(formatter, code, err.Error(), nil)
	}

	result := &CompilationResult{Source: source}
	for _, typ := range set.Types() {
		p := set.For(typ)
		formatter.VerboseLog("Compiled policy: %s", typ)
		result.Policies = append(result.Policies, p)
	}
	stats := calculateStats(result)

	// Write to file if --output specified
	if opts.Output != "" {
		if err := writePoliciesToFile(result, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return outputCompileSuccess(formatter, result, stats, opts.Output)
}

// calculateStats computes summary statistics from compilation result.
func calculateStats(result *CompilationResult) CompilationStats {
	stats := CompilationStats{TypeCount: len(result.Policies)}
	for _, p := range result.Policies {
		stats.GuardCount += len(p.Guards)
		stats.PriorityCount += len(p.Priority)
		if p.Phase != nil {
			stats.MachineCount++
		}
	}
	return stats
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, stats CompilationStats, outputFile string) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	// Human-readable text output
	fmt.Fprintf(formatter.Writer, "✓ Compiled %d entity type(s), %d guard(s), %d phase machine(s)\n\n",
		stats.TypeCount, stats.GuardCount, stats.MachineCount)

	fmt.Fprintln(formatter.Writer, "Policies:")
	for _, p := range result.Policies {
		fmt.Fprintf(formatter.Writer, "  %s: %s, default %s, %d field strateg%s\n",
			p.EntityType, p.Criticality, p.DefaultStrategy, len(p.Fields), plural(len(p.Fields), "y", "ies"))
		for _, g := range p.Guards {
			fmt.Fprintf(formatter.Writer, "    guard %s %v: %v\n", g.Field, g.Values, g.Roles)
		}
		if p.Phase != nil {
			fmt.Fprintf(formatter.Writer, "    phase %s: %v\n", p.Phase.Field, p.Phase.States)
		}
	}
	fmt.Fprintln(formatter.Writer)

	if outputFile != "" {
		fmt.Fprintf(formatter.Writer, "Wrote policies to %s\n", outputFile)
	}

	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// outputCompileError outputs a single compilation error.
func outputCompileError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Compilation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// writePoliciesToFile writes the compiled set as indented JSON.
func writePoliciesToFile(result *CompilationResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling policies: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
