package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bengreenier/aic-gn/internal/pipeline"
	"github.com/bengreenier/aic-gn/internal/rename"
)

func (c *rootCommand) renameCmd() *cobra.Command {
	var (
		prefix string
		jobs   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "rename <input.a> <output.a>",
		Short: "Rewrite runtime symbols and write a renamed copy of an archive",
		Long: `Rename parses a static library archive, prefixes every Rust runtime
symbol found in its object members, and writes a link-compatible archive
with updated symbol indexes. The input archive is never modified.

When native rewriting is unavailable the input is copied to the output
verbatim and the command exits with status 2, the signal for build
systems to fall back to permissive duplicate-symbol linker flags.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := rename.NewTable(prefix, rename.RuntimeSymbols)
			if err != nil {
				return err
			}
			p := &pipeline.Pipeline{
				Fs:     c.fs,
				Logger: c.logger,
				Table:  tbl,
				Jobs:   jobs,
			}
			res, err := p.Run(args[0], args[1])
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printRenameSummary(cmd, res, args[1])
			}

			if res.Outcome == pipeline.OutcomeFallbackRequired {
				return ExitCode{
					error: errors.New("native rewriting unavailable, archive copied verbatim"),
					Code:  exitFallback,
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&prefix, "prefix", rename.DefaultPrefix, "prefix prepended to each runtime symbol")
	flags.IntVar(&jobs, "jobs", 0, "parallel member rewrites (0 uses all CPUs)")
	flags.BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printRenameSummary(cmd *cobra.Command, res *pipeline.Result, dst string) {
	out := cmd.OutOrStdout()
	if res.Outcome == pipeline.OutcomeFallbackRequired {
		fmt.Fprintf(out, "%s copied archive verbatim to %s\n", color.YellowString("fallback:"), dst)
		return
	}

	rewritten := 0
	for _, m := range res.Members {
		if m.Occurrences > 0 {
			rewritten++
		}
	}
	fmt.Fprintf(out, "%s renamed %d symbol occurrence(s) in %d of %d member(s)\n",
		color.GreenString("ok:"), res.Occurrences, rewritten, len(res.Members))
	fmt.Fprintf(out, "wrote %s\n", dst)
}
