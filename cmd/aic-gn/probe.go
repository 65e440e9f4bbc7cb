package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bengreenier/aic-gn/internal/pipeline"
)

type probeReport struct {
	Capability pipeline.Capability `json:"capability"`
	Formats    map[string]bool     `json:"formats"`
}

func (c *rootCommand) probeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report whether native symbol rewriting is available",
		Long: `Probe reports the rewriting capability of this build per object format.
It exits with status 2 when rewriting is unavailable, mirroring what a
rename run would do.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prober := pipeline.NativeProber{}
			report := probeReport{
				Capability: prober.Probe(),
				Formats:    prober.Formats(),
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "capability: %s\n", report.Capability)
				names := make([]string, 0, len(report.Formats))
				for name := range report.Formats {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					state := "yes"
					if !report.Formats[name] {
						state = "no"
					}
					fmt.Fprintf(out, "  %-6s %s\n", name, state)
				}
			}

			if report.Capability != pipeline.Capable {
				return ExitCode{error: errors.New("native rewriting unavailable"), Code: exitFallback}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
