package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"github.com/bengreenier/aic-gn/internal/ar"
	"github.com/bengreenier/aic-gn/internal/objfile"
	"github.com/bengreenier/aic-gn/internal/rename"
)

type inspectSymbol struct {
	Name      string `json:"name"`
	Undefined bool   `json:"undefined,omitempty"`
}

type inspectMember struct {
	Name     string          `json:"name"`
	Size     int64           `json:"size"`
	Format   string          `json:"format"`
	Hits     int             `json:"hits"`
	Metadata bool            `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
	Symbols  []inspectSymbol `json:"symbols,omitempty"`
}

type inspectReport struct {
	Archive string          `json:"archive"`
	Members []inspectMember `json:"members"`
	Hits    int             `json:"hits"`
}

func (c *rootCommand) inspectCmd() *cobra.Command {
	var (
		showSymbols bool
		graphPath   string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <archive>",
		Short: "List archive members and the runtime symbols they carry",
		Long: `Inspect parses an archive without modifying it and reports, per member,
the detected object format and how many runtime symbol table entries a
rename would touch. With --graph it also writes a DOT graph connecting
defining members, runtime symbols, and referencing members, which makes
duplicate-symbol collisions between two Rust archives visible.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := afero.ReadFile(c.fs, args[0])
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}
			archive, err := ar.Parse(data)
			if err != nil {
				return err
			}

			report, graph := buildInspectReport(args[0], archive, showSymbols || asJSON)

			if graphPath != "" {
				dot := render.DOT(graph, "runtime_symbols")
				if err := afero.WriteFile(c.fs, graphPath, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("write graph: %w", err)
				}
				c.logger.WithField("path", graphPath).Info("wrote runtime symbol graph")
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printInspectReport(cmd, report, showSymbols)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&showSymbols, "symbols", false, "list the symbols of each object member")
	flags.StringVar(&graphPath, "graph", "", "write a member/runtime-symbol DOT graph to this path")
	flags.BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// buildInspectReport walks the archive members, counting the symbol table
// entries a rename would rewrite. Defined runtime symbols become
// member->symbol graph edges, references become symbol->member edges, so a
// path a.o -> __rust_alloc -> b.o reads "a.o defines __rust_alloc, b.o
// references it".
func buildInspectReport(path string, archive *ar.Archive, withSymbols bool) (*inspectReport, *lattice.Graph) {
	tbl := rename.Default()
	report := &inspectReport{Archive: path}
	graph := &lattice.Graph{}

	for _, m := range archive.Members {
		info := inspectMember{Name: m.Name, Size: m.Size()}
		if m.IsMetadata() {
			info.Format = m.Kind.String()
			info.Metadata = true
			report.Members = append(report.Members, info)
			continue
		}

		format := objfile.Detect(m.Data)
		info.Format = format.String()
		if !objfile.CanRewrite(format) {
			report.Members = append(report.Members, info)
			continue
		}
		graph.Nodes = append(graph.Nodes, m.Name)

		res, err := objfile.Rewrite(m.Data, tbl)
		if err != nil {
			info.Error = err.Error()
			report.Members = append(report.Members, info)
			continue
		}
		info.Hits = res.Occurrences
		report.Hits += res.Occurrences

		if syms, err := objfile.ListSymbols(m.Data); err == nil {
			undefined := make(map[string]bool, len(syms))
			for _, s := range syms {
				undefined[s.Name] = s.Undefined
				if withSymbols {
					info.Symbols = append(info.Symbols, inspectSymbol{Name: s.Name, Undefined: s.Undefined})
				}
			}
			for old := range res.Applied {
				key := runtimeKey(tbl, old)
				if undefined[old] {
					graph.Edges = append(graph.Edges, lattice.Edge{Caller: key, Callee: m.Name})
				} else {
					graph.Edges = append(graph.Edges, lattice.Edge{Caller: m.Name, Callee: key})
				}
			}
		}
		report.Members = append(report.Members, info)
	}

	graph.Dedup()
	return report, graph
}

// runtimeKey maps a stored symbol name back to its undecorated table key.
func runtimeKey(tbl *rename.Table, stored string) string {
	name := strings.TrimPrefix(stored, rename.DebugRefPrefix)
	if _, ok := tbl.Lookup(name, rename.DecorationNone); ok {
		return name
	}
	if strings.HasPrefix(name, "_") {
		if _, ok := tbl.Lookup(name, rename.DecorationUnderscore); ok {
			return name[1:]
		}
	}
	return name
}

func printInspectReport(cmd *cobra.Command, r *inspectReport, showSymbols bool) {
	out := cmd.OutOrStdout()
	width := len("member")
	for _, m := range r.Members {
		if len(m.Name) > width {
			width = len(m.Name)
		}
	}

	fmt.Fprintf(out, "%-*s %10s  %-14s %s\n", width, "member", "size", "format", "hits")
	for _, m := range r.Members {
		hits := "-"
		if !m.Metadata && m.Error == "" {
			hits = strconv.Itoa(m.Hits)
		}
		fmt.Fprintf(out, "%-*s %10d  %-14s %s\n", width, m.Name, m.Size, m.Format, hits)
		if m.Error != "" {
			fmt.Fprintf(out, "%-*s %s\n", width, "", color.RedString("error: %s", m.Error))
		}
		if showSymbols {
			for _, s := range m.Symbols {
				letter := "T"
				if s.Undefined {
					letter = "U"
				}
				fmt.Fprintf(out, "    %s %s\n", letter, s.Name)
			}
		}
	}
	fmt.Fprintf(out, "%d member(s), %d runtime symbol hit(s)\n", len(r.Members), r.Hits)
}
