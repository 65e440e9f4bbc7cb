// Package pipeline drives end-to-end archive renaming: probe capability,
// parse the source archive, rewrite object members in parallel, reassemble,
// and atomically write the destination. When the environment cannot rewrite
// natively it copies the source verbatim and signals FallbackRequired so a
// build system can switch to permissive duplicate-symbol linking.
package pipeline

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bengreenier/aic-gn/internal/ar"
	"github.com/bengreenier/aic-gn/internal/objfile"
	"github.com/bengreenier/aic-gn/internal/rename"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	// OutcomeRenamed means a rewritten archive was written.
	OutcomeRenamed Outcome = "renamed"
	// OutcomeFallbackRequired means the destination is a verbatim copy of
	// the source and the caller must apply fallback linker configuration.
	OutcomeFallbackRequired Outcome = "fallback-required"
)

// MemberReport describes what happened to one archive member.
type MemberReport struct {
	Name        string `json:"name"`
	Format      string `json:"format"`
	Size        int64  `json:"size"`
	Occurrences int    `json:"occurrences"`
	Metadata    bool   `json:"metadata,omitempty"`
}

// Result is the outcome of one pipeline run. Members appear in source
// archive order.
type Result struct {
	Outcome     Outcome        `json:"outcome"`
	Occurrences int            `json:"occurrences"`
	Members     []MemberReport `json:"members,omitempty"`
}

// Pipeline renames runtime symbols inside a static-library archive. The
// zero value is usable; fields left nil or zero fall back to the OS
// filesystem, the standard logger, the native prober, the default rename
// table, and one worker per CPU.
type Pipeline struct {
	Fs     afero.Fs
	Logger logrus.FieldLogger
	Prober Prober
	Table  *rename.Table
	Jobs   int
}

func (p *Pipeline) fs() afero.Fs {
	if p.Fs != nil {
		return p.Fs
	}
	return afero.NewOsFs()
}

func (p *Pipeline) logger() logrus.FieldLogger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger()
}

func (p *Pipeline) prober() Prober {
	if p.Prober != nil {
		return p.Prober
	}
	return NativeProber{}
}

func (p *Pipeline) table() *rename.Table {
	if p.Table != nil {
		return p.Table
	}
	return rename.Default()
}

func (p *Pipeline) jobs() int {
	if p.Jobs > 0 {
		return p.Jobs
	}
	return runtime.NumCPU()
}

// Run transforms the archive at src into dst. The source is never
// modified; the destination is written atomically, so no failure leaves a
// partial file there. A FallbackRequired outcome is not an error.
func (p *Pipeline) Run(src, dst string) (*Result, error) {
	fs := p.fs()
	log := p.logger()

	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read source archive: %w", err)
	}

	// Probed once per run; the environment may change between builds, so
	// the answer is never persisted.
	if c := p.prober().Probe(); c != Capable {
		log.WithFields(logrus.Fields{"source": src, "capability": string(c)}).
			Warn("native rewriting unavailable, copying archive verbatim")
		if err := writeAtomic(fs, dst, data); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeFallbackRequired}, nil
	}

	archive, err := ar.Parse(data)
	if err != nil {
		return nil, err
	}

	reports, renames, err := p.rewriteMembers(archive, log)
	if err != nil {
		return nil, err
	}

	out, err := archive.Serialize(renames)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(fs, dst, out); err != nil {
		return nil, err
	}

	res := &Result{Outcome: OutcomeRenamed, Members: reports}
	for _, r := range reports {
		res.Occurrences += r.Occurrences
	}
	if res.Occurrences == 0 {
		log.WithField("source", src).
			Warn("no runtime symbols found to rename; archive may already be renamed or is not the expected library")
	}
	log.WithFields(logrus.Fields{
		"source":      src,
		"destination": dst,
		"members":     len(reports),
		"occurrences": res.Occurrences,
	}).Info("archive rewritten")
	return res, nil
}

// rewriteMembers runs the object rewriter over every file member on a
// bounded worker pool. Each worker owns distinct member indices, so members
// mutate without locks; reports keep source order no matter which worker
// finishes first.
func (p *Pipeline) rewriteMembers(archive *ar.Archive, log logrus.FieldLogger) ([]MemberReport, map[string]string, error) {
	n := len(archive.Members)
	reports := make([]MemberReport, n)
	applied := make([]map[string]string, n)
	errs := make([]error, n)

	workers := p.jobs()
	if workers > n {
		workers = n
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	tbl := p.table()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				m := archive.Members[i]
				rep := MemberReport{Name: m.Name, Size: m.Size()}

				if m.IsMetadata() {
					rep.Format = m.Kind.String()
					rep.Metadata = true
					reports[i] = rep
					continue
				}

				format := objfile.Detect(m.Data)
				rep.Format = format.String()
				if format == objfile.FormatUnknown {
					log.WithField("member", m.Name).
						Debug("unrecognized member format, passing through")
					reports[i] = rep
					continue
				}

				res, err := objfile.Rewrite(m.Data, tbl)
				if err != nil {
					errs[i] = fmt.Errorf("pipeline: member %q: %w", m.Name, err)
					reports[i] = rep
					continue
				}
				m.Data = res.Data
				rep.Occurrences = res.Occurrences
				applied[i] = res.Applied
				reports[i] = rep
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	// One broken member fails the whole run; a selectively rewritten
	// archive must never reach the destination.
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}

	renames := make(map[string]string)
	for _, m := range applied {
		for old, repl := range m {
			renames[old] = repl
		}
	}
	return reports, renames, nil
}

// writeAtomic writes data to a temp file beside dst and renames it into
// place, so a crash mid-write never leaves a partial archive at dst.
func writeAtomic(fs afero.Fs, dst string, data []byte) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(dst), filepath.Base(dst)+".tmp")
	if err != nil {
		return fmt.Errorf("pipeline: create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(name)
		return fmt.Errorf("pipeline: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(name)
		return fmt.Errorf("pipeline: close %s: %w", name, err)
	}
	if err := fs.Chmod(name, 0o644); err != nil {
		fs.Remove(name)
		return fmt.Errorf("pipeline: chmod %s: %w", name, err)
	}
	if err := fs.Rename(name, dst); err != nil {
		fs.Remove(name)
		return fmt.Errorf("pipeline: rename %s to %s: %w", name, dst, err)
	}
	return nil
}
