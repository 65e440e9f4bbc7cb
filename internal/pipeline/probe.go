package pipeline

import (
	"github.com/bengreenier/aic-gn/internal/objfile"
)

// Capability is the outcome of an environment probe.
type Capability string

const (
	// Capable means native rewriting can run.
	Capable Capability = "capable"
	// Incapable means the pipeline must fall back to a verbatim copy.
	Incapable Capability = "incapable"
)

// Prober reports whether the environment can rewrite objects natively. The
// result is consulted once per pipeline run and never cached across runs.
type Prober interface {
	Probe() Capability
}

// rewriteFormats are the object formats a renaming run must handle.
var rewriteFormats = []objfile.Format{
	objfile.FormatELF,
	objfile.FormatCOFF,
	objfile.FormatMachO,
}

// NativeProber checks that a rewriter is registered for every supported
// object format. The codecs are compiled in, so this normally reports
// Capable; it exists so the fallback path stays a first-class, tested
// outcome rather than dead code.
type NativeProber struct{}

// Probe implements Prober.
func (NativeProber) Probe() Capability {
	for _, f := range rewriteFormats {
		if !objfile.CanRewrite(f) {
			return Incapable
		}
	}
	return Capable
}

// Formats reports per-format rewrite availability, for capability reports.
func (NativeProber) Formats() map[string]bool {
	out := make(map[string]bool, len(rewriteFormats))
	for _, f := range rewriteFormats {
		out[f.String()] = objfile.CanRewrite(f)
	}
	return out
}

// StaticProber always reports a fixed capability.
type StaticProber struct {
	Result Capability
}

// Probe implements Prober.
func (p StaticProber) Probe() Capability { return p.Result }
