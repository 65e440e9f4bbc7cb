// Package rename defines the runtime symbol rename table and its matching rules.
package rename

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPrefix   = errors.New("rename: empty prefix")
	ErrEmptyTable    = errors.New("rename: empty symbol list")
	ErrDuplicateName = errors.New("rename: duplicate symbol name")
	ErrNameCollision = errors.New("rename: replacement collides with another table entry")
)

// DebugRefPrefix marks symbols that reference another symbol's unwind
// metadata. GCC emits one per personality routine reference, e.g.
// "DW.ref.rust_eh_personality" for "rust_eh_personality".
const DebugRefPrefix = "DW.ref."

// DefaultPrefix is the prefix applied to the runtime symbols shipped in the
// aic SDK static libraries.
const DefaultPrefix = "aic_"

// RuntimeSymbols are the Rust runtime symbols that collide when a host
// application links its own Rust runtime next to the SDK's.
var RuntimeSymbols = []string{
	"rust_eh_personality",
	"rust_begin_unwind",
	"rust_panic",
	"rust_oom",
	"__rust_alloc",
	"__rust_dealloc",
	"__rust_realloc",
	"__rust_alloc_zeroed",
	"__rust_alloc_error_handler",
}

// Decoration describes how an object format stores C-ABI symbol names.
type Decoration int

const (
	// DecorationNone stores names as declared (ELF, COFF on x64/arm64).
	DecorationNone Decoration = iota
	// DecorationUnderscore prepends one underscore to every C symbol
	// (Mach-O on all architectures, COFF on 386).
	DecorationUnderscore
)

func (d Decoration) String() string {
	switch d {
	case DecorationNone:
		return "none"
	case DecorationUnderscore:
		return "underscore"
	default:
		return fmt.Sprintf("Decoration(%d)", int(d))
	}
}

// Pair is one table entry in declaration order.
type Pair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Table maps original symbol names to their replacements. Matching is exact:
// a name matches only when it equals a table key in full, or carries the
// DW.ref. debug-reference prefix around a table key. Substrings never match.
type Table struct {
	prefix string
	pairs  []Pair
	repl   map[string]string
}

// NewTable builds a table that maps every name to prefix+name. It rejects
// empty inputs, duplicate names, and replacement names that collide with
// another entry (a replacement equal to a different key would swallow that
// key's own rename on a second pass over the same file).
func NewTable(prefix string, names []string) (*Table, error) {
	if prefix == "" {
		return nil, ErrEmptyPrefix
	}
	if len(names) == 0 {
		return nil, ErrEmptyTable
	}

	t := &Table{
		prefix: prefix,
		repl:   make(map[string]string, len(names)),
	}
	seen := make(map[string]struct{}, 2*len(names))
	for _, name := range names {
		if name == "" {
			return nil, errors.New("rename: empty symbol name")
		}
		if _, dup := t.repl[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		t.repl[name] = prefix + name
		t.pairs = append(t.pairs, Pair{Old: name, New: prefix + name})
		seen[name] = struct{}{}
	}
	for _, p := range t.pairs {
		if _, clash := t.repl[p.New]; clash {
			return nil, fmt.Errorf("%w: %q", ErrNameCollision, p.New)
		}
		if _, clash := seen[p.New]; clash {
			return nil, fmt.Errorf("%w: %q", ErrNameCollision, p.New)
		}
		seen[p.New] = struct{}{}
	}
	return t, nil
}

// Default returns the fixed aic SDK table: the nine Rust runtime symbols
// prefixed with "aic_".
func Default() *Table {
	t, err := NewTable(DefaultPrefix, RuntimeSymbols)
	if err != nil {
		panic(err) // the built-in table is statically valid
	}
	return t
}

// Prefix returns the replacement prefix.
func (t *Table) Prefix() string { return t.prefix }

// Pairs returns the table entries in declaration order.
func (t *Table) Pairs() []Pair {
	out := make([]Pair, len(t.pairs))
	copy(out, t.pairs)
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.pairs) }

// Lookup resolves the replacement for a stored symbol name, or ok=false when
// the name must stay untouched.
//
// With DecorationNone the stored name is matched as-is. With
// DecorationUnderscore exactly one leading underscore is stripped before
// matching and restored afterwards; undecorated names never match in that
// mode, since a stored "__rust_alloc" in a Mach-O file is the C symbol
// "_rust_alloc", not the table's "__rust_alloc".
//
// In both modes a name of the form DW.ref.<key> maps to DW.ref.<renamed key>,
// preserving the link between unwind metadata and the routine it references.
func (t *Table) Lookup(stored string, dec Decoration) (string, bool) {
	name := stored
	deco := ""
	if dec == DecorationUnderscore {
		if !strings.HasPrefix(stored, "_") {
			return "", false
		}
		name = stored[1:]
		deco = "_"
	}

	if repl, ok := t.repl[name]; ok {
		return deco + repl, true
	}
	if inner, ok := strings.CutPrefix(name, DebugRefPrefix); ok {
		if repl, ok := t.repl[inner]; ok {
			return deco + DebugRefPrefix + repl, true
		}
	}
	return "", false
}
