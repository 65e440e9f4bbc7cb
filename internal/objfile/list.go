package objfile

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
)

// Symbol is one symbol table entry as reported by inspection.
type Symbol struct {
	Name      string
	Undefined bool
}

// ListSymbols reads the symbol table of an object using the standard debug
// parsers. It never modifies anything; rewriting goes through Rewrite,
// which works on raw bytes instead so it can relocate string tables the
// debug packages only expose read-only.
func ListSymbols(data []byte) ([]Symbol, error) {
	r := bytes.NewReader(data)
	switch Detect(data) {
	case FormatELF:
		f, err := elf.NewFile(r)
		if err != nil {
			return nil, fmt.Errorf("objfile: %w", err)
		}
		syms, err := f.Symbols()
		if err != nil {
			if errors.Is(err, elf.ErrNoSymbols) {
				return nil, nil
			}
			return nil, fmt.Errorf("objfile: %w", err)
		}
		out := make([]Symbol, 0, len(syms))
		for _, s := range syms {
			out = append(out, Symbol{Name: s.Name, Undefined: s.Section == elf.SHN_UNDEF})
		}
		return out, nil

	case FormatCOFF:
		f, err := pe.NewFile(r)
		if err != nil {
			return nil, fmt.Errorf("objfile: %w", err)
		}
		defer f.Close()
		var out []Symbol
		for i := 0; i < len(f.COFFSymbols); {
			s := f.COFFSymbols[i]
			name, err := s.FullName(f.StringTable)
			if err != nil {
				return nil, fmt.Errorf("objfile: symbol %d: %w", i, err)
			}
			out = append(out, Symbol{Name: name, Undefined: s.SectionNumber == 0})
			i += 1 + int(s.NumberOfAuxSymbols)
		}
		return out, nil

	case FormatMachO:
		f, err := macho.NewFile(r)
		if err != nil {
			return nil, fmt.Errorf("objfile: %w", err)
		}
		defer f.Close()
		if f.Symtab == nil {
			return nil, nil
		}
		out := make([]Symbol, 0, len(f.Symtab.Syms))
		for _, s := range f.Symtab.Syms {
			out = append(out, Symbol{Name: s.Name, Undefined: s.Type&0x0e == 0})
		}
		return out, nil

	default:
		return nil, ErrUnknownFormat
	}
}
