package objfile

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bengreenier/aic-gn/internal/rename"
)

const coffSymbolLen = 18

// coffPatch records one symbol record to rename.
type coffPatch struct {
	recPos  uint64
	newName string
}

// rewriteCOFF renames matching records of the COFF symbol table. Names that
// fit the 8-byte inline field are written in place; longer ones are
// appended to the string table, which grows by appending only, so offsets
// held by untouched records stay valid.
//
// The string table must be the last thing in the object. Members carrying
// trailing data after it are refused rather than guessed at.
func rewriteCOFF(data []byte, tbl *rename.Table) (*Result, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("%w: truncated COFF header", ErrUnsupportedLayout)
	}
	machine := binary.LittleEndian.Uint16(data)
	dec := rename.DecorationNone
	if machine == coffMachineI386 {
		dec = rename.DecorationUnderscore
	}

	symPtr := uint64(binary.LittleEndian.Uint32(data[8:]))
	nsyms := uint64(binary.LittleEndian.Uint32(data[12:]))
	applied := make(map[string]string)
	if symPtr == 0 || nsyms == 0 {
		return &Result{Data: data, Applied: applied}, nil
	}

	fileEnd := uint64(len(data))
	if nsyms > fileEnd/coffSymbolLen || symPtr > fileEnd-nsyms*coffSymbolLen {
		return nil, fmt.Errorf("%w: symbol table outside file", ErrUnsupportedLayout)
	}
	strStart := symPtr + nsyms*coffSymbolLen

	// The string table, when present, begins right after the symbol table
	// with a size field that counts itself.
	var strtab []byte
	switch {
	case strStart == fileEnd:
	case strStart+4 <= fileEnd:
		strSize := uint64(binary.LittleEndian.Uint32(data[strStart:]))
		if strSize < 4 {
			return nil, fmt.Errorf("%w: string table size %d", ErrUnsupportedLayout, strSize)
		}
		if strStart+strSize != fileEnd {
			return nil, fmt.Errorf("%w: %d bytes of trailing data after string table", ErrUnsupportedLayout, fileEnd-strStart-strSize)
		}
		strtab = data[strStart:fileEnd]
	default:
		return nil, fmt.Errorf("%w: truncated string table", ErrUnsupportedLayout)
	}

	var patches []coffPatch
	for i := uint64(0); i < nsyms; {
		recPos := symPtr + i*coffSymbolLen
		rec := data[recPos : recPos+coffSymbolLen]
		naux := uint64(rec[17])

		var name string
		if rec[0] == 0 && rec[1] == 0 && rec[2] == 0 && rec[3] == 0 {
			off := uint64(binary.LittleEndian.Uint32(rec[4:8]))
			if strtab == nil || off < 4 {
				return nil, fmt.Errorf("%w: symbol %d has string table offset %d", ErrUnsupportedLayout, i, off)
			}
			var err error
			name, err = cstringAt(strtab, off)
			if err != nil {
				return nil, fmt.Errorf("%w: symbol %d: %v", ErrUnsupportedLayout, i, err)
			}
		} else {
			// Inline names are NUL-padded but an 8-byte name has no
			// terminator at all.
			end := coffNameLen(rec[:8])
			name = string(rec[:end])
		}

		if newName, ok := tbl.Lookup(name, dec); ok {
			patches = append(patches, coffPatch{recPos: recPos, newName: newName})
			applied[name] = newName
		}

		i += 1 + naux
		if i > nsyms {
			return nil, fmt.Errorf("%w: aux records overrun symbol table", ErrUnsupportedLayout)
		}
	}

	if len(patches) == 0 {
		return &Result{Data: data, Applied: applied}, nil
	}

	var b *strtabBuilder
	if strtab != nil {
		b = newStrtabBuilder(strtab)
	} else {
		b = newStrtabBuilder(make([]byte, 4))
	}

	out := append([]byte(nil), data[:strStart]...)
	for _, p := range patches {
		rec := out[p.recPos : p.recPos+coffSymbolLen]
		if len(p.newName) <= 8 {
			for k := 0; k < 8; k++ {
				rec[k] = 0
			}
			copy(rec[:8], p.newName)
			continue
		}
		off := b.add(p.newName)
		if off > math.MaxUint32 {
			return nil, fmt.Errorf("%w: extended string table exceeds 32-bit offsets", ErrUnsupportedLayout)
		}
		rec[0], rec[1], rec[2], rec[3] = 0, 0, 0, 0
		binary.LittleEndian.PutUint32(rec[4:8], uint32(off))
	}

	newStrtab := b.bytes()
	if uint64(len(newStrtab)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: extended string table exceeds 32-bit size field", ErrUnsupportedLayout)
	}
	binary.LittleEndian.PutUint32(newStrtab[0:4], uint32(len(newStrtab)))
	out = append(out, newStrtab...)

	return &Result{Data: out, Occurrences: len(patches), Applied: applied}, nil
}

func coffNameLen(field []byte) int {
	for i, b := range field {
		if b == 0 {
			return i
		}
	}
	return len(field)
}
