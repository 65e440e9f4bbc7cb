package objfile

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bengreenier/aic-gn/internal/rename"
)

const lcSymtab = 0x2

// machoPatch records one nlist entry to retarget.
type machoPatch struct {
	strxPos uint64
	newName string
}

// rewriteMachO renames matching entries of the LC_SYMTAB symbol table.
// Mach-O stores C symbols with a leading underscore, so lookups use
// underscore decoration. When the string table is the last region of the
// file it is extended in place; otherwise the whole table is cloned,
// appended at the end, and the load command retargeted.
func rewriteMachO(data []byte, tbl *rename.Table) (*Result, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("%w: truncated Mach-O header", ErrUnsupportedLayout)
	}
	var bo binary.ByteOrder = binary.LittleEndian
	class32 := false
	switch binary.LittleEndian.Uint32(data) {
	case machoMagic64:
	case machoMagic32:
		class32 = true
	case machoCigam64:
		bo = binary.BigEndian
	case machoCigam32:
		bo = binary.BigEndian
		class32 = true
	default:
		return nil, fmt.Errorf("%w: not a Mach-O image", ErrUnsupportedLayout)
	}
	hdrLen := uint64(32)
	nlistLen := uint64(16)
	if class32 {
		hdrLen = 28
		nlistLen = 12
	}
	if uint64(len(data)) < hdrLen {
		return nil, fmt.Errorf("%w: truncated Mach-O header", ErrUnsupportedLayout)
	}

	ncmds := bo.Uint32(data[16:])
	sizeofcmds := uint64(bo.Uint32(data[20:]))
	cmdsEnd := hdrLen + sizeofcmds
	if cmdsEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: load commands outside file", ErrUnsupportedLayout)
	}

	symtabCmd := int64(-1)
	off := hdrLen
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > cmdsEnd {
			return nil, fmt.Errorf("%w: truncated load command %d", ErrUnsupportedLayout, i)
		}
		cmd := bo.Uint32(data[off:])
		cmdsize := uint64(bo.Uint32(data[off+4:]))
		if cmdsize < 8 || off+cmdsize > cmdsEnd {
			return nil, fmt.Errorf("%w: load command %d size %d", ErrUnsupportedLayout, i, cmdsize)
		}
		if cmd == lcSymtab {
			if symtabCmd >= 0 {
				return nil, fmt.Errorf("%w: multiple LC_SYMTAB commands", ErrUnsupportedLayout)
			}
			if cmdsize != 24 {
				return nil, fmt.Errorf("%w: LC_SYMTAB size %d", ErrUnsupportedLayout, cmdsize)
			}
			symtabCmd = int64(off)
		}
		off += cmdsize
	}

	applied := make(map[string]string)
	if symtabCmd < 0 {
		return &Result{Data: data, Applied: applied}, nil
	}

	cmdOff := uint64(symtabCmd)
	symoff := uint64(bo.Uint32(data[cmdOff+8:]))
	nsyms := uint64(bo.Uint32(data[cmdOff+12:]))
	stroff := uint64(bo.Uint32(data[cmdOff+16:]))
	strsize := uint64(bo.Uint32(data[cmdOff+20:]))

	fileEnd := uint64(len(data))
	if nsyms > fileEnd/nlistLen || symoff > fileEnd-nsyms*nlistLen {
		return nil, fmt.Errorf("%w: symbol table outside file", ErrUnsupportedLayout)
	}
	if strsize > fileEnd || stroff > fileEnd-strsize {
		return nil, fmt.Errorf("%w: string table outside file", ErrUnsupportedLayout)
	}
	strtab := data[stroff : stroff+strsize]

	var patches []machoPatch
	for i := uint64(0); i < nsyms; i++ {
		strxPos := symoff + i*nlistLen
		strx := bo.Uint32(data[strxPos:])
		if strx == 0 {
			continue
		}
		name, err := cstringAt(strtab, uint64(strx))
		if err != nil {
			return nil, fmt.Errorf("%w: symbol %d: %v", ErrUnsupportedLayout, i, err)
		}
		newName, ok := tbl.Lookup(name, rename.DecorationUnderscore)
		if !ok {
			continue
		}
		patches = append(patches, machoPatch{strxPos: strxPos, newName: newName})
		applied[name] = newName
	}

	if len(patches) == 0 {
		return &Result{Data: data, Applied: applied}, nil
	}

	b := newStrtabBuilder(strtab)
	finalOff := make([]uint64, len(patches))
	for pi, p := range patches {
		off := b.add(p.newName)
		if off > math.MaxUint32 {
			return nil, fmt.Errorf("%w: extended string table exceeds 32-bit name offsets", ErrUnsupportedLayout)
		}
		finalOff[pi] = off
	}

	symEnd := symoff + nsyms*nlistLen
	inPlace := stroff+strsize == fileEnd && symEnd <= stroff && cmdsEnd <= stroff

	var out []byte
	newStroff := stroff
	if inPlace {
		out = append([]byte(nil), data[:stroff]...)
		out = append(out, b.bytes()...)
	} else {
		out = append([]byte(nil), data...)
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		newStroff = uint64(len(out))
		out = append(out, b.bytes()...)
	}
	if newStroff > math.MaxUint32 || uint64(len(b.bytes())) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: relocated string table exceeds 32-bit command fields", ErrUnsupportedLayout)
	}
	bo.PutUint32(out[cmdOff+16:], uint32(newStroff))
	bo.PutUint32(out[cmdOff+20:], uint32(len(b.bytes())))
	for pi, p := range patches {
		bo.PutUint32(out[p.strxPos:], uint32(finalOff[pi]))
	}

	return &Result{Data: out, Occurrences: len(patches), Applied: applied}, nil
}
