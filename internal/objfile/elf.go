package objfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/bengreenier/aic-gn/internal/rename"
)

const (
	shtSymtab = 2
	shtStrtab = 3
	shtDynsym = 11
)

// elfLayout carries the header fields needed to walk section headers in
// either ELF class and byte order.
type elfLayout struct {
	class32   bool
	bo        binary.ByteOrder
	shoff     uint64
	shentsize uint64
	shnum     uint64
}

func parseELFLayout(data []byte) (*elfLayout, error) {
	if len(data) < 52 {
		return nil, fmt.Errorf("%w: truncated ELF header", ErrUnsupportedLayout)
	}
	l := &elfLayout{}
	switch data[4] {
	case 1:
		l.class32 = true
	case 2:
	default:
		return nil, fmt.Errorf("%w: ELF class %d", ErrUnsupportedLayout, data[4])
	}
	switch data[5] {
	case 1:
		l.bo = binary.LittleEndian
	case 2:
		l.bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: ELF data encoding %d", ErrUnsupportedLayout, data[5])
	}

	if l.class32 {
		l.shoff = uint64(l.bo.Uint32(data[32:]))
		l.shentsize = uint64(l.bo.Uint16(data[46:]))
		l.shnum = uint64(l.bo.Uint16(data[48:]))
	} else {
		if len(data) < 64 {
			return nil, fmt.Errorf("%w: truncated ELF header", ErrUnsupportedLayout)
		}
		l.shoff = l.bo.Uint64(data[40:])
		l.shentsize = uint64(l.bo.Uint16(data[58:]))
		l.shnum = uint64(l.bo.Uint16(data[60:]))
	}

	if l.shoff == 0 {
		return l, nil
	}
	if want := l.shdrSize(); l.shentsize != want {
		return nil, fmt.Errorf("%w: section header entry size %d, want %d", ErrUnsupportedLayout, l.shentsize, want)
	}
	// e_shnum of zero with a section header table present means the real
	// count lives in the first header's sh_size.
	if l.shnum == 0 {
		if l.shoff+l.shentsize > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section header table outside file", ErrUnsupportedLayout)
		}
		l.shnum = l.shSize(data, 0)
	}
	if l.shnum > uint64(len(data))/l.shentsize || l.shoff > uint64(len(data))-l.shnum*l.shentsize {
		return nil, fmt.Errorf("%w: section header table outside file", ErrUnsupportedLayout)
	}
	return l, nil
}

func (l *elfLayout) shdrSize() uint64 {
	if l.class32 {
		return 40
	}
	return 64
}

func (l *elfLayout) symSize() uint64 {
	if l.class32 {
		return 16
	}
	return 24
}

func (l *elfLayout) shdr(data []byte, i uint64) []byte {
	return data[l.shoff+i*l.shentsize:][:l.shentsize]
}

func (l *elfLayout) shType(data []byte, i uint64) uint32 {
	return l.bo.Uint32(l.shdr(data, i)[4:])
}

func (l *elfLayout) shLink(data []byte, i uint64) uint32 {
	sh := l.shdr(data, i)
	if l.class32 {
		return l.bo.Uint32(sh[24:])
	}
	return l.bo.Uint32(sh[40:])
}

func (l *elfLayout) shOffset(data []byte, i uint64) uint64 {
	sh := l.shdr(data, i)
	if l.class32 {
		return uint64(l.bo.Uint32(sh[16:]))
	}
	return l.bo.Uint64(sh[24:])
}

func (l *elfLayout) shSize(data []byte, i uint64) uint64 {
	sh := l.shdr(data, i)
	if l.class32 {
		return uint64(l.bo.Uint32(sh[20:]))
	}
	return l.bo.Uint64(sh[32:])
}

func (l *elfLayout) shEntsize(data []byte, i uint64) uint64 {
	sh := l.shdr(data, i)
	if l.class32 {
		return uint64(l.bo.Uint32(sh[36:]))
	}
	return l.bo.Uint64(sh[56:])
}

func (l *elfLayout) setShOffsetSize(data []byte, i, off, size uint64) error {
	sh := l.shdr(data, i)
	if l.class32 {
		if off > math.MaxUint32 || size > math.MaxUint32 {
			return fmt.Errorf("%w: relocated string table exceeds 32-bit section fields", ErrUnsupportedLayout)
		}
		l.bo.PutUint32(sh[16:], uint32(off))
		l.bo.PutUint32(sh[20:], uint32(size))
		return nil
	}
	l.bo.PutUint64(sh[24:], off)
	l.bo.PutUint64(sh[32:], size)
	return nil
}

// elfPatch records one symbol entry to retarget: the file position of its
// st_name field, the section index of the string table it points into, and
// the replacement name.
type elfPatch struct {
	namePos uint64
	strtab  uint64
	newName string
}

// rewriteELF renames matching entries of every SHT_SYMTAB and SHT_DYNSYM
// section. Replacement names are longer than the originals, so each
// affected string table is cloned, extended with the new names, appended at
// the end of the image, and its section header retargeted. The original
// table bytes stay behind as unreferenced slack, which linkers ignore.
func rewriteELF(data []byte, tbl *rename.Table) (*Result, error) {
	lay, err := parseELFLayout(data)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]string)
	if lay.shoff == 0 || lay.shnum == 0 {
		return &Result{Data: data, Applied: applied}, nil
	}

	var patches []elfPatch
	for i := uint64(0); i < lay.shnum; i++ {
		typ := lay.shType(data, i)
		if typ != shtSymtab && typ != shtDynsym {
			continue
		}
		entsize := lay.shEntsize(data, i)
		if entsize != lay.symSize() {
			return nil, fmt.Errorf("%w: symbol entry size %d in section %d", ErrUnsupportedLayout, entsize, i)
		}
		symOff, symLen := lay.shOffset(data, i), lay.shSize(data, i)
		if symLen > uint64(len(data)) || symOff > uint64(len(data))-symLen {
			return nil, fmt.Errorf("%w: symbol table %d outside file", ErrUnsupportedLayout, i)
		}
		if symLen%entsize != 0 {
			return nil, fmt.Errorf("%w: symbol table %d size %d not a multiple of %d", ErrUnsupportedLayout, i, symLen, entsize)
		}

		link := uint64(lay.shLink(data, i))
		if link == 0 || link >= lay.shnum {
			return nil, fmt.Errorf("%w: symbol table %d links to section %d", ErrUnsupportedLayout, i, link)
		}
		if lay.shType(data, link) != shtStrtab {
			return nil, fmt.Errorf("%w: symbol table %d links to non-strtab section %d", ErrUnsupportedLayout, i, link)
		}
		strOff, strLen := lay.shOffset(data, link), lay.shSize(data, link)
		if strLen > uint64(len(data)) || strOff > uint64(len(data))-strLen {
			return nil, fmt.Errorf("%w: string table %d outside file", ErrUnsupportedLayout, link)
		}
		strtab := data[strOff : strOff+strLen]

		for j := uint64(0); j < symLen/entsize; j++ {
			namePos := symOff + j*entsize
			strx := lay.bo.Uint32(data[namePos:])
			if strx == 0 {
				continue
			}
			name, err := cstringAt(strtab, uint64(strx))
			if err != nil {
				return nil, fmt.Errorf("%w: symbol %d of table %d: %v", ErrUnsupportedLayout, j, i, err)
			}
			newName, ok := tbl.Lookup(name, rename.DecorationNone)
			if !ok {
				continue
			}
			patches = append(patches, elfPatch{namePos: namePos, strtab: link, newName: newName})
			applied[name] = newName
		}
	}

	if len(patches) == 0 {
		return &Result{Data: data, Applied: applied}, nil
	}

	out := append([]byte(nil), data...)

	affected := make(map[uint64]bool)
	for _, p := range patches {
		affected[p.strtab] = true
	}
	order := make([]uint64, 0, len(affected))
	for idx := range affected {
		order = append(order, idx)
	}
	sort.Slice(order, func(a, b int) bool { return order[a] < order[b] })

	finalOff := make([]uint64, len(patches))
	for _, idx := range order {
		strOff, strLen := lay.shOffset(data, idx), lay.shSize(data, idx)
		b := newStrtabBuilder(data[strOff : strOff+strLen])
		for pi, p := range patches {
			if p.strtab != idx {
				continue
			}
			off := b.add(p.newName)
			if off > math.MaxUint32 {
				return nil, fmt.Errorf("%w: extended string table exceeds 32-bit name offsets", ErrUnsupportedLayout)
			}
			finalOff[pi] = off
		}
		newOff := uint64(len(out))
		out = append(out, b.bytes()...)
		if err := lay.setShOffsetSize(out, idx, newOff, uint64(len(b.bytes()))); err != nil {
			return nil, err
		}
	}

	for pi, p := range patches {
		lay.bo.PutUint32(out[p.namePos:], uint32(finalOff[pi]))
	}

	return &Result{Data: out, Occurrences: len(patches), Applied: applied}, nil
}
