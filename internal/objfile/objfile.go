// Package objfile detects and rewrites relocatable object files inside
// static-library archives. Three formats are handled natively: ELF, COFF,
// and Mach-O. Rewrites operate on raw bytes and only ever touch symbol
// string tables and the name fields pointing into them; section contents,
// relocations, and debug data are preserved untouched.
package objfile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bengreenier/aic-gn/internal/rename"
)

// ErrUnsupportedLayout reports an object whose layout the rewriter cannot
// transform safely. The caller must fall back to copying the input verbatim
// rather than emit a possibly corrupt object.
var ErrUnsupportedLayout = errors.New("objfile: unsupported object layout")

// ErrUnknownFormat reports bytes that are not a recognized object format.
var ErrUnknownFormat = errors.New("objfile: unrecognized object format")

// Format identifies an object file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatCOFF
	FormatMachO
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatCOFF:
		return "coff"
	case FormatMachO:
		return "macho"
	default:
		return "unknown"
	}
}

// COFF machine types this package rewrites.
const (
	coffMachineAMD64 = 0x8664
	coffMachineI386  = 0x14c
	coffMachineARM64 = 0xaa64
	coffMachineARM   = 0x1c0
	coffMachineARMNT = 0x1c4
)

// Mach-O magics as read little-endian from the first four file bytes.
const (
	machoMagic64    = 0xfeedfacf
	machoMagic32    = 0xfeedface
	machoCigam64    = 0xcffaedfe
	machoCigam32    = 0xcefaedfe
	machoFatMagic   = 0xcafebabe
	machoFatCigam   = 0xbebafeca
)

// Detect classifies member bytes by format. Anything unrecognized,
// including MSVC import descriptors, bigobj members, and Mach-O fat images,
// comes back as FormatUnknown and is carried through archives untouched.
//
// COFF has no magic number; a member is treated as COFF when its machine
// field matches one of the supported machines and the header describes a
// section table and symbol table that fit inside the member.
func Detect(data []byte) Format {
	if len(data) >= 4 && string(data[:4]) == "\x7fELF" {
		return FormatELF
	}
	if len(data) >= 4 {
		switch binary.LittleEndian.Uint32(data) {
		case machoMagic64, machoMagic32, machoCigam64, machoCigam32:
			return FormatMachO
		case machoFatMagic, machoFatCigam:
			return FormatUnknown
		}
	}
	if len(data) >= 20 {
		switch binary.LittleEndian.Uint16(data) {
		case coffMachineAMD64, coffMachineI386, coffMachineARM64, coffMachineARM, coffMachineARMNT:
			if coffLayoutPlausible(data) {
				return FormatCOFF
			}
		}
	}
	return FormatUnknown
}

// coffLayoutPlausible guards the magic-less COFF heuristic against text or
// data members that happen to start with a known machine value.
func coffLayoutPlausible(data []byte) bool {
	nsections := uint64(binary.LittleEndian.Uint16(data[2:]))
	symPtr := uint64(binary.LittleEndian.Uint32(data[8:]))
	optSize := uint64(binary.LittleEndian.Uint16(data[16:]))
	if 20+optSize+nsections*40 > uint64(len(data)) {
		return false
	}
	return symPtr <= uint64(len(data))
}

// CanRewrite reports whether Rewrite handles the format natively.
func CanRewrite(f Format) bool {
	switch f {
	case FormatELF, FormatCOFF, FormatMachO:
		return true
	}
	return false
}

// Result reports what a rewrite did.
type Result struct {
	// Data is the rewritten object. When Occurrences is zero it is the
	// input slice unchanged.
	Data []byte
	// Occurrences counts the symbol table entries whose names changed.
	Occurrences int
	// Applied maps each stored name that changed to its replacement,
	// including platform decoration. Archive symbol indexes are updated
	// from this map.
	Applied map[string]string
}

// Rewrite renames every symbol table entry of data whose name matches tbl.
// The object's format is detected first; FormatUnknown is an error since
// unknown members must be passed through by the caller, not rewritten.
func Rewrite(data []byte, tbl *rename.Table) (*Result, error) {
	switch Detect(data) {
	case FormatELF:
		return rewriteELF(data, tbl)
	case FormatCOFF:
		return rewriteCOFF(data, tbl)
	case FormatMachO:
		return rewriteMachO(data, tbl)
	default:
		return nil, ErrUnknownFormat
	}
}

// cstringAt reads a NUL-terminated string out of blob.
func cstringAt(blob []byte, off uint64) (string, error) {
	if off >= uint64(len(blob)) {
		return "", fmt.Errorf("string offset %d outside table of %d bytes", off, len(blob))
	}
	rest := blob[off:]
	for i, b := range rest {
		if b == 0 {
			return string(rest[:i]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at offset %d", off)
}

// strtabBuilder accumulates names appended to a cloned string table,
// deduplicating repeats so two entries renamed to the same symbol share
// one string.
type strtabBuilder struct {
	buf     []byte
	offsets map[string]uint64
}

func newStrtabBuilder(orig []byte) *strtabBuilder {
	return &strtabBuilder{
		buf:     append([]byte(nil), orig...),
		offsets: make(map[string]uint64),
	}
}

func (b *strtabBuilder) add(name string) uint64 {
	if off, ok := b.offsets[name]; ok {
		return off
	}
	off := uint64(len(b.buf))
	b.buf = append(b.buf, name...)
	b.buf = append(b.buf, 0)
	b.offsets[name] = off
	return off
}

func (b *strtabBuilder) bytes() []byte { return b.buf }
