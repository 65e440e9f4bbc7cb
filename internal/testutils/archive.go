// Package testutils holds helpers shared by tests across the module:
// deterministic builders for archive containers and object files, and a
// logrus hook for asserting on log output.
package testutils

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ArMember describes one member for BuildArchive. NameField is written into
// the 16-byte header name field verbatim, so callers control the naming
// convention ("foo.o/", "/12", "#1/20", "//", "/").
type ArMember struct {
	NameField string
	Data      []byte
}

// Header60 builds a 60-byte archive member header with deterministic
// metadata fields.
func Header60(nameField string, size int) []byte {
	hdr := bytes.Repeat([]byte{' '}, 60)
	copy(hdr[0:16], nameField)
	copy(hdr[16:28], "0")
	copy(hdr[28:34], "0")
	copy(hdr[34:40], "0")
	copy(hdr[40:48], "644")
	copy(hdr[48:58], fmt.Sprintf("%-10d", size))
	hdr[58] = '`'
	hdr[59] = '\n'
	return hdr
}

// BuildArchive assembles a "!<arch>" image with newline padding between
// members.
func BuildArchive(members ...ArMember) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, m := range members {
		buf.Write(Header60(m.NameField, len(m.Data)))
		buf.Write(m.Data)
		if len(m.Data)%2 == 1 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// ArchiveOffsets returns the header offset each member of BuildArchive's
// output will occupy, for constructing symbol indexes.
func ArchiveOffsets(members ...ArMember) []int64 {
	offsets := make([]int64, len(members))
	off := int64(8)
	for i, m := range members {
		offsets[i] = off
		off += 60 + int64(len(m.Data))
		if len(m.Data)%2 == 1 {
			off++
		}
	}
	return offsets
}

// BSDNameMember builds a BSD "#1/N" member: the name is embedded ahead of
// the payload, NUL-padded to a multiple of 8 the way ld64 writes it.
func BSDNameMember(name string, data []byte) ArMember {
	padded := (len(name) + 8) &^ 7
	blob := make([]byte, padded, padded+len(data))
	copy(blob, name)
	return ArMember{
		NameField: fmt.Sprintf("#1/%d", padded),
		Data:      append(blob, data...),
	}
}

// GNULongNames builds a "//" member payload from GNU-style "name/\n"
// entries and returns it with the table offset of each name.
func GNULongNames(names ...string) ([]byte, []int64) {
	var buf bytes.Buffer
	offsets := make([]int64, len(names))
	for i, name := range names {
		offsets[i] = int64(buf.Len())
		buf.WriteString(name)
		buf.WriteString("/\n")
	}
	return buf.Bytes(), offsets
}

// GNUSymbolIndex builds the payload of a GNU "/" symbol index member.
func GNUSymbolIndex(offsets []uint32, names []string) []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(offsets)))
	buf.Write(tmp[:])
	for _, off := range offsets {
		binary.BigEndian.PutUint32(tmp[:], off)
		buf.Write(tmp[:])
	}
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// GNUSymbolIndex64 builds the payload of a "/SYM64/" index member.
func GNUSymbolIndex64(offsets []uint64, names []string) []byte {
	var buf bytes.Buffer
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(len(offsets)))
	buf.Write(tmp[:])
	for _, off := range offsets {
		binary.BigEndian.PutUint64(tmp[:], off)
		buf.Write(tmp[:])
	}
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// SymdefEntry is one BSD ranlib index entry.
type SymdefEntry struct {
	Name         string
	MemberOffset uint64
}

// BSDSymdef builds the payload of a "__.SYMDEF" member (or the 64-bit
// variant when wide is set), packing the string blob sequentially.
func BSDSymdef(entries []SymdefEntry, wide bool) []byte {
	es := 4
	if wide {
		es = 8
	}
	putInt := func(buf *bytes.Buffer, v uint64) {
		var tmp [8]byte
		if wide {
			binary.LittleEndian.PutUint64(tmp[:], v)
			buf.Write(tmp[:8])
			return
		}
		binary.LittleEndian.PutUint32(tmp[:4], uint32(v))
		buf.Write(tmp[:4])
	}

	var blob bytes.Buffer
	strx := make([]uint64, len(entries))
	for i, e := range entries {
		strx[i] = uint64(blob.Len())
		blob.WriteString(e.Name)
		blob.WriteByte(0)
	}

	var buf bytes.Buffer
	putInt(&buf, uint64(len(entries)*2*es))
	for i, e := range entries {
		putInt(&buf, strx[i])
		putInt(&buf, e.MemberOffset)
	}
	putInt(&buf, uint64(blob.Len()))
	buf.Write(blob.Bytes())
	return buf.Bytes()
}

// MSSecondLinker builds the payload of the MSVC second linker member.
// names must be sorted and indices are 1-based member numbers parallel to
// names.
func MSSecondLinker(memberOffsets []uint32, indices []uint16, names []string) []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(memberOffsets)))
	buf.Write(tmp[:])
	for _, off := range memberOffsets {
		binary.LittleEndian.PutUint32(tmp[:], off)
		buf.Write(tmp[:])
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(names)))
	buf.Write(tmp[:])
	for _, idx := range indices {
		binary.LittleEndian.PutUint16(tmp[:2], idx)
		buf.Write(tmp[:2])
	}
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
