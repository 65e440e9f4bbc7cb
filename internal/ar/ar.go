// Package ar reads and writes static-library archives in the common
// "!<arch>" container shared by GNU/SysV ar, BSD/Darwin ar, and MSVC lib.
//
// Parsing keeps every member's original header bytes so that serializing an
// unmodified archive reproduces the input byte for byte. Special members
// (symbol indexes, long-name tables) are preserved as opaque payloads; their
// stored member offsets and symbol names are fixed up during serialization
// when member sizes or symbol names changed.
package ar

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Magic is the global archive signature.
const Magic = "!<arch>\n"

// thinMagic marks GNU thin archives, which reference member contents in
// external files and therefore cannot be carried through this pipeline.
const thinMagic = "!<thin>\n"

const headerLen = 60

// ErrMalformedArchive reports a container that cannot be parsed or
// serialized. It is fatal: no output archive may be produced from it.
var ErrMalformedArchive = errors.New("ar: malformed archive")

// MemberKind classifies a member within the archive container.
type MemberKind int

const (
	// KindFile is a regular member, usually an object file.
	KindFile MemberKind = iota
	// KindSymbolIndex is the GNU/SysV symbol index (the first "/" member,
	// also the first linker member of an MSVC import/static library).
	KindSymbolIndex
	// KindSymbolIndex64 is the 64-bit GNU symbol index ("/SYM64/").
	KindSymbolIndex64
	// KindSecondLinker is the MSVC second linker member (a later "/"
	// member with little-endian layout and a sorted name list).
	KindSecondLinker
	// KindLongNames is the GNU/MSVC long-name table ("//").
	KindLongNames
	// KindBSDSymdef is the BSD/Darwin ranlib index ("__.SYMDEF" and
	// variants).
	KindBSDSymdef
)

func (k MemberKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymbolIndex:
		return "symbol-index"
	case KindSymbolIndex64:
		return "symbol-index64"
	case KindSecondLinker:
		return "second-linker"
	case KindLongNames:
		return "long-names"
	case KindBSDSymdef:
		return "bsd-symdef"
	default:
		return fmt.Sprintf("MemberKind(%d)", int(k))
	}
}

// Member is one entry of the archive.
//
// Data holds the payload only; for BSD "#1/N" members the embedded name
// bytes are kept separately and re-emitted verbatim, so rewriting an object
// never disturbs the name encoding the source archive chose.
type Member struct {
	Name string
	Data []byte
	Kind MemberKind

	header    []byte // original 60-byte header, nil for synthesized members
	bsdName   []byte // BSD embedded name bytes including NUL padding
	origStart int64  // header offset in the source archive, -1 if synthesized
	origSize  int64  // parsed size field value
	pad       byte   // trailing alignment byte, 0 if none followed
}

// NewFileMember builds a regular member that was not parsed from an
// archive. Serialize synthesizes a GNU-style header for it.
func NewFileMember(name string, data []byte) *Member {
	return &Member{Name: name, Data: data, origStart: -1}
}

// IsMetadata reports whether the member is archive-level metadata that must
// never be treated as an object file.
func (m *Member) IsMetadata() bool { return m.Kind != KindFile }

// Size returns the member's stored size: embedded name bytes plus payload.
func (m *Member) Size() int64 { return int64(len(m.bsdName)) + int64(len(m.Data)) }

// Offset returns the member's header offset in the source archive, or -1
// for members that were not parsed from a file.
func (m *Member) Offset() int64 { return m.origStart }

// Archive is an ordered sequence of members. Order is preserved through
// serialization; symbol indexes reference members by byte offset and linkers
// rely on index adjacency, so reordering is never performed.
type Archive struct {
	Members []*Member
}

// Parse reads an archive image. The input slice is not retained; member
// payloads are copies.
func Parse(data []byte) (*Archive, error) {
	if len(data) < len(Magic) {
		return nil, fmt.Errorf("%w: truncated signature (%d bytes)", ErrMalformedArchive, len(data))
	}
	head := string(data[:len(Magic)])
	if head == thinMagic {
		return nil, fmt.Errorf("%w: thin archives reference external members and are not supported", ErrMalformedArchive)
	}
	if head != Magic {
		return nil, fmt.Errorf("%w: bad signature %q", ErrMalformedArchive, head)
	}

	a := &Archive{}
	var longNames []byte
	sawLinkerMember := false

	pos := int64(len(Magic))
	size := int64(len(data))
	for pos < size {
		if size-pos < headerLen {
			return nil, fmt.Errorf("%w: truncated member header at offset %d", ErrMalformedArchive, pos)
		}
		hdr := data[pos : pos+headerLen]
		if hdr[58] != '`' || hdr[59] != '\n' {
			return nil, fmt.Errorf("%w: bad header terminator at offset %d", ErrMalformedArchive, pos)
		}

		nameField := strings.TrimRight(string(hdr[0:16]), " ")
		sizeField := strings.TrimRight(string(hdr[48:58]), "\x00 ")
		memberSize, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil || memberSize < 0 {
			return nil, fmt.Errorf("%w: bad size field %q at offset %d", ErrMalformedArchive, sizeField, pos)
		}

		dataStart := pos + headerLen
		if dataStart+memberSize > size {
			return nil, fmt.Errorf("%w: member %q at offset %d extends past end of file", ErrMalformedArchive, nameField, pos)
		}
		payload := data[dataStart : dataStart+memberSize]

		m := &Member{
			header:    append([]byte(nil), hdr...),
			origStart: pos,
			origSize:  memberSize,
		}

		switch {
		case strings.HasPrefix(nameField, "#1/"):
			nameLen, err := strconv.ParseInt(nameField[len("#1/"):], 10, 64)
			if err != nil || nameLen < 0 || nameLen > memberSize {
				return nil, fmt.Errorf("%w: bad BSD name length %q at offset %d", ErrMalformedArchive, nameField, pos)
			}
			m.bsdName = append([]byte(nil), payload[:nameLen]...)
			m.Data = append([]byte(nil), payload[nameLen:]...)
			m.Name = strings.TrimRight(string(m.bsdName), "\x00")

		case nameField == "/":
			m.Name = "/"
			m.Data = append([]byte(nil), payload...)
			if !sawLinkerMember {
				m.Kind = KindSymbolIndex
				sawLinkerMember = true
			} else {
				m.Kind = KindSecondLinker
			}

		case nameField == "/SYM64/":
			m.Name = "/SYM64/"
			m.Kind = KindSymbolIndex64
			m.Data = append([]byte(nil), payload...)
			sawLinkerMember = true

		case nameField == "//":
			m.Name = "//"
			m.Kind = KindLongNames
			m.Data = append([]byte(nil), payload...)
			longNames = m.Data

		case strings.HasPrefix(nameField, "/"):
			off, err := strconv.ParseInt(nameField[1:], 10, 64)
			if err != nil || off < 0 {
				return nil, fmt.Errorf("%w: bad long-name reference %q at offset %d", ErrMalformedArchive, nameField, pos)
			}
			name, err := resolveLongName(longNames, off)
			if err != nil {
				return nil, fmt.Errorf("%w: member at offset %d: %v", ErrMalformedArchive, pos, err)
			}
			m.Name = name
			m.Data = append([]byte(nil), payload...)

		case strings.HasSuffix(nameField, "/"):
			m.Name = nameField[:len(nameField)-1]
			m.Data = append([]byte(nil), payload...)

		default:
			m.Name = nameField
			m.Data = append([]byte(nil), payload...)
		}

		if m.Kind == KindFile && isBSDSymdefName(m.Name) {
			m.Kind = KindBSDSymdef
		}

		pos = dataStart + memberSize
		if memberSize%2 == 1 && pos < size {
			m.pad = data[pos]
			pos++
		}

		a.Members = append(a.Members, m)
	}

	return a, nil
}

func isBSDSymdefName(name string) bool {
	switch name {
	case "__.SYMDEF", "__.SYMDEF SORTED", "__.SYMDEF_64", "__.SYMDEF_64 SORTED":
		return true
	}
	return false
}

// resolveLongName reads a long name from the "//" table at the given byte
// offset. GNU terminates entries with "/\n", MSVC with a NUL; both forms are
// accepted.
func resolveLongName(table []byte, off int64) (string, error) {
	if table == nil {
		return "", errors.New("long-name reference before long-name table")
	}
	if off >= int64(len(table)) {
		return "", fmt.Errorf("long-name offset %d out of range", off)
	}
	rest := table[off:]
	end := bytes.IndexAny(rest, "\x00\n")
	if end < 0 {
		return "", fmt.Errorf("unterminated long name at table offset %d", off)
	}
	name := string(rest[:end])
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return "", fmt.Errorf("empty long name at table offset %d", off)
	}
	return name, nil
}

// Serialize writes the archive back out. renames maps stored symbol names
// that were rewritten inside member objects to their replacements; symbol
// index members have their name lists and member offsets brought up to date
// so the platform linker still resolves every definition. With a nil or
// empty map and unchanged member payloads the output is byte-identical to
// the parsed input.
func (a *Archive) Serialize(renames map[string]string) ([]byte, error) {
	n := len(a.Members)

	// Index members are parsed up front: their serialized size depends only
	// on the (possibly renamed) name lists, never on member offsets, so
	// sizes are final before the layout pass.
	idx := make([]indexContent, n)
	sizes := make([]int64, n)
	for i, m := range a.Members {
		if m.IsMetadata() && m.Kind != KindLongNames {
			parsed, err := parseIndex(m)
			if err != nil {
				return nil, err
			}
			parsed.rename(renames)
			idx[i] = parsed
			sizes[i] = int64(len(m.bsdName)) + parsed.payloadLen(int64(len(m.Data)))
			continue
		}
		sizes[i] = m.Size()
	}

	// Layout pass: final header offsets with 2-byte member alignment.
	starts := make([]int64, n)
	pads := make([]bool, n)
	off := int64(len(Magic))
	for i, m := range a.Members {
		starts[i] = off
		off += headerLen + sizes[i]
		if sizes[i]%2 == 1 {
			// The final member may legitimately end unpadded at EOF;
			// preserve that when the source archive did so.
			last := i == n-1
			if !last || m.pad != 0 || sizes[i] != m.Size() {
				pads[i] = true
				off++
			}
		}
	}

	remap := make(map[uint64]uint64, n)
	for i, m := range a.Members {
		if m.origStart >= 0 {
			remap[uint64(m.origStart)] = uint64(starts[i])
		}
	}

	var buf bytes.Buffer
	buf.Grow(int(off))
	buf.WriteString(Magic)
	for i, m := range a.Members {
		hdr, err := m.headerBytes(sizes[i])
		if err != nil {
			return nil, err
		}
		buf.Write(hdr)
		buf.Write(m.bsdName)

		if idx[i] != nil {
			payload, err := idx[i].payload(m.Data, remap)
			if err != nil {
				return nil, fmt.Errorf("%w: member %q: %v", ErrMalformedArchive, m.Name, err)
			}
			if int64(len(payload))+int64(len(m.bsdName)) != sizes[i] {
				return nil, fmt.Errorf("%w: member %q: index size drifted during serialization", ErrMalformedArchive, m.Name)
			}
			buf.Write(payload)
		} else {
			buf.Write(m.Data)
		}

		if pads[i] {
			pb := m.pad
			if pb == 0 {
				pb = '\n'
			}
			buf.WriteByte(pb)
		}
	}

	return buf.Bytes(), nil
}

// headerBytes returns the 60-byte member header for the given payload size,
// reusing the original header bytes whenever possible.
func (m *Member) headerBytes(size int64) ([]byte, error) {
	if size > 9999999999 {
		return nil, fmt.Errorf("%w: member %q size %d exceeds header field", ErrMalformedArchive, m.Name, size)
	}
	if m.header != nil {
		if size == m.origSize {
			return m.header, nil
		}
		hdr := append([]byte(nil), m.header...)
		copy(hdr[48:58], fmt.Sprintf("%-10d", size))
		return hdr, nil
	}

	// Synthesized member: GNU-style short name, deterministic metadata.
	if len(m.Name)+1 > 16 {
		return nil, fmt.Errorf("%w: synthesized member name %q too long for a short header", ErrMalformedArchive, m.Name)
	}
	hdr := make([]byte, headerLen)
	for i := range hdr {
		hdr[i] = ' '
	}
	copy(hdr[0:16], m.Name+"/")
	copy(hdr[16:28], "0")
	copy(hdr[28:34], "0")
	copy(hdr[34:40], "0")
	copy(hdr[40:48], "644")
	copy(hdr[48:58], fmt.Sprintf("%-10d", size))
	hdr[58] = '`'
	hdr[59] = '\n'
	return hdr, nil
}
