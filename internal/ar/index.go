package ar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// indexContent is the parsed form of a symbol index member. Three families
// exist: the GNU/SysV index (big-endian, also the first linker member of
// MSVC libraries), the MSVC second linker member (little-endian, sorted),
// and the BSD/Darwin ranlib blob.
//
// The serializer rebuilds an index payload only when its content must
// change: renamed symbol names force a canonical re-encode, shifted member
// offsets are patched into a copy of the original bytes, and an untouched
// index round-trips verbatim.
type indexContent interface {
	// rename applies stored-name replacements to the index's name list.
	rename(renames map[string]string)
	// payloadLen returns the serialized payload length given the original
	// payload length.
	payloadLen(origLen int64) int64
	// payload produces the serialized payload. remap translates source
	// member header offsets to their positions in the output archive.
	payload(orig []byte, remap map[uint64]uint64) ([]byte, error)
}

// parseIndex parses the symbol index carried by a metadata member.
func parseIndex(m *Member) (indexContent, error) {
	var (
		idx indexContent
		err error
	)
	switch m.Kind {
	case KindSymbolIndex:
		idx, err = parseGNUIndex(m.Data, false)
	case KindSymbolIndex64:
		idx, err = parseGNUIndex(m.Data, true)
	case KindSecondLinker:
		idx, err = parseMSIndex(m.Data)
	case KindBSDSymdef:
		idx, err = parseBSDIndex(m.Data, isBSDSymdef64Name(m.Name))
	default:
		return nil, fmt.Errorf("%w: member %q is not a symbol index", ErrMalformedArchive, m.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: symbol index %q: %v", ErrMalformedArchive, m.Name, err)
	}
	return idx, nil
}

func isBSDSymdef64Name(name string) bool {
	return name == "__.SYMDEF_64" || name == "__.SYMDEF_64 SORTED"
}

func cstring(blob []byte, off uint64) (string, error) {
	if off > uint64(len(blob)) {
		return "", fmt.Errorf("string offset %d out of range", off)
	}
	rest := blob[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at offset %d", off)
	}
	return string(rest[:end]), nil
}

func mapOffsets(offsets []uint64, remap map[uint64]uint64) ([]uint64, bool, error) {
	mapped := make([]uint64, len(offsets))
	changed := false
	for i, off := range offsets {
		newOff, ok := remap[off]
		if !ok {
			return nil, false, fmt.Errorf("references unknown member offset %d", off)
		}
		mapped[i] = newOff
		if newOff != off {
			changed = true
		}
	}
	return mapped, changed, nil
}

func applyRenames(names []string, renames map[string]string) bool {
	if len(renames) == 0 {
		return false
	}
	changed := false
	for i, name := range names {
		if repl, ok := renames[name]; ok {
			names[i] = repl
			changed = true
		}
	}
	return changed
}

// gnuIndex is the GNU/SysV symbol index: a big-endian symbol count, one
// member header offset per symbol, then NUL-terminated names in the same
// order. The wide form ("/SYM64/") uses 64-bit integers throughout.
type gnuIndex struct {
	wide         bool
	offsets      []uint64
	names        []string
	namesChanged bool
}

func parseGNUIndex(data []byte, wide bool) (*gnuIndex, error) {
	es := 4
	if wide {
		es = 8
	}
	if len(data) < es {
		return nil, fmt.Errorf("truncated symbol count (%d bytes)", len(data))
	}
	var count uint64
	if wide {
		count = binary.BigEndian.Uint64(data)
	} else {
		count = uint64(binary.BigEndian.Uint32(data))
	}
	if count > uint64(len(data)-es)/uint64(es) {
		return nil, fmt.Errorf("symbol count %d exceeds member size", count)
	}

	x := &gnuIndex{
		wide:    wide,
		offsets: make([]uint64, count),
		names:   make([]string, count),
	}
	for i := range x.offsets {
		field := data[es+i*es:]
		if wide {
			x.offsets[i] = binary.BigEndian.Uint64(field)
		} else {
			x.offsets[i] = uint64(binary.BigEndian.Uint32(field))
		}
	}

	pos := es + int(count)*es
	for i := range x.names {
		name, err := cstring(data, uint64(pos))
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %v", i, err)
		}
		x.names[i] = name
		pos += len(name) + 1
	}
	return x, nil
}

func (x *gnuIndex) rename(renames map[string]string) {
	x.namesChanged = applyRenames(x.names, renames)
}

func (x *gnuIndex) payloadLen(origLen int64) int64 {
	if !x.namesChanged {
		return origLen
	}
	es := int64(4)
	if x.wide {
		es = 8
	}
	n := es * (1 + int64(len(x.offsets)))
	for _, name := range x.names {
		n += int64(len(name)) + 1
	}
	return n
}

func (x *gnuIndex) payload(orig []byte, remap map[uint64]uint64) ([]byte, error) {
	mapped, moved, err := mapOffsets(x.offsets, remap)
	if err != nil {
		return nil, err
	}
	es := 4
	if x.wide {
		es = 8
	}
	if !x.namesChanged {
		if !moved {
			return orig, nil
		}
		out := append([]byte(nil), orig...)
		if err := putGNUOffsets(out[es:], mapped, x.wide); err != nil {
			return nil, err
		}
		return out, nil
	}

	var buf bytes.Buffer
	buf.Grow(int(x.payloadLen(int64(len(orig)))))
	if x.wide {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(len(x.offsets)))
		buf.Write(tmp[:])
	} else {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(x.offsets)))
		buf.Write(tmp[:])
	}
	field := make([]byte, es*len(mapped))
	if err := putGNUOffsets(field, mapped, x.wide); err != nil {
		return nil, err
	}
	buf.Write(field)
	for _, name := range x.names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func putGNUOffsets(dst []byte, offsets []uint64, wide bool) error {
	for i, off := range offsets {
		if wide {
			binary.BigEndian.PutUint64(dst[i*8:], off)
			continue
		}
		if off > math.MaxUint32 {
			return fmt.Errorf("member offset %d exceeds 32-bit index field", off)
		}
		binary.BigEndian.PutUint32(dst[i*4:], uint32(off))
	}
	return nil
}

// msIndex is the MSVC second linker member: little-endian member offsets,
// then 1-based member indices and a name list sorted for binary search.
type msIndex struct {
	memberOffsets []uint64
	indices       []uint16
	names         []string
	namesChanged  bool
}

func parseMSIndex(data []byte) (*msIndex, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("truncated member count (%d bytes)", len(data))
	}
	nMembers := binary.LittleEndian.Uint32(data)
	symCountOff := 4 + int64(nMembers)*4
	if symCountOff+4 > int64(len(data)) {
		return nil, fmt.Errorf("member count %d exceeds member size", nMembers)
	}
	nSymbols := binary.LittleEndian.Uint32(data[symCountOff:])
	namesOff := symCountOff + 4 + int64(nSymbols)*2
	if namesOff > int64(len(data)) {
		return nil, fmt.Errorf("symbol count %d exceeds member size", nSymbols)
	}

	x := &msIndex{
		memberOffsets: make([]uint64, nMembers),
		indices:       make([]uint16, nSymbols),
		names:         make([]string, nSymbols),
	}
	for i := range x.memberOffsets {
		x.memberOffsets[i] = uint64(binary.LittleEndian.Uint32(data[4+i*4:]))
	}
	for i := range x.indices {
		x.indices[i] = binary.LittleEndian.Uint16(data[symCountOff+4+int64(i)*2:])
		if x.indices[i] == 0 || uint32(x.indices[i]) > nMembers {
			return nil, fmt.Errorf("symbol %d references member index %d of %d", i, x.indices[i], nMembers)
		}
	}
	pos := namesOff
	for i := range x.names {
		name, err := cstring(data, uint64(pos))
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %v", i, err)
		}
		x.names[i] = name
		pos += int64(len(name)) + 1
	}
	return x, nil
}

func (x *msIndex) rename(renames map[string]string) {
	if !applyRenames(x.names, renames) {
		return
	}
	x.namesChanged = true
	// The linker binary-searches this list, so renamed entries must be
	// moved back into sorted position together with their member indices.
	order := make([]int, len(x.names))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x.names[order[a]] < x.names[order[b]] })
	names := make([]string, len(x.names))
	indices := make([]uint16, len(x.indices))
	for i, src := range order {
		names[i] = x.names[src]
		indices[i] = x.indices[src]
	}
	x.names = names
	x.indices = indices
}

func (x *msIndex) payloadLen(origLen int64) int64 {
	if !x.namesChanged {
		return origLen
	}
	n := int64(4) + int64(len(x.memberOffsets))*4 + 4 + int64(len(x.indices))*2
	for _, name := range x.names {
		n += int64(len(name)) + 1
	}
	return n
}

func (x *msIndex) payload(orig []byte, remap map[uint64]uint64) ([]byte, error) {
	mapped, moved, err := mapOffsets(x.memberOffsets, remap)
	if err != nil {
		return nil, err
	}
	if !x.namesChanged {
		if !moved {
			return orig, nil
		}
		out := append([]byte(nil), orig...)
		if err := putMSOffsets(out[4:], mapped); err != nil {
			return nil, err
		}
		return out, nil
	}

	var buf bytes.Buffer
	buf.Grow(int(x.payloadLen(int64(len(orig)))))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(x.memberOffsets)))
	buf.Write(tmp[:])
	field := make([]byte, 4*len(mapped))
	if err := putMSOffsets(field, mapped); err != nil {
		return nil, err
	}
	buf.Write(field)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(x.indices)))
	buf.Write(tmp[:])
	for _, idx := range x.indices {
		binary.LittleEndian.PutUint16(tmp[:2], idx)
		buf.Write(tmp[:2])
	}
	for _, name := range x.names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func putMSOffsets(dst []byte, offsets []uint64) error {
	for i, off := range offsets {
		if off > math.MaxUint32 {
			return fmt.Errorf("member offset %d exceeds 32-bit index field", off)
		}
		binary.LittleEndian.PutUint32(dst[i*4:], uint32(off))
	}
	return nil
}

// bsdIndex is the BSD/Darwin ranlib index: a little-endian byte count, an
// array of {string offset, member offset} pairs, then the string blob's
// size and bytes. "__.SYMDEF_64" widens every field to 64 bits.
type bsdIndex struct {
	wide         bool
	strx         []uint64
	offsets      []uint64
	names        []string
	namesChanged bool
}

func parseBSDIndex(data []byte, wide bool) (*bsdIndex, error) {
	es := int64(4)
	if wide {
		es = 8
	}
	readInt := func(off int64) uint64 {
		if wide {
			return binary.LittleEndian.Uint64(data[off:])
		}
		return uint64(binary.LittleEndian.Uint32(data[off:]))
	}

	if int64(len(data)) < es {
		return nil, fmt.Errorf("truncated ranlib size (%d bytes)", len(data))
	}
	ranlibSize := readInt(0)
	entrySize := uint64(2 * es)
	if ranlibSize%entrySize != 0 {
		return nil, fmt.Errorf("ranlib size %d not a multiple of entry size %d", ranlibSize, entrySize)
	}
	strSizeOff := es + int64(ranlibSize)
	if ranlibSize > uint64(len(data)) || strSizeOff+es > int64(len(data)) {
		return nil, fmt.Errorf("ranlib size %d exceeds member size", ranlibSize)
	}
	strSize := readInt(strSizeOff)
	strStart := strSizeOff + es
	if strSize > uint64(int64(len(data))-strStart) {
		return nil, fmt.Errorf("string blob size %d exceeds member size", strSize)
	}
	blob := data[strStart : strStart+int64(strSize)]

	count := ranlibSize / entrySize
	x := &bsdIndex{
		wide:    wide,
		strx:    make([]uint64, count),
		offsets: make([]uint64, count),
		names:   make([]string, count),
	}
	for i := range x.strx {
		base := es + int64(i)*int64(entrySize)
		x.strx[i] = readInt(base)
		x.offsets[i] = readInt(base + es)
		name, err := cstring(blob, x.strx[i])
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %v", i, err)
		}
		x.names[i] = name
	}
	return x, nil
}

func (x *bsdIndex) rename(renames map[string]string) {
	x.namesChanged = applyRenames(x.names, renames)
}

func (x *bsdIndex) payloadLen(origLen int64) int64 {
	if !x.namesChanged {
		return origLen
	}
	es := int64(4)
	if x.wide {
		es = 8
	}
	n := es + int64(len(x.names))*2*es + es
	for _, name := range x.names {
		n += int64(len(name)) + 1
	}
	return n
}

func (x *bsdIndex) payload(orig []byte, remap map[uint64]uint64) ([]byte, error) {
	mapped, moved, err := mapOffsets(x.offsets, remap)
	if err != nil {
		return nil, err
	}
	es := int64(4)
	if x.wide {
		es = 8
	}
	putInt := func(dst []byte, v uint64) error {
		if x.wide {
			binary.LittleEndian.PutUint64(dst, v)
			return nil
		}
		if v > math.MaxUint32 {
			return fmt.Errorf("value %d exceeds 32-bit ranlib field", v)
		}
		binary.LittleEndian.PutUint32(dst, uint32(v))
		return nil
	}

	if !x.namesChanged {
		if !moved {
			return orig, nil
		}
		out := append([]byte(nil), orig...)
		for i, off := range mapped {
			base := es + int64(i)*2*es + es
			if err := putInt(out[base:], off); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	// Renamed entries change string lengths, so the blob and every string
	// offset are rebuilt from scratch.
	var blob bytes.Buffer
	strx := make([]uint64, len(x.names))
	for i, name := range x.names {
		strx[i] = uint64(blob.Len())
		blob.WriteString(name)
		blob.WriteByte(0)
	}

	out := make([]byte, x.payloadLen(int64(len(orig))))
	ranlibSize := uint64(len(x.names)) * 2 * uint64(es)
	if err := putInt(out, ranlibSize); err != nil {
		return nil, err
	}
	for i := range x.names {
		base := es + int64(i)*2*es
		if err := putInt(out[base:], strx[i]); err != nil {
			return nil, err
		}
		if err := putInt(out[base+es:], mapped[i]); err != nil {
			return nil, err
		}
	}
	strSizeOff := es + int64(ranlibSize)
	if err := putInt(out[strSizeOff:], uint64(blob.Len())); err != nil {
		return nil, err
	}
	copy(out[strSizeOff+es:], blob.Bytes())
	return out, nil
}
