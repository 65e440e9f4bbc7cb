package ar

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bengreenier/aic-gn/internal/testutils"
)

func identityRemap(offsets ...uint64) map[uint64]uint64 {
	m := make(map[uint64]uint64, len(offsets))
	for _, off := range offsets {
		m[off] = off
	}
	return m
}

func TestParseGNUIndexErrors(t *testing.T) {
	_, err := parseGNUIndex([]byte{0, 0}, false)
	require.Error(t, err)

	// Count claims more entries than the member can hold.
	_, err = parseGNUIndex([]byte{0, 0, 0, 200, 0, 0, 0, 8}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol count")

	// Name list missing its terminator.
	data := testutils.GNUSymbolIndex([]uint32{8}, []string{"sym"})
	_, err = parseGNUIndex(data[:len(data)-1], false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated")
}

func TestGNUIndexWideRename(t *testing.T) {
	data := testutils.GNUSymbolIndex64([]uint64{100, 200}, []string{"rust_panic", "other"})
	idx, err := parseGNUIndex(data, true)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 200}, idx.offsets)

	idx.rename(map[string]string{"rust_panic": "aic_rust_panic"})
	require.True(t, idx.namesChanged)

	out, err := idx.payload(data, map[uint64]uint64{100: 108, 200: 208})
	require.NoError(t, err)
	require.Equal(t, idx.payloadLen(int64(len(data))), int64(len(out)))

	again, err := parseGNUIndex(out, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"aic_rust_panic", "other"}, again.names)
	assert.Equal(t, []uint64{108, 208}, again.offsets)
}

func TestGNUIndexOffsetPatchKeepsLength(t *testing.T) {
	data := testutils.GNUSymbolIndex([]uint32{100, 100, 200}, []string{"a", "b", "c"})
	idx, err := parseGNUIndex(data, false)
	require.NoError(t, err)
	idx.rename(nil)

	out, err := idx.payload(data, map[uint64]uint64{100: 102, 200: 204})
	require.NoError(t, err)
	require.Len(t, out, len(data))

	again, err := parseGNUIndex(out, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{102, 102, 204}, again.offsets)
	assert.Equal(t, []string{"a", "b", "c"}, again.names)
}

func TestGNUIndexRawWhenUnchanged(t *testing.T) {
	data := testutils.GNUSymbolIndex([]uint32{64}, []string{"stable"})
	idx, err := parseGNUIndex(data, false)
	require.NoError(t, err)
	idx.rename(map[string]string{"missing": "aic_missing"})
	require.False(t, idx.namesChanged)

	out, err := idx.payload(data, identityRemap(64))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestGNUIndexNarrowOffsetOverflow(t *testing.T) {
	data := testutils.GNUSymbolIndex([]uint32{64}, []string{"big"})
	idx, err := parseGNUIndex(data, false)
	require.NoError(t, err)
	idx.rename(nil)

	_, err = idx.payload(data, map[uint64]uint64{64: math.MaxUint32 + 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32-bit")
}

func TestParseMSIndexErrors(t *testing.T) {
	_, err := parseMSIndex([]byte{1, 0})
	require.Error(t, err)

	// Member count larger than the payload can hold.
	_, err = parseMSIndex([]byte{255, 0, 0, 0, 1, 2, 3, 4})
	require.Error(t, err)

	// Symbol pointing at member 0.
	data := testutils.MSSecondLinker([]uint32{100}, []uint16{0}, []string{"x"})
	_, err = parseMSIndex(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member index")

	// Symbol pointing past the member list.
	data = testutils.MSSecondLinker([]uint32{100}, []uint16{2}, []string{"x"})
	_, err = parseMSIndex(data)
	require.Error(t, err)
}

func TestMSIndexRenameResorts(t *testing.T) {
	data := testutils.MSSecondLinker(
		[]uint32{100, 200},
		[]uint16{1, 2},
		[]string{"alpha", "rust_oom"},
	)
	idx, err := parseMSIndex(data)
	require.NoError(t, err)

	idx.rename(map[string]string{"rust_oom": "aic_rust_oom"})
	require.True(t, idx.namesChanged)
	assert.Equal(t, []string{"aic_rust_oom", "alpha"}, idx.names)
	assert.Equal(t, []uint16{2, 1}, idx.indices)

	out, err := idx.payload(data, map[uint64]uint64{100: 100, 200: 200})
	require.NoError(t, err)
	again, err := parseMSIndex(out)
	require.NoError(t, err)
	assert.Equal(t, idx.names, again.names)
	assert.Equal(t, idx.indices, again.indices)
	assert.Equal(t, []uint64{100, 200}, again.memberOffsets)
}

func TestMSIndexOffsetPatchOnly(t *testing.T) {
	data := testutils.MSSecondLinker([]uint32{100}, []uint16{1}, []string{"keep"})
	idx, err := parseMSIndex(data)
	require.NoError(t, err)
	idx.rename(nil)

	out, err := idx.payload(data, map[uint64]uint64{100: 130})
	require.NoError(t, err)
	require.Len(t, out, len(data))
	again, err := parseMSIndex(out)
	require.NoError(t, err)
	assert.Equal(t, []uint64{130}, again.memberOffsets)
	assert.Equal(t, []string{"keep"}, again.names)
}

func TestParseBSDIndexErrors(t *testing.T) {
	_, err := parseBSDIndex([]byte{1, 0}, false)
	require.Error(t, err)

	// Ranlib byte count not a multiple of the entry size.
	_, err = parseBSDIndex([]byte{6, 0, 0, 0, 0, 0, 0, 0, 0, 0}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry size")

	// Ranlib byte count past the end of the member.
	_, err = parseBSDIndex([]byte{200, 0, 0, 0}, false)
	require.Error(t, err)

	// String offset outside the blob.
	data := testutils.BSDSymdef([]testutils.SymdefEntry{{Name: "_x", MemberOffset: 20}}, false)
	data[4] = 250 // first entry's ran_strx
	_, err = parseBSDIndex(data, false)
	require.Error(t, err)
}

func TestBSDIndexWideRename(t *testing.T) {
	entries := []testutils.SymdefEntry{
		{Name: "_rust_begin_unwind", MemberOffset: 4096},
		{Name: "_main", MemberOffset: 8192},
	}
	data := testutils.BSDSymdef(entries, true)
	idx, err := parseBSDIndex(data, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"_rust_begin_unwind", "_main"}, idx.names)
	assert.Equal(t, []uint64{4096, 8192}, idx.offsets)

	idx.rename(map[string]string{"_rust_begin_unwind": "_aic_rust_begin_unwind"})
	require.True(t, idx.namesChanged)

	out, err := idx.payload(data, map[uint64]uint64{4096: 5000, 8192: 9000})
	require.NoError(t, err)
	require.Equal(t, idx.payloadLen(int64(len(data))), int64(len(out)))

	again, err := parseBSDIndex(out, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"_aic_rust_begin_unwind", "_main"}, again.names)
	assert.Equal(t, []uint64{5000, 9000}, again.offsets)
}

func TestBSDIndexOffsetPatchOnly(t *testing.T) {
	entries := []testutils.SymdefEntry{{Name: "_sym", MemberOffset: 100}}
	data := testutils.BSDSymdef(entries, false)
	idx, err := parseBSDIndex(data, false)
	require.NoError(t, err)
	idx.rename(nil)

	out, err := idx.payload(data, map[uint64]uint64{100: 160})
	require.NoError(t, err)
	require.Len(t, out, len(data))
	again, err := parseBSDIndex(out, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{160}, again.offsets)
	assert.Equal(t, []string{"_sym"}, again.names)
}

func TestMapOffsetsUnknown(t *testing.T) {
	_, _, err := mapOffsets([]uint64{8, 72}, map[uint64]uint64{8: 8})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown member offset")

	mapped, changed, err := mapOffsets([]uint64{8, 72}, map[uint64]uint64{8: 8, 72: 80})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []uint64{8, 80}, mapped)
}
