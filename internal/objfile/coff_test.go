package objfile

import (
	"bytes"
	"debug/pe"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bengreenier/aic-gn/internal/rename"
	"github.com/bengreenier/aic-gn/internal/testutils"
)

func coffSymbolNames(t *testing.T, data []byte) []string {
	t.Helper()
	f, err := pe.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	var names []string
	for i := 0; i < len(f.COFFSymbols); {
		s := f.COFFSymbols[i]
		name, err := s.FullName(f.StringTable)
		require.NoError(t, err)
		names = append(names, name)
		i += 1 + int(s.NumberOfAuxSymbols)
	}
	return names
}

func TestRewriteCOFFInlineAndLongNames(t *testing.T) {
	// "rust_oom" fits the 8-byte inline field, its replacement does not.
	obj := testutils.BuildCOFF(
		[]string{"rust_oom", "__rust_alloc_error_handler", "main"},
		testutils.COFFOpts{},
	)
	res, err := Rewrite(obj, rename.Default())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Occurrences)
	assert.Equal(t, map[string]string{
		"rust_oom":                   "aic_rust_oom",
		"__rust_alloc_error_handler": "aic___rust_alloc_error_handler",
	}, res.Applied)

	names := coffSymbolNames(t, res.Data)
	assert.Contains(t, names, "aic_rust_oom")
	assert.Contains(t, names, "aic___rust_alloc_error_handler")
	assert.Contains(t, names, "main")
	assert.NotContains(t, names, "rust_oom")
}

func TestRewriteCOFFI386Underscore(t *testing.T) {
	obj := testutils.BuildCOFF(
		[]string{"_rust_oom", "rust_oom", "_main"},
		testutils.COFFOpts{Machine: 0x14c},
	)
	res, err := Rewrite(obj, rename.Default())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Occurrences)
	assert.Equal(t, map[string]string{"_rust_oom": "_aic_rust_oom"}, res.Applied)

	names := coffSymbolNames(t, res.Data)
	assert.Contains(t, names, "_aic_rust_oom")
	assert.Contains(t, names, "rust_oom", "undecorated name must survive on i386")
	assert.Contains(t, names, "_main")
}

func TestRewriteCOFFDecorationByMachine(t *testing.T) {
	machines := map[string]struct {
		machine uint16
		renamed bool
	}{
		"amd64": {0x8664, true},
		"arm64": {0xaa64, true},
		"arm":   {0x1c0, true},
		"armnt": {0x1c4, true},
		"i386":  {0x14c, false}, // undecorated name does not match there
	}
	for name, tc := range machines {
		t.Run(name, func(t *testing.T) {
			obj := testutils.BuildCOFF([]string{"rust_begin_unwind"}, testutils.COFFOpts{Machine: tc.machine})
			res, err := Rewrite(obj, rename.Default())
			require.NoError(t, err)
			if tc.renamed {
				assert.Equal(t, 1, res.Occurrences)
			} else {
				assert.Zero(t, res.Occurrences)
			}
		})
	}
}

func TestRewriteCOFFAuxRecordsSkipped(t *testing.T) {
	obj := testutils.BuildCOFF([]string{"rust_panic"}, testutils.COFFOpts{FileAux: true})
	res, err := Rewrite(obj, rename.Default())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Occurrences)
	names := coffSymbolNames(t, res.Data)
	assert.Contains(t, names, ".file")
	assert.Contains(t, names, "aic_rust_panic")
}

func TestRewriteCOFFTrailingDataRejected(t *testing.T) {
	obj := testutils.BuildCOFF([]string{"rust_panic"}, testutils.COFFOpts{TrailingData: []byte("JUNK")})
	_, err := Rewrite(obj, rename.Default())
	require.ErrorIs(t, err, ErrUnsupportedLayout)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestRewriteCOFFNoSymbols(t *testing.T) {
	obj := testutils.BuildCOFF(nil, testutils.COFFOpts{})
	res, err := Rewrite(obj, rename.Default())
	require.NoError(t, err)
	assert.Zero(t, res.Occurrences)
	assert.Equal(t, obj, res.Data)
}

func TestRewriteCOFFNoMatch(t *testing.T) {
	obj := testutils.BuildCOFF([]string{"memcpy", "a_perfectly_ordinary_function"}, testutils.COFFOpts{})
	res, err := Rewrite(obj, rename.Default())
	require.NoError(t, err)
	assert.Zero(t, res.Occurrences)
	assert.Equal(t, obj, res.Data)
}

func TestRewriteCOFFSecondPassFindsNothing(t *testing.T) {
	obj := testutils.BuildCOFF([]string{"__rust_realloc"}, testutils.COFFOpts{})
	first, err := Rewrite(obj, rename.Default())
	require.NoError(t, err)
	require.Equal(t, 1, first.Occurrences)

	second, err := Rewrite(first.Data, rename.Default())
	require.NoError(t, err)
	assert.Zero(t, second.Occurrences)
	assert.Equal(t, first.Data, second.Data)
}
