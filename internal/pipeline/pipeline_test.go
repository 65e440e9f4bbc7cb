package pipeline

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bengreenier/aic-gn/internal/ar"
	"github.com/bengreenier/aic-gn/internal/objfile"
	"github.com/bengreenier/aic-gn/internal/testutils"
)

func newTestPipeline(fs afero.Fs) (*Pipeline, *testutils.LogHook) {
	hook := testutils.NewLogHook()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(hook)
	return &Pipeline{Fs: fs, Logger: logger, Jobs: 2}, hook
}

// scenarioArchive builds a GNU archive holding a symbol index, one ELF
// object defining rust_eh_personality, main, and __rust_alloc, and one
// plain-text member that must pass through untouched.
func scenarioArchive(t *testing.T) []byte {
	t.Helper()
	obj := testutils.BuildELF([]string{"rust_eh_personality", "main", "__rust_alloc"}, testutils.ELFOpts{})
	notes := []byte("member that is not an object\n")
	names := []string{"rust_eh_personality", "__rust_alloc", "main"}
	members := []testutils.ArMember{
		{NameField: "/", Data: testutils.GNUSymbolIndex([]uint32{0, 0, 0}, names)},
		{NameField: "obj.o/", Data: obj},
		{NameField: "notes.txt/", Data: notes},
	}
	offs := testutils.ArchiveOffsets(members...)
	objOff := uint32(offs[1])
	members[0].Data = testutils.GNUSymbolIndex([]uint32{objOff, objOff, objOff}, names)
	return testutils.BuildArchive(members...)
}

func writeFile(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
}

func TestRunScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)
	src := scenarioArchive(t)
	writeFile(t, fs, "/work/libx.a", src)

	res, err := p.Run("/work/libx.a", "/work/libx-renamed.a")
	require.NoError(t, err)

	assert.Equal(t, OutcomeRenamed, res.Outcome)
	assert.Equal(t, 2, res.Occurrences)
	require.Len(t, res.Members, 3)

	assert.True(t, res.Members[0].Metadata)
	assert.Equal(t, "symbol-index", res.Members[0].Format)
	assert.Zero(t, res.Members[0].Occurrences)

	assert.Equal(t, "obj.o", res.Members[1].Name)
	assert.Equal(t, "elf", res.Members[1].Format)
	assert.Equal(t, 2, res.Members[1].Occurrences)

	assert.Equal(t, "notes.txt", res.Members[2].Name)
	assert.Equal(t, "unknown", res.Members[2].Format)
	assert.Zero(t, res.Members[2].Occurrences)

	out, err := afero.ReadFile(fs, "/work/libx-renamed.a")
	require.NoError(t, err)
	archive, err := ar.Parse(out)
	require.NoError(t, err)
	require.Len(t, archive.Members, 3)
	assert.Equal(t, "obj.o", archive.Members[1].Name)
	assert.Equal(t, "notes.txt", archive.Members[2].Name)

	f, err := elf.NewFile(bytes.NewReader(archive.Members[1].Data))
	require.NoError(t, err)
	syms, err := f.Symbols()
	require.NoError(t, err)
	var symNames []string
	for _, s := range syms {
		symNames = append(symNames, s.Name)
	}
	assert.ElementsMatch(t, []string{"aic_rust_eh_personality", "main", "aic___rust_alloc"}, symNames)

	// Pass-through member is untouched, and the symbol index now lists the
	// renamed definitions.
	assert.Equal(t, []byte("member that is not an object\n"), archive.Members[2].Data)
	assert.True(t, bytes.Contains(archive.Members[0].Data, []byte("aic_rust_eh_personality\x00")))
	assert.False(t, bytes.Contains(archive.Members[0].Data, []byte("\x00rust_eh_personality\x00")))
}

func TestRunNoMatchesRoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, hook := newTestPipeline(fs)

	obj := testutils.BuildELF([]string{"main", "helper"}, testutils.ELFOpts{})
	src := testutils.BuildArchive(testutils.ArMember{NameField: "obj.o/", Data: obj})
	writeFile(t, fs, "/in/lib.a", src)

	res, err := p.Run("/in/lib.a", "/in/out.a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenamed, res.Outcome)
	assert.Zero(t, res.Occurrences)

	out, err := afero.ReadFile(fs, "/in/out.a")
	require.NoError(t, err)
	assert.Equal(t, src, out, "zero renames must reproduce the source byte for byte")

	assert.True(t, testutils.LogContains(hook.Drain(), logrus.WarnLevel, "no runtime symbols"))
}

func TestRunFallback(t *testing.T) {
	cases := map[string][]byte{
		"real archive": scenarioArchive(t),
		// Probing precedes parsing, so even a non-archive source is
		// copied verbatim when the environment is incapable.
		"not an archive": []byte("opaque vendor blob"),
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			p, hook := newTestPipeline(fs)
			p.Prober = StaticProber{Result: Incapable}
			writeFile(t, fs, "/v/lib.a", src)

			res, err := p.Run("/v/lib.a", "/v/out.a")
			require.NoError(t, err)
			assert.Equal(t, OutcomeFallbackRequired, res.Outcome)
			assert.Zero(t, res.Occurrences)
			assert.Empty(t, res.Members)

			out, err := afero.ReadFile(fs, "/v/out.a")
			require.NoError(t, err)
			assert.Equal(t, src, out)
			assert.True(t, testutils.LogContains(hook.Drain(), logrus.WarnLevel, "copying archive verbatim"))
		})
	}
}

func TestRunMalformedArchiveLeavesNoDestination(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)
	writeFile(t, fs, "/x/broken.a", []byte("!<arch>\ncorrupt"))

	_, err := p.Run("/x/broken.a", "/x/out.a")
	require.ErrorIs(t, err, ar.ErrMalformedArchive)

	exists, err := afero.Exists(fs, "/x/out.a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunUnsupportedMemberFailsWholeRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)

	good := testutils.BuildELF([]string{"rust_panic"}, testutils.ELFOpts{})
	bad := testutils.BuildCOFF([]string{"rust_panic"}, testutils.COFFOpts{TrailingData: []byte("JUNK")})
	src := testutils.BuildArchive(
		testutils.ArMember{NameField: "good.o/", Data: good},
		testutils.ArMember{NameField: "bad.obj/", Data: bad},
	)
	writeFile(t, fs, "/x/lib.a", src)

	_, err := p.Run("/x/lib.a", "/x/out.a")
	require.ErrorIs(t, err, objfile.ErrUnsupportedLayout)
	assert.Contains(t, err.Error(), "bad.obj")

	exists, err := afero.Exists(fs, "/x/out.a")
	require.NoError(t, err)
	assert.False(t, exists, "a selectively rewritten archive must never be written")
}

func TestRunMissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)
	_, err := p.Run("/nope/lib.a", "/nope/out.a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read source archive")
}

func TestRunDeterministicAcrossRuns(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)
	src := scenarioArchive(t)
	writeFile(t, fs, "/d/lib.a", src)

	first, err := p.Run("/d/lib.a", "/d/out1.a")
	require.NoError(t, err)
	second, err := p.Run("/d/lib.a", "/d/out2.a")
	require.NoError(t, err)

	assert.Equal(t, first.Occurrences, second.Occurrences)
	out1, err := afero.ReadFile(fs, "/d/out1.a")
	require.NoError(t, err)
	out2, err := afero.ReadFile(fs, "/d/out2.a")
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}

func TestRunPreservesOrderUnderParallelism(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)
	p.Jobs = 3

	var members []testutils.ArMember
	for i := 0; i < 8; i++ {
		obj := testutils.BuildELF([]string{"rust_panic", fmt.Sprintf("fn_%d", i)}, testutils.ELFOpts{})
		members = append(members, testutils.ArMember{NameField: fmt.Sprintf("obj%d.o/", i), Data: obj})
	}
	writeFile(t, fs, "/p/lib.a", testutils.BuildArchive(members...))

	res, err := p.Run("/p/lib.a", "/p/out.a")
	require.NoError(t, err)
	assert.Equal(t, 8, res.Occurrences)
	require.Len(t, res.Members, 8)
	for i, m := range res.Members {
		assert.Equal(t, fmt.Sprintf("obj%d.o", i), m.Name)
		assert.Equal(t, 1, m.Occurrences)
	}

	out, err := afero.ReadFile(fs, "/p/out.a")
	require.NoError(t, err)
	archive, err := ar.Parse(out)
	require.NoError(t, err)
	for i, m := range archive.Members {
		assert.Equal(t, fmt.Sprintf("obj%d.o", i), m.Name)
	}
}

func TestRunMixedFormats(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)

	src := testutils.BuildArchive(
		testutils.ArMember{NameField: "linux.o/", Data: testutils.BuildELF([]string{"rust_oom"}, testutils.ELFOpts{})},
		testutils.ArMember{NameField: "win.obj/", Data: testutils.BuildCOFF([]string{"rust_oom"}, testutils.COFFOpts{})},
		testutils.ArMember{NameField: "mac.o/", Data: testutils.BuildMachO([]string{"_rust_oom"}, testutils.MachOOpts{})},
	)
	writeFile(t, fs, "/m/lib.a", src)

	res, err := p.Run("/m/lib.a", "/m/out.a")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Occurrences)
	assert.Equal(t, "elf", res.Members[0].Format)
	assert.Equal(t, "coff", res.Members[1].Format)
	assert.Equal(t, "macho", res.Members[2].Format)
}

func TestRunOverwritesDestination(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestPipeline(fs)
	src := scenarioArchive(t)
	writeFile(t, fs, "/o/lib.a", src)
	writeFile(t, fs, "/o/out.a", []byte("stale previous output"))

	_, err := p.Run("/o/lib.a", "/o/out.a")
	require.NoError(t, err)

	out, err := afero.ReadFile(fs, "/o/out.a")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte(ar.Magic)))
	assert.NotEqual(t, []byte("stale previous output"), out)
}

func TestNativeProber(t *testing.T) {
	assert.Equal(t, Capable, NativeProber{}.Probe())
	formats := NativeProber{}.Formats()
	assert.Equal(t, map[string]bool{"elf": true, "coff": true, "macho": true}, formats)
}
