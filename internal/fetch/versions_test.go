package fetch

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `# AIC SDK release manifest
# version<TAB>platform, ext, hash

0.7.0	x86_64-unknown-linux-gnu, tar.gz, aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
0.7.0	x86_64-pc-windows-msvc, zip, bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
0.6.0	aarch64-apple-darwin, tar.gz, cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc
`

func TestParseVersions(t *testing.T) {
	v, err := ParseVersions(strings.NewReader(sampleManifest))
	require.NoError(t, err)
	require.Len(t, v, 2)

	require.Len(t, v["0.7.0"], 2)
	assert.Equal(t, Platform{Ext: "tar.gz", SHA256: strings.Repeat("a", 64)}, v["0.7.0"]["x86_64-unknown-linux-gnu"])
	assert.Equal(t, Platform{Ext: "zip", SHA256: strings.Repeat("b", 64)}, v["0.7.0"]["x86_64-pc-windows-msvc"])
	assert.Equal(t, Platform{Ext: "tar.gz", SHA256: strings.Repeat("c", 64)}, v["0.6.0"]["aarch64-apple-darwin"])
}

func TestParseVersionsErrors(t *testing.T) {
	valid := "0.7.0\tlinux, tar.gz, abc\n"
	cases := map[string]struct {
		content string
		want    string
	}{
		"missing tab": {
			content: valid + "0.7.0 linux, tar.gz, abc\n",
			want:    "line 2",
		},
		"too few fields": {
			content: valid + "0.7.0\tlinux, tar.gz\n",
			want:    "line 2",
		},
		"too many fields": {
			content: "0.7.0\tlinux, tar.gz, abc, extra\n",
			want:    "line 1",
		},
		"empty platform": {
			content: valid + "\n0.7.0\t, tar.gz, abc\n",
			want:    "line 3: empty field",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseVersions(strings.NewReader(tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestVersionsLookup(t *testing.T) {
	v, err := ParseVersions(strings.NewReader(sampleManifest))
	require.NoError(t, err)

	p, err := v.Lookup("0.7.0", "x86_64-pc-windows-msvc")
	require.NoError(t, err)
	assert.Equal(t, "zip", p.Ext)

	_, err = v.Lookup("9.9.9", "x86_64-pc-windows-msvc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 9.9.9 not found")

	_, err = v.Lookup("0.6.0", "x86_64-pc-windows-msvc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform x86_64-pc-windows-msvc not supported for version 0.6.0")
}

func TestLoadVersions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/VERSIONS.txt", []byte(sampleManifest), 0o644))

	v, err := LoadVersions(fs, "/cfg/VERSIONS.txt")
	require.NoError(t, err)
	assert.Len(t, v, 2)

	_, err = LoadVersions(fs, "/cfg/missing.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open versions file")
}
