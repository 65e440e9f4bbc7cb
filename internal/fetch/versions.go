package fetch

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// Platform describes one downloadable artifact of an SDK release.
type Platform struct {
	// Ext is the archive extension without a leading dot, e.g. "tar.gz".
	Ext string
	// SHA256 is the expected hex digest of the artifact.
	SHA256 string
}

// Versions maps release version to platform triplet to artifact details,
// as read from a VERSIONS.txt manifest.
type Versions map[string]map[string]Platform

// ParseVersions reads a VERSIONS.txt manifest. Each non-comment line has
// the form "version<TAB>platform, ext, hash"; blank lines and lines
// starting with '#' are skipped.
func ParseVersions(r io.Reader) (Versions, error) {
	v := Versions{}
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) != 2 {
			return nil, fmt.Errorf("fetch: VERSIONS.txt line %d: expected \"version<TAB>platform, ext, hash\"", lineNum)
		}
		version := strings.TrimSpace(parts[0])

		fields := strings.Split(parts[1], ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("fetch: VERSIONS.txt line %d: expected \"platform, ext, hash\" after version", lineNum)
		}
		triplet := strings.TrimSpace(fields[0])
		ext := strings.TrimSpace(fields[1])
		hash := strings.TrimSpace(fields[2])
		if version == "" || triplet == "" || ext == "" || hash == "" {
			return nil, fmt.Errorf("fetch: VERSIONS.txt line %d: empty field", lineNum)
		}

		if v[version] == nil {
			v[version] = map[string]Platform{}
		}
		v[version][triplet] = Platform{Ext: ext, SHA256: hash}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fetch: read VERSIONS.txt: %w", err)
	}
	return v, nil
}

// LoadVersions parses the manifest at path.
func LoadVersions(fs afero.Fs, path string) (Versions, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fetch: open versions file: %w", err)
	}
	defer f.Close()
	return ParseVersions(f)
}

// Lookup resolves the artifact details for a version and platform triplet.
func (v Versions) Lookup(version, triplet string) (Platform, error) {
	platforms, ok := v[version]
	if !ok {
		return Platform{}, fmt.Errorf("fetch: version %s not found in versions file", version)
	}
	p, ok := platforms[triplet]
	if !ok {
		return Platform{}, fmt.Errorf("fetch: platform %s not supported for version %s", triplet, version)
	}
	return p, nil
}
