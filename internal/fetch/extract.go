package fetch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// securePath joins an archive entry name onto dir, rejecting absolute
// paths and anything that resolves outside dir.
func securePath(dir, entry string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(entry))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fetch: archive entry %q escapes extraction directory", entry)
	}
	return filepath.Join(dir, clean), nil
}

func writeEntry(fs afero.Fs, target string, r io.Reader, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("fetch: mkdir for %s: %w", target, err)
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("fetch: create %s: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("fetch: write %s: %w", target, err)
	}
	return f.Close()
}

func extractZip(fs afero.Fs, dir string, data []byte, log logrus.FieldLogger) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("fetch: open zip: %w", err)
	}

	files := 0
	for _, f := range zr.File {
		target, err := securePath(dir, f.Name)
		if err != nil {
			return files, err
		}
		if f.FileInfo().IsDir() {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("fetch: mkdir %s: %w", target, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			log.WithField("entry", f.Name).Warn("skipping non-regular zip entry")
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return files, fmt.Errorf("fetch: open zip entry %s: %w", f.Name, err)
		}
		err = writeEntry(fs, target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

func extractTarGz(fs afero.Fs, dir string, data []byte, log logrus.FieldLogger) (int, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("fetch: open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("fetch: read tar: %w", err)
		}

		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("fetch: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(fs, target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files++
		case tar.TypeSymlink, tar.TypeLink:
			log.WithField("entry", hdr.Name).Warn("skipping archive link entry")
		default:
			log.WithFields(logrus.Fields{"entry": hdr.Name, "type": hdr.Typeflag}).
				Warn("skipping unsupported tar entry")
		}
	}
}
