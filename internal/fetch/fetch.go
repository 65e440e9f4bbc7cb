// Package fetch downloads and unpacks SDK release artifacts published on
// GitHub. Artifacts are verified against the SHA-256 digests recorded in
// the VERSIONS.txt manifest before anything is written to disk.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultBaseURL is the release download root of the SDK repository.
const DefaultBaseURL = "https://github.com/ai-coustics/aic-sdk-c/releases/download"

// ArtifactName returns the release asset filename for a version, platform
// triplet, and archive extension.
func ArtifactName(version, triplet, ext string) string {
	return fmt.Sprintf("aic-sdk-%s-%s.%s", triplet, version, ext)
}

// Client downloads SDK artifacts. The zero value uses http.DefaultClient,
// the OS filesystem, the standard logger, and DefaultBaseURL.
type Client struct {
	HTTP    *http.Client
	Fs      afero.Fs
	Logger  logrus.FieldLogger
	BaseURL string
}

func (c *Client) http() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) fs() afero.Fs {
	if c.Fs != nil {
		return c.Fs
	}
	return afero.NewOsFs()
}

func (c *Client) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

// Download fetches the artifact for version and triplet, verifies its
// SHA-256 digest against p, and extracts it under outDir. The artifact is
// held in memory until verification passes, so a digest mismatch leaves
// the filesystem untouched.
func (c *Client) Download(ctx context.Context, version, triplet string, p Platform, outDir string) error {
	name := ArtifactName(version, triplet, p.Ext)
	url := fmt.Sprintf("%s/%s/%s", c.baseURL(), version, name)
	log := c.logger().WithFields(logrus.Fields{
		"version":  version,
		"platform": triplet,
	})
	log.WithField("url", url).Info("downloading SDK artifact")

	data, err := c.get(ctx, url)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if !strings.EqualFold(actual, p.SHA256) {
		return fmt.Errorf("fetch: %s: sha256 mismatch: expected %s, got %s", name, p.SHA256, actual)
	}
	log.WithField("bytes", len(data)).Info("verified artifact digest")

	var extract func(afero.Fs, string, []byte, logrus.FieldLogger) (int, error)
	switch strings.TrimPrefix(p.Ext, ".") {
	case "zip":
		extract = extractZip
	case "tar.gz", "tgz":
		extract = extractTarGz
	default:
		return fmt.Errorf("fetch: unsupported archive format %q", p.Ext)
	}

	if err := c.fs().MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("fetch: create output directory: %w", err)
	}
	files, err := extract(c.fs(), outDir, data, log)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"files": files, "dir": outDir}).Info("extracted SDK artifact")
	return nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: download %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read response body: %w", err)
	}
	return data, nil
}
