package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// Cache resolves artifact locations to local files, downloading remote
// ones into BaseDir the first time they are requested.
type Cache struct {
	BaseDir string
	Sources map[string]Source
}

// NewCache returns a cache serving gs://, http:// and https:// locations.
func NewCache(baseDir string) *Cache {
	httpSource := &HTTPSource{}
	return &Cache{
		BaseDir: baseDir,
		Sources: map[string]Source{
			"gs":    &GCSSource{},
			"http":  httpSource,
			"https": httpSource,
		},
	}
}

// Resolve returns a local path for location. Plain paths and file:// URLs
// are returned as-is.
func (c *Cache) Resolve(ctx context.Context, location string) (string, error) {
	log := klog.FromContext(ctx)

	if !strings.Contains(location, "://") {
		return expandHome(location)
	}

	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing artifact location %q: %w", location, err)
	}
	if u.Scheme == "file" {
		return u.Path, nil
	}

	source, ok := c.Sources[u.Scheme]
	if !ok {
		return "", fmt.Errorf("unsupported artifact scheme %q in %q", u.Scheme, location)
	}

	baseDir, err := expandHome(c.BaseDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory %q: %w", baseDir, err)
	}

	localPath := filepath.Join(baseDir, cacheKey(u))
	if _, err := os.Stat(localPath); err == nil {
		log.V(2).Info("artifact found in cache", "location", location, "path", localPath)
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking cache for %q: %w", location, err)
	}

	if err := source.Download(ctx, u, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

// cacheKey keeps the file extension readable while keying on the full URL.
func cacheKey(u *url.URL) string {
	sum := sha256.Sum256([]byte(u.String()))
	return hex.EncodeToString(sum[:8]) + "-" + path.Base(u.Path)
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/")), nil
}

func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
