package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSSource reads gs://bucket/object URLs with application default credentials.
type GCSSource struct{}

var _ Source = (*GCSSource)(nil)

func (s *GCSSource) Download(ctx context.Context, location *url.URL, destPath string) error {
	log := klog.FromContext(ctx)

	bucket := location.Host
	objectKey := strings.TrimPrefix(location.Path, "/")
	if bucket == "" || objectKey == "" {
		return fmt.Errorf("invalid GCS url %q, expected gs://<bucket>/<object>", location)
	}
	gcsURL := location.String()

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Info("downloading artifact from GCS", "source", gcsURL, "destination", destPath)

	startedAt := time.Now()
	r, err := client.Bucket(bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("artifact %q not found: %w", gcsURL, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destPath)
	if err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded artifact from GCS", "source", gcsURL, "destination", destPath, "bytes", n, "duration", time.Since(startedAt))

	return nil
}
