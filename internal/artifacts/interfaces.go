package artifacts

import (
	"context"
	"net/url"
)

// Source downloads remote model artifacts.
type Source interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, location *url.URL, destPath string) error
}
