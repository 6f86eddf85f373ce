package artifacts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// HTTPSource reads artifacts served over plain HTTP(S), typically a model
// blob server inside the cluster.
type HTTPSource struct {
	Client *http.Client
}

var _ Source = (*HTTPSource)(nil)

func (s *HTTPSource) Download(ctx context.Context, location *url.URL, destPath string) error {
	log := klog.FromContext(ctx)

	u := location.String()
	log.Info("downloading from url", "url", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := s.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("artifact %q not found: %w", u, os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, destPath)
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}

	log.Info("downloaded artifact", "url", u, "bytes", n, "duration", time.Since(startedAt))

	return nil
}
