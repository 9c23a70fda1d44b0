// Package buildclient fetches built execution packages from the Build
// service. Only the manager talks to it.
package buildclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/httpx"
)

// maxPackageSize bounds how large a package zip the manager accepts.
const maxPackageSize = 256 << 20

// Client is the Build service client.
type Client struct {
	base string
	http *retryablehttp.Client
}

// New builds a client for the Build service at baseURL.
//
// The retry policy is the inverse of the usual one: a 4xx means the build is
// not ready yet and should be retried, while a 5xx is fatal for this attempt.
func New(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		base: baseURL,
		http: httpx.NewClient(logger.Named("build"), 3, rebuildRetry),
	}
}

// rebuildRetry retries connection errors and 4xx responses; 5xx fail fast.
func rebuildRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return true, nil
	}
	return false, nil
}

// Publish asks the Build service for the built package of a project and
// returns the zip archive.
func (c *Client) Publish(ctx context.Context, projectID, packageName string) ([]byte, error) {
	u := fmt.Sprintf("%s/project/%s/publish?packageName=%s",
		c.base, url.PathEscape(projectID), url.QueryEscape(packageName))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("buildclient: build publish request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("buildclient: publish %s: %w", projectID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("buildclient: publish %s: %w", projectID,
			&httpx.StatusError{Code: resp.StatusCode, Body: string(body)})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize+1))
	if err != nil {
		return nil, fmt.Errorf("buildclient: read package %s: %w", projectID, err)
	}
	if len(data) > maxPackageSize {
		return nil, fmt.Errorf("buildclient: package %s exceeds %d bytes", projectID, maxPackageSize)
	}
	return data, nil
}
