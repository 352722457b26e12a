// SPDX-License-Identifier: MIT

// Package origin fetches manifests from channel origins.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stitchd/stitchd/internal/stitch"
)

// maxManifestSize caps how much of an origin response we will read.
const maxManifestSize = 10 << 20

// Fetcher retrieves origin playlists with a hard deadline. Cancellation of
// the inbound viewer request cancels the outbound fetch through ctx.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewFetcher builds a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: timeout,
	}
}

// Fetch GETs url and returns the body. Any transport error or non-2xx
// status surfaces as OriginUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, stitch.E(stitch.KindOriginUnavailable, "build origin request", err)
	}
	req.Header.Set("User-Agent", "stitchd/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, stitch.E(stitch.KindOriginUnavailable, "origin fetch", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, stitch.E(stitch.KindOriginUnavailable,
			fmt.Sprintf("origin returned %d for %s", resp.StatusCode, url), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, stitch.E(stitch.KindOriginUnavailable, "read origin body", err)
	}
	return body, nil
}
