// SPDX-License-Identifier: MIT

package vast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultMaxWrapperDepth bounds wrapper chains.
const DefaultMaxWrapperDepth = 5

const maxResponseSize = 4 << 20

var (
	// ErrWrapperDepth is returned when a wrapper chain exceeds the bound.
	ErrWrapperDepth = errors.New("vast wrapper depth exceeded")
	// ErrNoAds is returned for an empty (no-ad) VAST response.
	ErrNoAds = errors.New("vast response contains no ads")
)

// InlineAd is a fully resolved linear creative.
type InlineAd struct {
	ID         string
	Duration   float64
	MediaFiles []MediaFile
}

// Client fetches and resolves VAST documents. The per-channel timeout is
// supplied by the caller through ctx; the client never outlives it.
type Client struct {
	httpClient      *http.Client
	maxWrapperDepth int
}

// NewClient builds a VAST client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxWrapperDepth: DefaultMaxWrapperDepth,
	}
}

// Resolve fetches url and follows wrappers until inline ads are found.
func (c *Client) Resolve(ctx context.Context, url string) ([]InlineAd, error) {
	var ads []InlineAd
	for depth := 0; ; depth++ {
		if depth > c.maxWrapperDepth {
			return nil, ErrWrapperDepth
		}
		doc, err := c.fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		if len(doc.Ads) == 0 {
			return nil, ErrNoAds
		}

		next := ""
		for _, ad := range doc.Ads {
			switch {
			case ad.InLine != nil:
				inline, err := flatten(ad)
				if err != nil {
					continue // skip broken creatives, keep the rest
				}
				ads = append(ads, inline)
			case ad.Wrapper != nil && next == "":
				next = ad.Wrapper.VASTAdTagURI
			}
		}
		if len(ads) > 0 {
			return ads, nil
		}
		if next == "" {
			return nil, ErrNoAds
		}
		url = next
	}
}

func (c *Client) fetch(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build VAST request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch VAST: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("VAST server returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read VAST body: %w", err)
	}
	return Parse(body)
}

func flatten(ad Ad) (InlineAd, error) {
	for _, cr := range ad.InLine.Creatives {
		if cr.Linear == nil || len(cr.Linear.MediaFiles) == 0 {
			continue
		}
		dur, err := ParseDuration(cr.Linear.Duration)
		if err != nil {
			return InlineAd{}, err
		}
		return InlineAd{
			ID:         ad.ID,
			Duration:   dur,
			MediaFiles: cr.Linear.MediaFiles,
		}, nil
	}
	return InlineAd{}, errors.New("no linear creative with media files")
}
