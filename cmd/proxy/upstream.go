package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erfianugrah/videoproxy/internal/orchestrator"
)

// httpUpstreamFetcher is the http.Client-backed orchestrator.UpstreamFetcher
// referenced by internal/orchestrator's package doc: it performs the actual
// call to the media-transform endpoint built by the orchestrator's
// Pattern/derivative/option pipeline.
type httpUpstreamFetcher struct {
	client *http.Client
}

func newHTTPUpstreamFetcher(timeout time.Duration) *httpUpstreamFetcher {
	return &httpUpstreamFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpUpstreamFetcher) Fetch(ctx context.Context, mediaURL string) (*orchestrator.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}

	return &orchestrator.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
