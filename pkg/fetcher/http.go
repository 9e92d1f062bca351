package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Compile-time interface check.
var _ backend = (*httpBackend)(nil)

type httpBackend struct {
	client  *http.Client
	headers map[string]string
}

func newHTTPBackend(timeout time.Duration, headers map[string]string) *httpBackend {
	return &httpBackend{
		client:  &http.Client{Timeout: timeout},
		headers: headers,
	}
}

func (h *httpBackend) fetch(
	ctx context.Context, location string,
) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()

		return nil, ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()

		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return resp.Body, nil
}
