// Package fetcher retrieves workflow documents and dependency archives
// from object stores, HTTP servers and the local filesystem.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when the location does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrTooLarge is returned when a resource exceeds the size limit.
	ErrTooLarge = errors.New("resource too large")
)

// UnsupportedSchemeError is returned for a location whose scheme no
// backend handles.
type UnsupportedSchemeError struct {
	Location string
	Scheme   string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported scheme %q in location %q", e.Scheme, e.Location)
}

// Fetcher retrieves the bytes stored at a location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// backend serves the locations of a single scheme.
type backend interface {
	fetch(ctx context.Context, location string) (io.ReadCloser, error)
}

// Compile-time interface check.
var _ Fetcher = (*router)(nil)

type router struct {
	log      logrus.FieldLogger
	backends map[string]backend
	maxSize  int64
}

// NewFetcher creates a Fetcher that routes each location to a backend by
// its scheme: s3://, gs://, http(s):// and, when enabled, file:// or a
// bare path.
func NewFetcher(log logrus.FieldLogger, cfg *config.FetcherConfig) Fetcher {
	r := &router{
		log:      log.WithField("component", "fetcher"),
		backends: make(map[string]backend, 6),
		maxSize:  cfg.GetMaxDocumentSize(),
	}

	r.backends["s3"] = newObjectStore("s3", &cfg.S3)
	r.backends["gs"] = newObjectStore("gs", &cfg.GS)

	web := newHTTPBackend(cfg.GetHTTPTimeout(), cfg.HTTP.Headers)
	r.backends["http"] = web
	r.backends["https"] = web

	if cfg.Local.Enabled {
		r.backends["file"] = newLocalBackend(cfg.Local.Root)
	}

	return r
}

// Fetch reads the resource at location in full.
func (r *router) Fetch(ctx context.Context, location string) ([]byte, error) {
	scheme := Scheme(location)

	b, ok := r.backends[scheme]
	if !ok {
		return nil, &UnsupportedSchemeError{Location: location, Scheme: scheme}
	}

	body, err := b.fetch(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", location, err)
	}

	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, r.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", location, err)
	}

	if int64(len(data)) > r.maxSize {
		return nil, fmt.Errorf(
			"%s exceeds %s: %w", location, units.HumanSize(float64(r.maxSize)), ErrTooLarge,
		)
	}

	r.log.WithField("location", location).
		WithField("size", units.HumanSize(float64(len(data)))).
		Debug("Fetched resource")

	return data, nil
}

// Scheme returns the lower-cased scheme of location. Locations without a
// scheme are local paths and report "file".
func Scheme(location string) string {
	idx := strings.Index(location, "://")
	if idx < 0 {
		return "file"
	}

	return strings.ToLower(location[:idx])
}

// splitBucketKey splits "scheme://bucket/key" into bucket and key.
func splitBucketKey(location string) (string, string, error) {
	_, rest, _ := strings.Cut(location, "://")

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("location %q must be of the form scheme://bucket/key", location)
	}

	return bucket, key, nil
}
