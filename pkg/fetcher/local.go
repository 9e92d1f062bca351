package fetcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time interface check.
var _ backend = (*localBackend)(nil)

type localBackend struct {
	// root confines reads to a directory when non-empty.
	root string
}

func newLocalBackend(root string) *localBackend {
	return &localBackend{root: root}
}

func (l *localBackend) fetch(
	_ context.Context, location string,
) (io.ReadCloser, error) {
	path, err := l.resolve(strings.TrimPrefix(location, "file://"))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return f, nil
}

func (l *localBackend) resolve(path string) (string, error) {
	if l.root == "" {
		return filepath.Clean(path), nil
	}

	root, err := filepath.Abs(l.root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}

	full := filepath.Join(root, filepath.Clean("/"+path))

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", path, root)
	}

	return full, nil
}
