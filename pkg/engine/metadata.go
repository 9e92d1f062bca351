package engine

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/go-units"
)

// Metadata is the raw metadata document of a job.
type Metadata map[string]any

// CallStatuses returns the executionStatus of every attempt of the named
// call, in document order. A missing call yields nil.
func (m Metadata) CallStatuses(call string) []string {
	calls, ok := m["calls"].(map[string]any)
	if !ok {
		return nil
	}

	attempts, ok := calls[call].([]any)
	if !ok {
		return nil
	}

	statuses := make([]string, 0, len(attempts))

	for _, a := range attempts {
		attempt, ok := a.(map[string]any)
		if !ok {
			continue
		}

		if s, ok := attempt["executionStatus"].(string); ok {
			statuses = append(statuses, s)
		}
	}

	return statuses
}

// CallFailed reports whether any attempt of the named call has a status
// other than Done.
func (m Metadata) CallFailed(call string) bool {
	for _, s := range m.CallStatuses(call) {
		if !strings.EqualFold(s, "Done") {
			return true
		}
	}

	return false
}

// ErrArchiveTooLarge is returned when dependency archives expand past
// the size limit.
var ErrArchiveTooLarge = errors.New("dependency archive too large")

// ZipDependencies builds a dependency archive from named documents plus
// the entries of existing zip archives. Named documents win over
// archive entries with the same path. The entries read from archives may
// expand to at most maxSize bytes in total; zero or less means no limit.
func ZipDependencies(
	maxSize int64, files map[string][]byte, archives ...[]byte,
) ([]byte, error) {
	entries := make(map[string][]byte, len(files))

	remaining := int64(-1)
	if maxSize > 0 {
		remaining = maxSize
	}

	for _, archive := range archives {
		zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
		if err != nil {
			return nil, fmt.Errorf("opening dependency archive: %w", err)
		}

		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}

			data, err := readZipFile(f, remaining)
			if err != nil {
				if errors.Is(err, ErrArchiveTooLarge) {
					return nil, fmt.Errorf(
						"archive entries exceed %s: %w", units.HumanSize(float64(maxSize)), err,
					)
				}

				return nil, err
			}

			if remaining >= 0 {
				remaining -= int64(len(data))
			}

			entries[f.Name] = data
		}
	}

	for name, data := range files {
		entries[name] = data
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}

	sort.Strings(names)

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("adding %s to archive: %w", name, err)
		}

		if _, err := w.Write(entries[name]); err != nil {
			return nil, fmt.Errorf("writing %s to archive: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	return buf.Bytes(), nil
}

// readZipFile decompresses f. A non-negative limit caps the number of
// bytes read.
func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s in archive: %w", f.Name, err)
	}

	defer func() { _ = rc.Close() }()

	var r io.Reader = rc
	if limit >= 0 {
		r = io.LimitReader(rc, limit+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s in archive: %w", f.Name, err)
	}

	if limit >= 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w", f.Name, ErrArchiveTooLarge)
	}

	return data, nil
}
