// Package fetcher opens provider sources over local disk, HTTP and FTP, and
// streams XLSX, CSV, XML and JSON payloads row by row.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher opens a remote or local source for reading.
type Fetcher interface {
	// Download opens the source and returns its body. The caller closes it.
	Download(ctx context.Context, source string) (io.ReadCloser, error)

	// Probe checks that the source is reachable without reading it.
	Probe(ctx context.Context, source string) error
}

// Router dispatches a source to the fetcher for its URL scheme. Sources
// without a scheme, or with file://, are read from local disk.
type Router struct {
	HTTP Fetcher
	FTP  Fetcher
}

// Download implements Fetcher.
func (r *Router) Download(ctx context.Context, source string) (io.ReadCloser, error) {
	f, path, err := r.route(source)
	if err != nil {
		return nil, err
	}
	if f == nil {
		file, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "open %s", path)
		}
		return file, nil
	}
	return f.Download(ctx, source)
}

// Probe implements Fetcher.
func (r *Router) Probe(ctx context.Context, source string) error {
	f, path, err := r.route(source)
	if err != nil {
		return err
	}
	if f == nil {
		info, err := os.Stat(path)
		if err != nil {
			return eris.Wrapf(err, "stat %s", path)
		}
		if info.IsDir() {
			return eris.Errorf("%s is a directory", path)
		}
		return nil
	}
	return f.Probe(ctx, source)
}

func (r *Router) route(source string) (Fetcher, string, error) {
	if source == "" {
		return nil, "", eris.New("empty source")
	}
	scheme := Scheme(source)
	switch scheme {
	case "", "file":
		return nil, strings.TrimPrefix(source, "file://"), nil
	case "http", "https":
		if r.HTTP == nil {
			return nil, "", eris.New("http sources are not configured")
		}
		return r.HTTP, "", nil
	case "ftp":
		if r.FTP == nil {
			return nil, "", eris.New("ftp sources are not configured")
		}
		return r.FTP, "", nil
	default:
		return nil, "", eris.Errorf("unsupported source scheme %q", scheme)
	}
}

// Scheme returns the lowercased URL scheme of source, or "" for a plain
// path. Windows drive letters are treated as paths.
func Scheme(source string) string {
	i := strings.Index(source, "://")
	if i <= 1 {
		return ""
	}
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}
