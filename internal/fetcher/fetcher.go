// Package fetcher downloads list files over HTTP or FTP and parses them as
// CSV, XML or XLSX records.
package fetcher

import (
	"context"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
)

// Download is the result of a conditional fetch.
type Download struct {
	// Body is nil when Changed is false. Callers must close it.
	Body io.ReadCloser
	// Version identifies the fetched content (HTTP ETag or Last-Modified,
	// FTP modification time). Empty when the server offers none.
	Version string
	Changed bool
}

// Fetcher retrieves a remote file, skipping the transfer when version
// still matches the server's.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, version string) (*Download, error)
}

// Router dispatches to a Fetcher by URL scheme.
type Router struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewRouter builds a Router with default HTTP and FTP fetchers.
func NewRouter(httpOpts HTTPOptions, ftpOpts FTPOptions) *Router {
	return &Router{
		HTTP: NewHTTPFetcher(httpOpts),
		FTP:  NewFTPFetcher(ftpOpts),
	}
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, rawURL, version string) (*Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	switch u.Scheme {
	case "http", "https":
		return r.HTTP.Fetch(ctx, rawURL, version)
	case "ftp":
		return r.FTP.Fetch(ctx, rawURL, version)
	}
	return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
}
