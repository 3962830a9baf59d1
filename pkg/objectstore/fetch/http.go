// Package fetch retrieves externally referenced datastream content.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// DefaultTimeout bounds a whole fetch, including reading the response
// headers.
const DefaultTimeout = 30 * time.Second

// Fetcher fetches http, https and optionally file content.
type Fetcher struct {
	client    *http.Client
	userAgent string
	allowFile bool
	logger    *slog.Logger
}

var _ objectstore.ContentFetcher = (*Fetcher)(nil)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithFileAccess allows file:// locations.
func WithFileAccess(allow bool) Option {
	return func(f *Fetcher) {
		f.allowFile = allow
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// New creates a Fetcher.
func New(options ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: DefaultTimeout},
		userAgent: "simple-objectstore",
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Fetch opens req.Location. The caller closes the returned body.
func (f *Fetcher) Fetch(ctx context.Context, req objectstore.FetchRequest) (*objectstore.FetchedContent, error) {
	u, err := url.Parse(req.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: bad content location %q: %v", objectstore.ErrValidation, req.Location, err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, req)
	case "file":
		if f.allowFile {
			return f.fetchFile(u)
		}
	}
	return nil, fmt.Errorf("%w: content location scheme %q is not allowed", objectstore.ErrValidation, u.Scheme)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, req objectstore.FetchRequest) (*objectstore.FetchedContent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Location, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", objectstore.ErrValidation, err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	if req.Username != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}

	started := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, objectstore.DeviceError("http", "fetch", req.Location, err)
	}
	f.logger.DebugContext(ctx, "fetched external content",
		"location", req.Location, "status", resp.StatusCode, "context", req.ContextToken, "elapsed", time.Since(started))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("external content %s: %w", req.Location, objectstore.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, objectstore.DeviceError("http", "fetch", req.Location, fmt.Errorf("unexpected status %s", resp.Status))
	}

	out := &objectstore.FetchedContent{
		Body:     resp.Body,
		MIMEType: resp.Header.Get("Content-Type"),
		Size:     resp.ContentLength,
		Headers:  make(map[string]string, len(resp.Header)),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			out.ModifiedAt = t
		}
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

func (f *Fetcher) fetchFile(u *url.URL) (*objectstore.FetchedContent, error) {
	file, err := os.Open(u.Path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("external content %s: %w", u, objectstore.ErrNotFound)
	} else if err != nil {
		return nil, objectstore.DeviceError("file", "fetch", u.String(), err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, objectstore.DeviceError("file", "stat", u.String(), err)
	}
	return &objectstore.FetchedContent{
		Body:       file,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
	}, nil
}
