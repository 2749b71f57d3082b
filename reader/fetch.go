package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBytes     = 16 << 20
	defaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 readerview/1.0"
)

// Fetcher downloads page bytes directly, outside the rendering engine, so the document can be
// suppressed before the engine ever sees it. There is no retry: a conversion is one attempt.
type Fetcher struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	// MaxBytes caps the body; larger pages fail instead of being truncated.
	MaxBytes int64
	// Header is sent with every request after User-Agent, so it may override it.
	Header http.Header
}

// Download is a completed raw fetch.
type Download struct {
	URL         string
	Body        []byte
	ContentType string
	Status      int
}

// Fetch GETs target and streams its body, reporting received/total after each read when the
// response declares a Content-Length. onProgress may be nil.
func (f *Fetcher) Fetch(ctx context.Context, target string, onProgress func(received, total int64)) (*Download, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("fetch: unsupported URL scheme %q", u.Scheme)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	for k, vs := range f.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch: unexpected status: %d", resp.StatusCode)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	total := resp.ContentLength
	if total > limit {
		return nil, fmt.Errorf("fetch: body of %d bytes exceeds limit %d", total, limit)
	}
	body, err := readWithProgress(resp.Body, total, limit, onProgress)
	if err != nil {
		return nil, err
	}
	final := u.String()
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Download{
		URL:         final,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Status:      resp.StatusCode,
	}, nil
}

var errBodyTooLarge = errors.New("fetch: body exceeds limit")

func readWithProgress(r io.Reader, total, limit int64, onProgress func(received, total int64)) ([]byte, error) {
	capHint := int64(32 << 10)
	if total > 0 {
		capHint = total
	}
	buf := make([]byte, 0, capHint)
	chunk := make([]byte, 32<<10)
	var received int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			received += int64(n)
			if received > limit {
				return nil, errBodyTooLarge
			}
			buf = append(buf, chunk[:n]...)
			if onProgress != nil && total > 0 {
				onProgress(received, total)
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetch: read body: %w", err)
		}
	}
}
