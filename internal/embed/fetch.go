package embed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"fotopoisk/internal/errors"
)

// Fetcher loads image bytes from an ImageSource. Remote fetches get a
// bounded body, a content-type check and a single retry; local reads fail
// fast.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	retry    errors.RetryConfig
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetchTimeout bounds a single remote fetch attempt.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.client.Timeout = d }
}

// WithMaxImageBytes caps the accepted body size.
func WithMaxImageBytes(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithFetchRetry overrides the retry policy for remote fetches.
func WithFetchRetry(rc errors.RetryConfig) FetcherOption {
	return func(f *Fetcher) { f.retry = rc }
}

// NewFetcher builds a Fetcher with a pooled transport, a 15s per-attempt
// timeout and a 10 MiB body cap.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		maxBytes: 10 << 20,
		retry:    errors.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves the source to raw image bytes.
func (f *Fetcher) Fetch(ctx context.Context, src ImageSource) ([]byte, error) {
	switch {
	case len(src.Data) > 0:
		if int64(len(src.Data)) > f.maxBytes {
			return nil, errors.New(errors.ErrCodeImageTooLarge,
				fmt.Sprintf("image is %d bytes, limit is %d", len(src.Data), f.maxBytes), nil)
		}
		return src.Data, nil
	case src.Path != "":
		return f.readFile(src.Path)
	case src.URL != "":
		return errors.RetryWithResult(ctx, f.retry, func() ([]byte, error) {
			return f.download(ctx, src.URL)
		})
	default:
		return nil, errors.New(errors.ErrCodeInvalidArgument, "no image source provided", nil)
	}
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.SourceError(fmt.Sprintf("cannot read image file %s", path), err).
			WithSuggestion("Check that the path exists and is readable")
	}
	if info.Size() > f.maxBytes {
		return nil, errors.New(errors.ErrCodeImageTooLarge,
			fmt.Sprintf("image %s is %d bytes, limit is %d", path, info.Size(), f.maxBytes), nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.SourceError(fmt.Sprintf("cannot read image file %s", path), err)
	}
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid image URL %s", url), err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.ErrCodeFetchFailed,
			fmt.Sprintf("fetching %s failed", url), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		perr := errors.New(errors.ErrCodeFetchFailed,
			fmt.Sprintf("fetching %s returned status %d", url, resp.StatusCode), nil)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The origin rejected us; retrying the same URL will not help.
			perr.Retryable = false
		}
		return nil, perr
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "image/") && !strings.HasPrefix(ct, "application/octet-stream") {
		perr := errors.SourceError(
			fmt.Sprintf("%s returned %q, expected an image", url, ct), nil)
		perr.Retryable = false
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, errors.New(errors.ErrCodeFetchFailed,
			fmt.Sprintf("reading body of %s failed", url), err)
	}
	if int64(len(body)) > f.maxBytes {
		perr := errors.New(errors.ErrCodeImageTooLarge,
			fmt.Sprintf("image at %s exceeds %d bytes", url, f.maxBytes), nil)
		perr.Retryable = false
		return nil, perr
	}
	if len(body) == 0 {
		return nil, errors.SourceError(fmt.Sprintf("%s returned an empty body", url), nil)
	}
	return body, nil
}
