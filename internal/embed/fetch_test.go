package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/errors"
)

func fastFetchRetry() errors.RetryConfig {
	return errors.RetryConfig{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestFetcher_InlineBytesPassThrough(t *testing.T) {
	f := NewFetcher()

	data, err := f.Fetch(context.Background(), FromBytes([]byte{1, 2, 3}))

	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestFetcher_ReadsLocalFile(t *testing.T) {
	// Given an image file on disk
	path := filepath.Join(t.TempDir(), "item.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o644))
	f := NewFetcher()

	// When fetching by path
	data, err := f.Fetch(context.Background(), FromPath(path))

	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)
}

func TestFetcher_MissingFileFails(t *testing.T) {
	f := NewFetcher()

	_, err := f.Fetch(context.Background(), FromPath("/nonexistent/item.jpg"))

	require.Error(t, err)
	assert.Equal(t, errors.KindSourceUnreadable, errors.GetKind(err))
}

func TestFetcher_DownloadsRemoteImage(t *testing.T) {
	// Given a server returning image bytes
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("remote jpeg"))
	}))
	defer srv.Close()
	f := NewFetcher(WithFetchRetry(fastFetchRetry()))

	// When fetching by URL
	data, err := f.Fetch(context.Background(), FromURL(srv.URL+"/photo.jpg"))

	require.NoError(t, err)
	assert.Equal(t, []byte("remote jpeg"), data)
}

func TestFetcher_RejectsNonImageContentType(t *testing.T) {
	// Given a server answering with HTML
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login page</html>"))
	}))
	defer srv.Close()
	f := NewFetcher(WithFetchRetry(fastFetchRetry()))

	// When fetching
	_, err := f.Fetch(context.Background(), FromURL(srv.URL))

	// Then it fails without a retry: the answer will not change
	require.Error(t, err)
	assert.Equal(t, errors.KindSourceUnreadable, errors.GetKind(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcher_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	f := NewFetcher(WithFetchRetry(fastFetchRetry()))

	_, err := f.Fetch(context.Background(), FromURL(srv.URL))

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcher_ServerErrorGetsOneRetry(t *testing.T) {
	// Given a server that fails once, then serves
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()
	f := NewFetcher(WithFetchRetry(fastFetchRetry()))

	// When fetching
	data, err := f.Fetch(context.Background(), FromURL(srv.URL))

	// Then the retry succeeds
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcher_EnforcesSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()
	f := NewFetcher(WithMaxImageBytes(1024), WithFetchRetry(fastFetchRetry()))

	_, err := f.Fetch(context.Background(), FromURL(srv.URL))

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeImageTooLarge, errors.GetCode(err))
}

func TestFetcher_EmptySourceFails(t *testing.T) {
	f := NewFetcher()

	_, err := f.Fetch(context.Background(), ImageSource{})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestFetcher_OversizedInlineBytesFail(t *testing.T) {
	f := NewFetcher(WithMaxImageBytes(4))

	_, err := f.Fetch(context.Background(), FromBytes([]byte("too big payload")))

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeImageTooLarge, errors.GetCode(err))
}
