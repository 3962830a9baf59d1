package fetch_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/fetch"
)

func TestFetch_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/doc":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "alice" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("Last-Modified", "Wed, 01 May 2024 10:00:00 GMT")
			io.WriteString(w, "external")
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := fetch.New(fetch.WithHTTPClient(srv.Client()))
	ctx := context.Background()

	got, err := f.Fetch(ctx, objectstore.FetchRequest{Location: srv.URL + "/doc", Username: "alice", Password: "secret"})
	require.NoError(t, err)
	defer got.Body.Close()
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "external", string(data))
	assert.Equal(t, "text/plain", got.MIMEType)
	assert.Equal(t, 2024, got.ModifiedAt.Year())

	_, err = f.Fetch(ctx, objectstore.FetchRequest{Location: srv.URL + "/gone"})
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "gone: %v", err)

	_, err = f.Fetch(ctx, objectstore.FetchRequest{Location: srv.URL + "/broken"})
	assert.True(t, errors.Is(err, objectstore.ErrStorageDevice), "broken: %v", err)

	_, err = f.Fetch(ctx, objectstore.FetchRequest{Location: srv.URL + "/doc"})
	assert.True(t, errors.Is(err, objectstore.ErrStorageDevice), "unauthorized: %v", err)
}

func TestFetch_Schemes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.txt")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0644))
	ctx := context.Background()

	_, err := fetch.New().Fetch(ctx, objectstore.FetchRequest{Location: "file://" + path})
	assert.True(t, errors.Is(err, objectstore.ErrValidation), "file disabled: %v", err)

	_, err = fetch.New().Fetch(ctx, objectstore.FetchRequest{Location: "ftp://example.org/x"})
	assert.True(t, errors.Is(err, objectstore.ErrValidation))

	got, err := fetch.New(fetch.WithFileAccess(true)).Fetch(ctx, objectstore.FetchRequest{Location: "file://" + path})
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, int64(7), got.Size)

	_, err = fetch.New(fetch.WithFileAccess(true)).Fetch(ctx, objectstore.FetchRequest{Location: "file://" + path + ".missing"})
	assert.True(t, errors.Is(err, objectstore.ErrNotFound))
}
