package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The multipart upload carries the object name in the query string.
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/pdb-assets/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "data_4HHB")
		assert.Contains(t, string(body), "assets/rcsb/2024-03-09-14/abc.cif")
		fmt.Fprintln(w, `{"name": "assets/rcsb/2024-03-09-14/abc.cif", "bucket": "pdb-assets"}`)
	})

	store := newTestStore(t, handler, Config{Bucket: "pdb-assets", Prefix: "/assets/"})
	uri, err := store.PutObject(context.Background(), "rcsb/2024-03-09-14/abc.cif", "chemical/x-cif", bytes.NewReader([]byte("data_4HHB")))
	require.NoError(t, err)
	require.Equal(t, "gs://pdb-assets/assets/rcsb/2024-03-09-14/abc.cif", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	store := newTestStore(t, handler, Config{Bucket: "pdb-assets"})
	_, err := store.PutObject(context.Background(), "x.cif", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	store := newTestStore(t, http.NotFoundHandler(), Config{Bucket: "b"})
	_, err = store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
