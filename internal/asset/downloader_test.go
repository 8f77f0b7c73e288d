package asset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/hash/sha256"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestDownloaderStoresAvailableAssets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/4HHB.cif":
			_, _ = w.Write([]byte("data_4HHB\n"))
		case "/big.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	blobs := memory.NewBlobStore()
	hasher := sha256.New()
	clock := fixedClock{now: time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)}
	d := NewDownloader(blobs, hasher, clock, srv.Client(), nil, DownloaderConfig{Prefix: "/rcsb/"}, zap.NewNop())

	files := d.Download(context.Background(), []string{srv.URL + "/4HHB.cif", srv.URL + "/gone.png"})
	require.Len(t, files, 1)

	file := files[0]
	require.Equal(t, srv.URL+"/4HHB.cif", file.URL)
	require.EqualValues(t, len("data_4HHB\n"), file.Size)

	wantSum, err := hasher.Hash([]byte("data_4HHB\n"))
	require.NoError(t, err)
	require.Equal(t, wantSum, file.Checksum)

	urlDigest, err := hasher.Hash([]byte(srv.URL + "/4HHB.cif"))
	require.NoError(t, err)
	wantPath := "rcsb/2024-03-09-14/" + urlDigest + ".cif"
	require.Equal(t, "memory://"+wantPath, file.Path)

	stored, ok := blobs.Object(wantPath)
	require.True(t, ok)
	require.Equal(t, "data_4HHB\n", string(stored))
	require.Equal(t, 1, blobs.Len())
}

func TestDownloaderSkipsOversizedAssets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	blobs := memory.NewBlobStore()
	d := NewDownloader(blobs, sha256.New(), fixedClock{now: time.Now()}, srv.Client(), nil,
		DownloaderConfig{MaxBytes: 16}, zap.NewNop())

	files := d.Download(context.Background(), []string{srv.URL + "/big.pdf"})
	require.Empty(t, files)
	require.Zero(t, blobs.Len())
}

func TestContentTypeFallsBackToExtension(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Header: http.Header{}}
	require.Equal(t, "chemical/x-cif", contentType(resp, "https://h/4HHB.cif"))
	require.Equal(t, "image/jpeg", contentType(resp, "https://h/4hhb_model-1.jpeg"))
	require.Equal(t, "application/octet-stream", contentType(resp, "https://h/readme"))

	resp.Header.Set("Content-Type", "image/png")
	require.Equal(t, "image/png", contentType(resp, "https://h/x.cif"))
}
