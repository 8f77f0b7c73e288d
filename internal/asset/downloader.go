package asset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// DefaultMaxBytes bounds a single downloaded asset.
const DefaultMaxBytes int64 = 256 << 20

// DownloaderConfig controls asset downloads.
type DownloaderConfig struct {
	Prefix    string
	MaxBytes  int64
	UserAgent string
}

// Downloader copies available assets into a BlobStore.
type Downloader struct {
	client  *http.Client
	blobs   crawler.BlobStore
	hasher  crawler.Hasher
	clock   crawler.Clock
	limiter crawler.Limiter
	cfg     DownloaderConfig
	logger  *zap.Logger
}

// NewDownloader constructs a Downloader. A nil client uses a pooled cleanhttp client.
func NewDownloader(
	blobs crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	client *http.Client,
	limiter crawler.Limiter,
	cfg DownloaderConfig,
	logger *zap.Logger,
) *Downloader {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		client:  client,
		blobs:   blobs,
		hasher:  hasher,
		clock:   clock,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Download fetches every url and stores it. A failed asset is logged and
// skipped; the returned slice holds the assets that were stored.
func (d *Downloader) Download(ctx context.Context, urls []string) []crawler.StoredFile {
	files := make([]crawler.StoredFile, 0, len(urls))
	for _, u := range urls {
		file, err := d.downloadOne(ctx, u)
		if err != nil {
			d.logger.Warn("asset download failed", zap.String("url", u), zap.Error(err))
			continue
		}
		files = append(files, file)
	}
	return files
}

func (d *Downloader) downloadOne(ctx context.Context, url string) (crawler.StoredFile, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, url); err != nil {
			return crawler.StoredFile{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return crawler.StoredFile{}, fmt.Errorf("build request: %w", err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return crawler.StoredFile{}, fmt.Errorf("get asset: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("close asset body", zap.String("url", url), zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return crawler.StoredFile{}, &crawler.StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxBytes+1))
	if err != nil {
		return crawler.StoredFile{}, fmt.Errorf("read asset: %w", err)
	}
	if int64(len(data)) > d.cfg.MaxBytes {
		return crawler.StoredFile{}, fmt.Errorf("asset size exceeds max %d", d.cfg.MaxBytes)
	}
	checksum, err := d.hasher.Hash(data)
	if err != nil {
		return crawler.StoredFile{}, fmt.Errorf("hash asset: %w", err)
	}
	blobPath, err := d.blobPath(url)
	if err != nil {
		return crawler.StoredFile{}, err
	}
	uri, err := d.blobs.PutObject(ctx, blobPath, contentType(resp, url), bytes.NewReader(data))
	if err != nil {
		return crawler.StoredFile{}, fmt.Errorf("store asset: %w", err)
	}
	return crawler.StoredFile{
		URL:      url,
		Path:     uri,
		Checksum: checksum,
		Size:     int64(len(data)),
	}, nil
}

// blobPath lays files out as {prefix}/{YYYY-MM-DD-HH}/{hash(url)}{ext}.
func (d *Downloader) blobPath(url string) (string, error) {
	digest, err := d.hasher.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	bucket := d.clock.Now().UTC().Format("2006-01-02-15")
	name := digest + path.Ext(strings.SplitN(url, "?", 2)[0])
	prefix := strings.Trim(d.cfg.Prefix, "/")
	if prefix == "" {
		return bucket + "/" + name, nil
	}
	return prefix + "/" + bucket + "/" + name, nil
}

func contentType(resp *http.Response, url string) string {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	switch path.Ext(url) {
	case ".cif":
		return "chemical/x-cif"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpeg", ".jpg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
