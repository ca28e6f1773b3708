package storage

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/melo-engine/internal/config"
)

// MediaStore is the media cache as seen by the resolver. Names are flat
// file names of the form {media_id}.{ext}; the local file is the cache entry.
type MediaStore interface {
	// Path returns the local filesystem path for name, whether or not it exists.
	Path(name string) string

	// Exists reports whether the local cache file exists.
	Exists(ctx context.Context, name string) bool

	// Restore tries to populate the local file from a secondary tier.
	// Returns false (and no error) when no secondary copy exists.
	Restore(ctx context.Context, name string) (bool, error)

	// Commit is called after a fresh download has landed at Path(name).
	Commit(ctx context.Context, name string) error

	// Type returns "local" or "tiered".
	Type() string
}

// New creates a MediaStore based on config. Returns the store and optional
// background services (uploader, reconciler) that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, cacheDir string, log zerolog.Logger) (MediaStore, []BackgroundService, error) {
	local := NewLocalStore(cacheDir)
	if err := local.EnsureDir(); err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled() {
		return local, nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	uploader := NewAsyncUploader(s3store, local, cfg.UploadQueue, cfg.UploadWorkers, log)
	services := []BackgroundService{uploader}
	if cfg.ReconcileOnStart {
		services = append(services, NewUploadReconciler(local, s3store, uploader, log))
	}

	return NewTieredStore(s3store, local, uploader, log), services, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// IsPartialFile reports whether name is an in-progress download or temp file
// rather than a finished cache entry.
func IsPartialFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".part", ".ytdl", ".tmp", ".temp":
		return true
	}
	return strings.Contains(name, ".part-Frag") || strings.Contains(name, ".temp.")
}

// SplitName splits a cache file name into media id and extension (without dot).
// ok is false for names without an extension.
func SplitName(name string) (id, ext string, ok bool) {
	e := filepath.Ext(name)
	if e == "" || e == name {
		return "", "", false
	}
	return strings.TrimSuffix(name, e), strings.TrimPrefix(e, "."), true
}

// contentTypeFromExt returns the MIME type for a cached media file extension.
func contentTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".m4a":
		return "audio/mp4"
	case ".webm":
		return "video/webm"
	case ".wav":
		return "audio/wav"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
