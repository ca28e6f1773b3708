package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// TieredStore combines the local cache directory (source of truth for
// serving and transcription) with S3 (durability across hosts).
// Write path: the download lands locally, then is pushed to S3 asynchronously.
// Read path: local first; on a local miss Restore pulls the S3 copy down.
type TieredStore struct {
	remote   objectStore
	local    *LocalStore
	uploader *AsyncUploader
	log      zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + S3-backup store.
// uploader may be nil, in which case Commit uploads synchronously.
func NewTieredStore(remote objectStore, local *LocalStore, uploader *AsyncUploader, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		remote:   remote,
		local:    local,
		uploader: uploader,
		log:      log.With().Str("component", "tiered-store").Logger(),
	}
}

func (s *TieredStore) Path(name string) string { return s.local.Path(name) }

func (s *TieredStore) Exists(ctx context.Context, name string) bool {
	return s.local.Exists(ctx, name)
}

// Restore copies the S3 object for name into the local cache.
func (s *TieredStore) Restore(ctx context.Context, name string) (bool, error) {
	if !s.remote.Exists(ctx, name) {
		return false, nil
	}
	r, err := s.remote.Open(ctx, name)
	if err != nil {
		return false, fmt.Errorf("s3 open %s: %w", name, err)
	}
	defer r.Close()
	if err := s.local.Save(ctx, name, r); err != nil {
		return false, fmt.Errorf("restore %s: %w", name, err)
	}
	s.log.Debug().Str("name", name).Msg("restored media from S3")
	return true, nil
}

// Commit backs up a freshly downloaded file. S3 failures are non-fatal;
// the local file is the cache entry and the reconciler retries on start.
func (s *TieredStore) Commit(ctx context.Context, name string) error {
	if s.uploader != nil {
		s.uploader.Enqueue(name)
		return nil
	}
	if err := s.remote.Upload(ctx, name, s.local.Path(name)); err != nil {
		s.log.Warn().Err(err).Str("name", name).Msg("S3 backup write failed")
	}
	return nil
}

func (s *TieredStore) Type() string { return "tiered" }
