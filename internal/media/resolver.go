package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/melo-engine/internal/metrics"
	"github.com/snarg/melo-engine/internal/storage"
)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Extractor       Extractor
	Store           storage.MediaStore
	URLPrefix       string // URL path the cache directory is served under
	AllowVideo      bool
	MetadataTimeout time.Duration // 0 = no timeout
	DownloadTimeout time.Duration // 0 = no timeout
	Log             zerolog.Logger
}

// Resolver turns a media URL into a cached file plus a Descriptor.
type Resolver struct {
	extractor       Extractor
	store           storage.MediaStore
	urlPrefix       string
	allowVideo      bool
	metadataTimeout time.Duration
	downloadTimeout time.Duration
	locks           *keyedMutex
	log             zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(opts ResolverOptions) *Resolver {
	prefix := "/" + strings.Trim(opts.URLPrefix, "/")
	return &Resolver{
		extractor:       opts.Extractor,
		store:           opts.Store,
		urlPrefix:       prefix,
		allowVideo:      opts.AllowVideo,
		metadataTimeout: opts.MetadataTimeout,
		downloadTimeout: opts.DownloadTimeout,
		locks:           newKeyedMutex(),
		log:             opts.Log,
	}
}

// Fetch resolves req.URL. Metadata is always fetched because the cache key
// is only known from it; the download happens only on a cache miss or when
// req.ForceRedownload is set.
func (r *Resolver) Fetch(ctx context.Context, req FetchRequest) (*Descriptor, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrUpstreamMetadata)
	}

	meta, err := r.metadata(ctx, rawURL)
	if err != nil {
		metrics.MediaFetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	id, err := meta.MediaID()
	if err != nil {
		metrics.MediaFetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// Extension is fixed before the cache check so hits and misses agree.
	kind := meta.Kind(r.allowVideo)
	name := id + "." + kind.Extension()
	log := r.log.With().Str("media_id", id).Str("kind", string(kind)).Logger()

	unlock := r.locks.Lock(id)
	defer unlock()

	result, err := r.ensureCached(ctx, log, meta, rawURL, name, kind, req.ForceRedownload)
	if err != nil {
		metrics.MediaFetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.MediaFetchesTotal.WithLabelValues(result).Inc()

	return &Descriptor{
		MediaType:       kind,
		MediaID:         id,
		Title:           meta.DisplayTitle(),
		Artist:          meta.ArtistName(),
		CoverURL:        nonEmpty(meta.Thumbnail),
		DurationSeconds: meta.DurationSeconds(),
		MediaURL:        path.Join(r.urlPrefix, url.PathEscape(name)),
		LocalPath:       r.store.Path(name),
	}, nil
}

// ensureCached returns how the entry was satisfied: "hit", "restored",
// "miss" or "forced".
func (r *Resolver) ensureCached(ctx context.Context, log zerolog.Logger, meta *Metadata, rawURL, name string, kind Kind, force bool) (string, error) {
	if !force {
		if r.store.Exists(ctx, name) {
			log.Info().Msg("cache hit")
			return "hit", nil
		}
		restored, err := r.store.Restore(ctx, name)
		if err != nil {
			log.Warn().Err(err).Msg("restore from secondary tier failed, downloading")
		} else if restored {
			log.Info().Msg("cache hit (restored)")
			return "restored", nil
		}
	}

	source := meta.WebpageURL
	if source == "" {
		source = rawURL
	}
	localPath := r.store.Path(name)
	template := strings.TrimSuffix(localPath, "."+kind.Extension()) + ".%(ext)s"

	if force {
		log.Info().Msg("forced re-download")
	} else {
		log.Info().Msg("cache miss, downloading")
	}

	dctx, cancel := withTimeout(ctx, r.downloadTimeout)
	defer cancel()
	start := time.Now()
	err := r.extractor.Download(dctx, DownloadRequest{
		URL:            source,
		Kind:           kind,
		OutputTemplate: template,
		Force:          force,
	})
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s: %w", ErrDownload, r.downloadTimeout, err)
		}
		return "", asKind(err, ErrDownload)
	}
	metrics.DownloadDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if !r.store.Exists(ctx, name) {
		return "", fmt.Errorf("%w: yt-dlp finished but %s is missing", ErrDownload, localPath)
	}
	if err := r.store.Commit(ctx, name); err != nil {
		log.Warn().Err(err).Msg("commit to storage tier failed")
	}

	log.Info().Dur("elapsed", time.Since(start)).Msg("download complete")
	if force {
		return "forced", nil
	}
	return "miss", nil
}

func (r *Resolver) metadata(ctx context.Context, rawURL string) (*Metadata, error) {
	mctx, cancel := withTimeout(ctx, r.metadataTimeout)
	defer cancel()

	meta, err := r.extractor.Metadata(mctx, rawURL)
	if err != nil {
		if errors.Is(mctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s: %w", ErrUpstreamMetadata, r.metadataTimeout, err)
		}
		return nil, asKind(err, ErrUpstreamMetadata)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: no metadata returned", ErrUpstreamMetadata)
	}
	return meta, nil
}

// asKind makes sure err carries one of the taxonomy sentinels.
func asKind(err, kind error) error {
	for _, known := range []error{ErrUpstreamMetadata, ErrMissingIdentifier, ErrDownload} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func nonEmpty(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
