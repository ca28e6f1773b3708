package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader pushes cached media to S3 in the background so a fetch
// response never waits on the backup copy.
type AsyncUploader struct {
	remote  objectStore
	local   *LocalStore
	ch      chan string
	workers int
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards ch against send-after-close
	stopped bool

	uploaded atomic.Int64
	failed   atomic.Int64
}

// NewAsyncUploader creates an uploader with the given buffer size and worker count.
func NewAsyncUploader(remote objectStore, local *LocalStore, bufferSize, workers int, log zerolog.Logger) *AsyncUploader {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &AsyncUploader{
		remote:  remote,
		local:   local,
		ch:      make(chan string, bufferSize),
		workers: workers,
		timeout: 10 * time.Minute,
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue schedules an upload. Non-blocking: drops with a warning if the
// queue is full or the uploader is stopped. The file stays in the local cache.
func (u *AsyncUploader) Enqueue(name string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.stopped {
		return false
	}
	select {
	case u.ch <- name:
		return true
	default:
		u.log.Warn().Str("name", name).Msg("async upload queue full, skipping (file safe in cache)")
		return false
	}
}

// Start launches worker goroutines.
func (u *AsyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop stops accepting uploads and waits for queued ones to drain.
func (u *AsyncUploader) Stop() {
	u.mu.Lock()
	if !u.stopped {
		u.stopped = true
		close(u.ch)
	}
	u.mu.Unlock()
	u.wg.Wait()
	u.log.Info().
		Int64("uploaded", u.uploaded.Load()).
		Int64("failed", u.failed.Load()).
		Msg("async uploader stopped")
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for name := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		if err := u.remote.Upload(ctx, name, u.local.Path(name)); err != nil {
			u.failed.Add(1)
			u.log.Error().Err(err).Str("name", name).Msg("async S3 upload failed (file safe in cache)")
		} else {
			u.uploaded.Add(1)
		}
		cancel()
	}
}
