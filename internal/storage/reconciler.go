package storage

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// UploadReconciler scans the local cache once for entries missing from S3
// and hands them to the uploader. Covers dropped async uploads and files
// cached before the S3 tier was enabled.
type UploadReconciler struct {
	local    *LocalStore
	remote   objectStore
	uploader *AsyncUploader
	delay    time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewUploadReconciler creates a reconciler that checks for missing S3 uploads.
func NewUploadReconciler(local *LocalStore, remote objectStore, uploader *AsyncUploader, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		local:    local,
		remote:   remote,
		uploader: uploader,
		delay:    30 * time.Second,
		log:      log.With().Str("component", "upload-reconciler").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.run() }

func (r *UploadReconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *UploadReconciler) run() {
	defer close(r.done)

	// Delay first run to let startup settle
	select {
	case <-time.After(r.delay):
	case <-r.stop:
		return
	}
	r.reconcile()
}

func (r *UploadReconciler) reconcile() int {
	var queued, checked int

	files, err := os.ReadDir(r.local.Dir())
	if err != nil {
		r.log.Warn().Err(err).Msg("reconcile: read cache dir failed")
		return 0
	}
	for _, f := range files {
		select {
		case <-r.stop:
			return queued
		default:
		}
		if !f.Type().IsRegular() || IsPartialFile(f.Name()) {
			continue
		}
		checked++

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists := r.remote.Exists(ctx, f.Name())
		cancel()
		if exists {
			continue
		}
		if r.uploader.Enqueue(f.Name()) {
			queued++
		}
	}

	if queued > 0 {
		r.log.Info().
			Int("queued", queued).
			Int("checked", checked).
			Msg("reconcile complete")
	}
	return queued
}
