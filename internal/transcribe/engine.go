package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/melo-engine/internal/audio"
	"github.com/snarg/melo-engine/internal/metrics"
)

var (
	// ErrFileNotFound: the requested audio file does not exist.
	ErrFileNotFound = errors.New("audio file not found")
	// ErrModelUnavailable: the model failed to load at startup.
	ErrModelUnavailable = errors.New("transcription model is not available")
	// ErrTranscription: inference failed.
	ErrTranscription = errors.New("transcription failed")
)

// State is the engine's model state, fixed at construction.
type State string

const (
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
)

// EngineOptions configures the transcription engine.
type EngineOptions struct {
	Provider        Provider
	Opts            TranscribeOpts
	CacheDir        string
	URLPrefix       string
	RestrictToCache bool
	PreprocessAudio bool
	Log             zerolog.Logger
}

// Engine owns the single loaded model and runs one transcription at a time.
type Engine struct {
	provider Provider
	opts     EngineOptions
	log      zerolog.Logger

	state  State
	reason string

	mu sync.Mutex // held for the whole inference
}

// NewEngine loads the provider's model once. A load failure does not fail
// construction: the engine comes up unavailable and every Transcribe call
// returns ErrModelUnavailable.
func NewEngine(ctx context.Context, opts EngineOptions) *Engine {
	e := &Engine{provider: opts.Provider, opts: opts, log: opts.Log, state: StateReady}

	if opts.PreprocessAudio {
		if CheckSox() {
			e.log.Info().Msg("audio preprocessing enabled (sox found)")
		} else {
			e.log.Warn().Msg("PREPROCESS_AUDIO=true but sox not found in PATH; preprocessing disabled")
		}
	}

	if opts.Provider == nil {
		e.state, e.reason = StateUnavailable, "no provider configured"
		e.log.Error().Msg("transcription unavailable: no provider configured")
		return e
	}

	start := time.Now()
	if err := opts.Provider.Load(ctx); err != nil {
		e.state, e.reason = StateUnavailable, err.Error()
		e.log.Error().Err(err).
			Str("provider", opts.Provider.Name()).
			Str("model", opts.Provider.Model()).
			Msg("transcription model failed to load; transcription disabled")
		return e
	}
	e.log.Info().
		Str("provider", opts.Provider.Name()).
		Str("model", opts.Provider.Model()).
		Dur("elapsed", time.Since(start)).
		Msg("transcription model loaded")
	return e
}

// State returns ready or unavailable.
func (e *Engine) State() State { return e.state }

// Ready reports whether the model loaded.
func (e *Engine) Ready() bool { return e.state == StateReady }

// Reason returns why the engine is unavailable, empty when ready.
func (e *Engine) Reason() string { return e.reason }

// Provider returns the provider name, empty when none is configured.
func (e *Engine) Provider() string {
	if e.provider == nil {
		return ""
	}
	return e.provider.Name()
}

// Model returns the provider's model identifier.
func (e *Engine) Model() string {
	if e.provider == nil {
		return ""
	}
	return e.provider.Model()
}

// Transcribe produces a word-timestamped transcript for a local audio file.
// The file is checked before the model state, so a bad path always reports
// ErrFileNotFound.
func (e *Engine) Transcribe(ctx context.Context, localPath string) (*Transcript, error) {
	path := audio.ResolveFile(e.opts.CacheDir, e.opts.URLPrefix, localPath, e.opts.RestrictToCache)
	if path == "" {
		metrics.TranscriptionsTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, localPath)
	}
	if !e.Ready() {
		metrics.TranscriptionsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, e.reason)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.release()

	log := e.log.With().Str("path", path).Logger()
	start := time.Now()

	input := path
	if e.opts.PreprocessAudio {
		processed, cleanup, err := Preprocess(ctx, path)
		if err != nil {
			log.Warn().Err(err).Msg("preprocessing failed, using original audio")
		} else {
			input = processed
			defer cleanup()
		}
	}

	segs, err := e.run(ctx, input)
	if err != nil {
		metrics.TranscriptionsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("transcription failed")
		return nil, fmt.Errorf("%w: %w", ErrTranscription, err)
	}

	t := Normalize(segs)
	elapsed := time.Since(start)
	metrics.TranscriptionsTotal.WithLabelValues("ok").Inc()
	metrics.TranscriptionDuration.Observe(elapsed.Seconds())
	log.Info().
		Int("segments", len(t.Segments)).
		Dur("elapsed", elapsed).
		Msg("transcription complete")
	return t, nil
}

// run drains the provider's lazy segments into an owned slice.
func (e *Engine) run(ctx context.Context, path string) ([]Segment, error) {
	r, err := e.provider.Transcribe(ctx, path, e.opts.Opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var segs []Segment
	for {
		s, err := r.Next()
		if err == io.EOF {
			return segs, nil
		}
		if err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
}

// release frees per-request memory after every call, successful or not.
func (e *Engine) release() {
	if rel, ok := e.provider.(Releaser); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := rel.Release(ctx); err != nil {
			e.log.Warn().Err(err).Msg("provider release failed")
		}
		cancel()
	}
	debug.FreeOSMemory()
}

// Close shuts the provider down.
func (e *Engine) Close() error {
	if e.provider == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provider.Close()
}
