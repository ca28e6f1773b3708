package transcribe

import (
	"context"
	"io"
)

// Provider is a speech-to-text backend holding one loaded model.
type Provider interface {
	Name() string  // "whisper", "faster-whisper"
	Model() string // model identifier for logs and health
	// Load prepares the model. Called once at startup.
	Load(ctx context.Context) error
	// Transcribe starts inference on audioPath. Segments may be produced
	// lazily; the caller drains the reader and closes it.
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (SegmentReader, error)
	Close() error
}

// Releaser is implemented by providers that can drop per-request memory
// (inference caches, idle connections) between calls.
type Releaser interface {
	Release(ctx context.Context) error
}

// SegmentReader yields segments in order. Next returns io.EOF after the last one.
type SegmentReader interface {
	Next() (Segment, error)
	Close() error
}

// TranscribeOpts are per-request decoding options. Zero values are omitted
// so each backend keeps its own default.
type TranscribeOpts struct {
	Language    string
	Temperature float64
	Prompt      string // initial_prompt / domain vocabulary
	BeamSize    int    // 0 = backend default
	VadFilter   bool
}

// Segment is a provider-native segment, before normalization.
type Segment struct {
	Start float64
	End   float64
	Text  string
	Words []Word // nil when the backend returned none
}

// Word is a provider-native timestamped word.
type Word struct {
	Word        string
	Start       float64
	End         float64
	Probability float64
}

// sliceReader serves segments that were already fully decoded.
type sliceReader struct {
	segs []Segment
	pos  int
}

func newSliceReader(segs []Segment) *sliceReader { return &sliceReader{segs: segs} }

func (r *sliceReader) Next() (Segment, error) {
	if r.pos >= len(r.segs) {
		return Segment{}, io.EOF
	}
	s := r.segs[r.pos]
	r.pos++
	return s, nil
}

func (r *sliceReader) Close() error {
	r.segs = nil
	return nil
}
