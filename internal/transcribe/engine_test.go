package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	loadErr  error
	segs     []Segment
	startErr error
	midErr   error // returned after all segs

	loads        int
	calls        int
	releases     int
	closed       bool
	lastPath     string
	lastOpts     TranscribeOpts
	readerClosed bool
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-model" }
func (f *fakeProvider) Close() error  { f.closed = true; return nil }

func (f *fakeProvider) Load(ctx context.Context) error {
	f.loads++
	return f.loadErr
}

func (f *fakeProvider) Release(ctx context.Context) error {
	f.releases++
	return nil
}

func (f *fakeProvider) Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (SegmentReader, error) {
	f.calls++
	f.lastPath = audioPath
	f.lastOpts = opts
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeReader{p: f, segs: f.segs, err: f.midErr}, nil
}

type fakeReader struct {
	p    *fakeProvider
	segs []Segment
	err  error
}

func (r *fakeReader) Next() (Segment, error) {
	if len(r.segs) == 0 {
		if r.err != nil {
			return Segment{}, r.err
		}
		return Segment{}, io.EOF
	}
	s := r.segs[0]
	r.segs = r.segs[1:]
	return s, nil
}

func (r *fakeReader) Close() error {
	r.p.readerClosed = true
	return nil
}

func writeAudio(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestEngine(p Provider, cacheDir string) *Engine {
	return NewEngine(context.Background(), EngineOptions{
		Provider:  p,
		Opts:      TranscribeOpts{Language: "ja"},
		CacheDir:  cacheDir,
		URLPrefix: "/media_cache",
		Log:       zerolog.Nop(),
	})
}

func TestEngine_Transcribe(t *testing.T) {
	dir := t.TempDir()
	path := writeAudio(t, dir, "xyz789.mp3")
	p := &fakeProvider{segs: []Segment{
		{Start: 0.5, End: 2.25, Text: "  こんにちは 世界 ", Words: []Word{
			{Word: "こんにちは", Start: 0.5, End: 1.2, Probability: 0.93},
			{Word: "世界", Start: 1.3, End: 2.25, Probability: 1.0000001},
		}},
		{Start: 3, End: 4, Text: "la", Words: nil},
	}}
	e := newTestEngine(p, dir)
	if e.State() != StateReady || p.loads != 1 {
		t.Fatalf("state = %s loads = %d", e.State(), p.loads)
	}

	tr, err := e.Transcribe(context.Background(), path)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if p.lastPath != path || p.lastOpts.Language != "ja" {
		t.Errorf("provider got path=%q opts=%+v", p.lastPath, p.lastOpts)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(tr.Segments))
	}
	s := tr.Segments[0]
	if s.Text != "こんにちは 世界" || s.Start != 0.5 || s.End != 2.25 {
		t.Errorf("segment 0 = %+v", s)
	}
	if len(s.Words) != 2 || s.Words[0].Score != 0.93 || s.Words[1].Score != 1 {
		t.Errorf("words = %+v", s.Words)
	}
	if tr.Segments[1].Words == nil {
		t.Error("words should be an empty slice, not nil")
	}
	if p.releases != 1 || !p.readerClosed {
		t.Errorf("releases = %d readerClosed = %v", p.releases, p.readerClosed)
	}
	if p.loads != 1 {
		t.Errorf("model loaded %d times, want once", p.loads)
	}

	b, err := json.Marshal(tr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"words":[]`) {
		t.Errorf("expected empty words array in %s", b)
	}
	if strings.Contains(string(b), "probability") {
		t.Errorf("probability should be renamed to score: %s", b)
	}
}

func TestEngine_FileNotFound(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEngine(p, t.TempDir())

	_, err := e.Transcribe(context.Background(), "/does/not/exist.mp3")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
	if p.calls != 0 {
		t.Error("model should not be invoked for a missing file")
	}
}

func TestEngine_MissingPathNotRedirectedToCache(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, "path.mp3")

	for _, restrict := range []bool{false, true} {
		p := &fakeProvider{}
		e := NewEngine(context.Background(), EngineOptions{
			Provider:        p,
			CacheDir:        dir,
			URLPrefix:       "/media_cache",
			RestrictToCache: restrict,
			Log:             zerolog.Nop(),
		})
		_, err := e.Transcribe(context.Background(), "/nonexistent/path.mp3")
		if !errors.Is(err, ErrFileNotFound) {
			t.Errorf("restrict=%v: err = %v, want ErrFileNotFound", restrict, err)
		}
		if p.calls != 0 {
			t.Errorf("restrict=%v: provider calls = %d, want 0", restrict, p.calls)
		}
	}
}

func TestEngine_FileNotFoundWhenUnavailable(t *testing.T) {
	p := &fakeProvider{loadErr: errors.New("CUDA out of memory")}
	e := newTestEngine(p, t.TempDir())

	_, err := e.Transcribe(context.Background(), "/does/not/exist.mp3")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound even with no model", err)
	}
}

func TestEngine_Unavailable(t *testing.T) {
	dir := t.TempDir()
	path := writeAudio(t, dir, "a.mp3")
	p := &fakeProvider{loadErr: errors.New("CUDA out of memory")}
	e := newTestEngine(p, dir)

	if e.Ready() || e.State() != StateUnavailable {
		t.Fatalf("state = %s, want unavailable", e.State())
	}
	if !strings.Contains(e.Reason(), "CUDA") {
		t.Errorf("Reason = %q", e.Reason())
	}
	for i := 0; i < 2; i++ {
		_, err := e.Transcribe(context.Background(), path)
		if !errors.Is(err, ErrModelUnavailable) {
			t.Fatalf("err = %v, want ErrModelUnavailable", err)
		}
	}
	if p.calls != 0 || p.loads != 1 {
		t.Errorf("calls = %d loads = %d; load must not be retried", p.calls, p.loads)
	}
}

func TestEngine_NilProvider(t *testing.T) {
	dir := t.TempDir()
	path := writeAudio(t, dir, "a.mp3")
	e := newTestEngine(nil, dir)
	if e.Ready() {
		t.Fatal("engine without provider should be unavailable")
	}
	if _, err := e.Transcribe(context.Background(), path); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("err = %v, want ErrModelUnavailable", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestEngine_TranscriptionErrors(t *testing.T) {
	tests := []struct {
		name string
		p    *fakeProvider
	}{
		{"start_error", &fakeProvider{startErr: errors.New("decode audio: invalid data")}},
		{"stream_error", &fakeProvider{segs: []Segment{{Text: "a"}}, midErr: errors.New("worker crashed")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeAudio(t, dir, "a.mp3")
			e := newTestEngine(tt.p, dir)

			_, err := e.Transcribe(context.Background(), path)
			if !errors.Is(err, ErrTranscription) {
				t.Fatalf("err = %v, want ErrTranscription", err)
			}
			if tt.p.releases != 1 {
				t.Errorf("releases = %d, want 1 after failure", tt.p.releases)
			}
		})
	}
}

func TestEngine_RestrictToCache(t *testing.T) {
	cache := t.TempDir()
	outside := writeAudio(t, t.TempDir(), "b.mp3")
	p := &fakeProvider{}
	e := NewEngine(context.Background(), EngineOptions{
		Provider:        p,
		CacheDir:        cache,
		RestrictToCache: true,
		Log:             zerolog.Nop(),
	})
	if _, err := e.Transcribe(context.Background(), outside); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("err = %v, want ErrFileNotFound for path outside cache", err)
	}
}

func TestEngine_EmptyTranscript(t *testing.T) {
	dir := t.TempDir()
	path := writeAudio(t, dir, "silence.mp3")
	e := newTestEngine(&fakeProvider{}, dir)

	tr, err := e.Transcribe(context.Background(), path)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	b, _ := json.Marshal(tr)
	if string(b) != `{"segments":[]}` {
		t.Errorf("got %s, want {\"segments\":[]}", b)
	}
}

func TestNormalize(t *testing.T) {
	tr := Normalize([]Segment{{
		Start: math.NaN(),
		End:   math.Inf(1),
		Text:  "\tx\n",
		Words: []Word{
			{Word: " a", Start: 1, End: math.Inf(-1), Probability: -0.2},
			{Word: "b", Start: 2, End: 3, Probability: math.NaN()},
			{Word: "c", Start: 3, End: 4, Probability: float64(float32(0.7))},
		},
	}})
	s := tr.Segments[0]
	if s.Start != 0 || s.End != 0 || s.Text != "x" {
		t.Errorf("segment = %+v", s)
	}
	if s.Words[0].Word != " a" || s.Words[0].End != 0 || s.Words[0].Score != 0 {
		t.Errorf("word 0 = %+v", s.Words[0])
	}
	if s.Words[1].Score != 0 {
		t.Errorf("NaN probability should become 0, got %v", s.Words[1].Score)
	}
	if s.Words[2].Score < 0.69 || s.Words[2].Score > 0.71 {
		t.Errorf("score = %v", s.Words[2].Score)
	}
	if _, err := json.Marshal(tr); err != nil {
		t.Errorf("normalized transcript must encode: %v", err)
	}
}
