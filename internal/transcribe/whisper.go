package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// (speaches, faster-whisper-server, whisper.cpp server).
type WhisperClient struct {
	url       string
	healthURL string
	model     string
	preload   bool
	client    *http.Client
}

// WhisperOptions configures a WhisperClient.
type WhisperOptions struct {
	URL       string
	HealthURL string // empty skips the health probe in Load
	Model     string
	Preload   bool // ask the server to load Model during Load
	Timeout   time.Duration
}

// whisperResponse is the verbose_json response. Servers differ on whether
// words are nested per segment, top level, or both.
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
	Words    []whisperWord    `json:"words"`
}

type whisperSegment struct {
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Text  string        `json:"text"`
	Words []whisperWord `json:"words"`
}

type whisperWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// NewWhisperClient creates a new Whisper HTTP client.
func NewWhisperClient(opts WhisperOptions) *WhisperClient {
	return &WhisperClient{
		url:       opts.URL,
		healthURL: opts.HealthURL,
		model:     opts.Model,
		preload:   opts.Preload,
		client:    &http.Client{Timeout: opts.Timeout},
	}
}

func (wc *WhisperClient) Name() string  { return "whisper" }
func (wc *WhisperClient) Model() string { return wc.model }
func (wc *WhisperClient) Close() error  { wc.client.CloseIdleConnections(); return nil }

// Load checks that the server is up and, with preload enabled, asks it to
// load the model so the first request does not pay for it.
func (wc *WhisperClient) Load(ctx context.Context) error {
	if wc.healthURL != "" {
		if err := wc.do(ctx, http.MethodGet, wc.healthURL); err != nil {
			return fmt.Errorf("whisper health: %w", err)
		}
	}
	if wc.preload && wc.model != "" {
		u, err := url.Parse(wc.url)
		if err != nil {
			return fmt.Errorf("whisper url: %w", err)
		}
		// speaches model ids contain a slash and are matched as a path.
		psURL := u.Scheme + "://" + u.Host + "/api/ps/" + wc.model
		if err := wc.do(ctx, http.MethodPost, psURL); err != nil {
			return fmt.Errorf("whisper preload %s: %w", wc.model, err)
		}
	}
	return nil
}

// Release drops idle keep-alive connections. Server-side memory is the
// server's own concern.
func (wc *WhisperClient) Release(ctx context.Context) error {
	wc.client.CloseIdleConnections()
	return nil
}

func (wc *WhisperClient) do(ctx context.Context, method, target string) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := wc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Transcribe sends an audio file to the Whisper API and returns its segments.
// Uses multipart/form-data. Only non-default parameters are sent.
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (SegmentReader, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	if opts.Language != "" {
		w.WriteField("language", opts.Language)
	}
	w.WriteField("temperature", fmt.Sprintf("%.2f", opts.Temperature))
	w.WriteField("response_format", "verbose_json")
	w.WriteField("timestamp_granularities[]", "segment")
	w.WriteField("timestamp_granularities[]", "word")

	if opts.Prompt != "" {
		w.WriteField("prompt", opts.Prompt)
	}
	if opts.BeamSize > 0 {
		w.WriteField("beam_size", fmt.Sprintf("%d", opts.BeamSize))
	}
	if opts.VadFilter {
		w.WriteField("vad_filter", "true")
	}

	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return newSliceReader(result.toSegments()), nil
}

// toSegments converts the response, placing top-level words into segments
// by time when the server did not nest them.
func (r *whisperResponse) toSegments() []Segment {
	segs := make([]Segment, 0, len(r.Segments))
	nested := false
	for _, s := range r.Segments {
		seg := Segment{Start: s.Start, End: s.End, Text: s.Text}
		if s.Words != nil {
			nested = true
			seg.Words = convertWords(s.Words)
		}
		segs = append(segs, seg)
	}

	if len(segs) == 0 {
		if strings.TrimSpace(r.Text) == "" && len(r.Words) == 0 {
			return segs
		}
		// Text-only or words-only response: one segment spanning everything.
		seg := Segment{Text: r.Text, End: r.Duration, Words: convertWords(r.Words)}
		if n := len(seg.Words); n > 0 {
			seg.Start = seg.Words[0].Start
			seg.End = seg.Words[n-1].End
		}
		return append(segs, seg)
	}

	if !nested && len(r.Words) > 0 {
		assignWords(segs, convertWords(r.Words))
	}
	return segs
}

func convertWords(in []whisperWord) []Word {
	if in == nil {
		return nil
	}
	out := make([]Word, len(in))
	for i, w := range in {
		out[i] = Word{Word: w.Word, Start: w.Start, End: w.End, Probability: w.Probability}
	}
	return out
}

// assignWords appends each word to the last segment starting at or before
// the word's midpoint. Words before the first segment go to the first.
func assignWords(segs []Segment, words []Word) {
	for _, w := range words {
		mid := (w.Start + w.End) / 2
		i := sort.Search(len(segs), func(i int) bool { return segs[i].Start > mid }) - 1
		if i < 0 {
			i = 0
		}
		segs[i].Words = append(segs[i].Words, w)
	}
}
