package transcribe

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

//go:embed assets/faster_whisper_worker.py
var fwScript []byte

// FasterWhisperOptions configures the faster-whisper worker process.
type FasterWhisperOptions struct {
	Python      string // interpreter, default python3
	Model       string
	Device      string // auto|cpu|cuda
	ComputeType string // int8, float16, ...
	Log         zerolog.Logger
}

// FasterWhisperProvider runs faster-whisper in one long-lived python process
// so the model is loaded once. It handles one request at a time; Engine
// serializes callers.
type FasterWhisperProvider struct {
	opts FasterWhisperOptions
	log  zerolog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	scriptPath string
	device     string
	exited     chan struct{}
}

// fwMessage is one line from the worker.
type fwMessage struct {
	ID          string     `json:"id"`
	Event       string     `json:"event"`
	Error       string     `json:"error"`
	Device      string     `json:"device"`
	ComputeType string     `json:"compute_type"`
	Segment     *fwSegment `json:"segment"`
}

type fwSegment struct {
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Text  string        `json:"text"`
	Words []whisperWord `json:"words"`
}

type fwRequest struct {
	ID            string  `json:"id"`
	Op            string  `json:"op"`
	Audio         string  `json:"audio,omitempty"`
	Language      string  `json:"language,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	BeamSize      int     `json:"beam_size,omitempty"`
	VadFilter     bool    `json:"vad_filter,omitempty"`
	InitialPrompt string  `json:"initial_prompt,omitempty"`
}

// NewFasterWhisperProvider creates the provider. The worker starts in Load.
func NewFasterWhisperProvider(opts FasterWhisperOptions) *FasterWhisperProvider {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Device == "" {
		opts.Device = "auto"
	}
	if opts.ComputeType == "" {
		opts.ComputeType = "int8"
	}
	return &FasterWhisperProvider{opts: opts, log: opts.Log}
}

func (p *FasterWhisperProvider) Name() string  { return "faster-whisper" }
func (p *FasterWhisperProvider) Model() string { return p.opts.Model }

// Device returns the device the worker selected, empty before Load.
func (p *FasterWhisperProvider) Device() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// Load starts the worker and waits until the model is loaded.
func (p *FasterWhisperProvider) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked(ctx)
}

func (p *FasterWhisperProvider) startLocked(ctx context.Context) error {
	if p.running() {
		return nil
	}

	if p.scriptPath == "" {
		f, err := os.CreateTemp("", "melo-faster-whisper-*.py")
		if err != nil {
			return fmt.Errorf("write helper script: %w", err)
		}
		_, werr := f.Write(fwScript)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			os.Remove(f.Name())
			return fmt.Errorf("write helper script: %w", err)
		}
		p.scriptPath = f.Name()
	}

	// Not CommandContext: the worker outlives the load context.
	cmd := exec.Command(p.opts.Python, p.scriptPath,
		"--model", p.opts.Model,
		"--device", p.opts.Device,
		"--compute-type", p.opts.ComputeType,
	)
	cmd.Env = os.Environ()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.opts.Python, err)
	}

	exited := make(chan struct{})
	go p.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		p.log.Debug().Err(err).Msg("faster-whisper worker exited")
		close(exited)
	}()

	reader := bufio.NewReaderSize(stdout, 64*1024)
	ready := make(chan error, 1)
	var hello fwMessage
	go func() {
		msg, err := readMessage(reader)
		if err == nil {
			hello = msg
		}
		ready <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			cmd.Process.Kill()
			return fmt.Errorf("faster-whisper worker: %w", err)
		}
	case <-ctx.Done():
		cmd.Process.Kill()
		return fmt.Errorf("faster-whisper load: %w", ctx.Err())
	}
	if hello.Event != "ready" {
		cmd.Process.Kill()
		if hello.Error != "" {
			return fmt.Errorf("faster-whisper: %s", hello.Error)
		}
		return fmt.Errorf("faster-whisper: unexpected first event %q", hello.Event)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = reader
	p.exited = exited
	p.device = hello.Device
	p.log.Info().
		Str("model", p.opts.Model).
		Str("device", hello.Device).
		Str("compute_type", hello.ComputeType).
		Int("pid", cmd.Process.Pid).
		Msg("faster-whisper worker ready")
	return nil
}

func (p *FasterWhisperProvider) running() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *FasterWhisperProvider) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.log.Debug().Str("src", "faster-whisper").Msg(sc.Text())
	}
}

// Transcribe sends one request. Segments are read from the worker as they
// are produced. A worker that died since the last call is restarted first.
func (p *FasterWhisperProvider) Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (SegmentReader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.startLocked(ctx); err != nil {
		return nil, err
	}

	req := fwRequest{
		ID:            uuid.NewString(),
		Op:            "transcribe",
		Audio:         audioPath,
		Language:      opts.Language,
		Temperature:   opts.Temperature,
		BeamSize:      opts.BeamSize,
		VadFilter:     opts.VadFilter,
		InitialPrompt: opts.Prompt,
	}
	if err := p.send(req); err != nil {
		return nil, err
	}

	// Killing the worker unblocks a pending read when ctx ends mid-stream.
	cmd := p.cmd
	stop := context.AfterFunc(ctx, func() { cmd.Process.Kill() })
	return &fwReader{id: req.ID, r: p.stdout, ctx: ctx, stop: stop, exited: p.exited}, nil
}

// Release asks the worker to run gc and empty the CUDA cache.
func (p *FasterWhisperProvider) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running() {
		return nil
	}
	id := uuid.NewString()
	if err := p.send(fwRequest{ID: id, Op: "release"}); err != nil {
		return err
	}
	for {
		msg, err := readMessage(p.stdout)
		if err != nil {
			return err
		}
		if msg.ID != id {
			continue
		}
		if msg.Event == "error" {
			return errors.New(msg.Error)
		}
		return nil
	}
}

// Close stops the worker and removes the helper script.
func (p *FasterWhisperProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running() {
		_ = p.send(fwRequest{Op: "shutdown"})
		p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(5 * time.Second):
			p.cmd.Process.Kill()
			<-p.exited
		}
	}
	p.cmd = nil
	if p.scriptPath != "" {
		os.Remove(p.scriptPath)
		p.scriptPath = ""
	}
	return nil
}

func (p *FasterWhisperProvider) send(req fwRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write to faster-whisper worker: %w", err)
	}
	return nil
}

func readMessage(r *bufio.Reader) (fwMessage, error) {
	var msg fwMessage
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if uerr := json.Unmarshal(line, &msg); uerr != nil {
				msg = fwMessage{}
				if json.Unmarshal(zeroNonFinite(line), &msg) == nil {
					return msg, nil
				}
				return msg, fmt.Errorf("decode worker line: %w", uerr)
			}
			return msg, nil
		}
		if err == io.EOF {
			return msg, io.ErrUnexpectedEOF
		}
		if err != nil {
			return msg, err
		}
	}
}

// nonFiniteTokens are the bare literals Python's json module writes for
// NaN and infinite floats.
var nonFiniteTokens = [][]byte{[]byte("-Infinity"), []byte("Infinity"), []byte("NaN")}

// zeroNonFinite replaces non-finite number literals outside strings with 0.
func zeroNonFinite(line []byte) []byte {
	out := make([]byte, 0, len(line))
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			out = append(out, c)
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		matched := false
		for _, tok := range nonFiniteTokens {
			if bytes.HasPrefix(line[i:], tok) {
				out = append(out, '0')
				i += len(tok) - 1
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, c)
		}
	}
	return out
}

// fwReader streams one request's segments off the worker's stdout.
type fwReader struct {
	id     string
	r      *bufio.Reader
	ctx    context.Context
	stop   func() bool
	exited <-chan struct{}
	done   bool
}

// finish ends the request. When ctx already fired the kill, it waits for the
// worker to exit so later calls see it as stopped.
func (fr *fwReader) finish() {
	fr.done = true
	if fr.stop == nil {
		return
	}
	if !fr.stop() && fr.exited != nil {
		<-fr.exited
	}
	fr.stop = nil
}

func (fr *fwReader) Next() (Segment, error) {
	if fr.done {
		return Segment{}, io.EOF
	}
	for {
		msg, err := readMessage(fr.r)
		if err != nil {
			fr.finish()
			if cerr := fr.ctx.Err(); cerr != nil {
				return Segment{}, cerr
			}
			return Segment{}, fmt.Errorf("faster-whisper worker: %w", err)
		}
		if msg.ID != fr.id {
			continue
		}
		switch msg.Event {
		case "segment":
			if msg.Segment == nil {
				continue
			}
			s := msg.Segment
			return Segment{Start: s.Start, End: s.End, Text: s.Text, Words: convertWords(s.Words)}, nil
		case "done":
			fr.finish()
			return Segment{}, io.EOF
		case "error":
			fr.finish()
			return Segment{}, fmt.Errorf("faster-whisper: %s", msg.Error)
		}
	}
}

// Close drains whatever the worker still has for this request so the next
// request starts on a clean stream.
func (fr *fwReader) Close() error {
	defer fr.finish()
	for !fr.done {
		if _, err := fr.Next(); err != nil {
			break
		}
	}
	return nil
}
