package transcribe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

var (
	soxOnce      sync.Once
	soxAvailable bool
)

// CheckSox reports whether sox is in PATH. The lookup runs once.
func CheckSox() bool {
	soxOnce.Do(func() {
		_, err := exec.LookPath("sox")
		soxAvailable = err == nil
	})
	return soxAvailable
}

// Preprocess converts the input to 16kHz mono WAV with normalized volume,
// the format whisper models consume internally.
//
// Returns the path to a temporary WAV file and a cleanup function.
// If sox is unavailable, returns the original path with a no-op cleanup.
func Preprocess(ctx context.Context, inputPath string) (string, func(), error) {
	noop := func() {}

	if !CheckSox() {
		return inputPath, noop, nil
	}

	f, err := os.CreateTemp("", "melo-preprocess-*.wav")
	if err != nil {
		return inputPath, noop, fmt.Errorf("sox temp file: %w", err)
	}
	outPath := f.Name()
	f.Close()

	cmd := exec.CommandContext(ctx, "sox",
		inputPath, outPath,
		"rate", "16000",
		"channels", "1",
		"norm",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return inputPath, noop, fmt.Errorf("sox preprocess: %w: %s", err, out)
	}

	cleanup := func() {
		os.Remove(outPath)
	}
	return outPath, cleanup, nil
}
