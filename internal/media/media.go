// Package media resolves media URLs to files in the local media cache.
//
// Cache entries are content-addressed by the upstream media id reported by
// yt-dlp, so different URL variants of the same media converge on one file.
// File existence is the whole consistency check.
package media

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the target media kind, which also fixes the cached container.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Extension returns the cache file extension for the kind.
func (k Kind) Extension() string {
	if k == KindVideo {
		return "mp4"
	}
	return "mp3"
}

// Descriptor is the normalized result of a fetch.
type Descriptor struct {
	MediaType       Kind    `json:"media_type"`
	MediaID         string  `json:"media_id"`
	Title           string  `json:"title"`
	Artist          *string `json:"artist"`
	CoverURL        *string `json:"cover_url"`
	DurationSeconds float64 `json:"duration"`
	MediaURL        string  `json:"media_url"`
	LocalPath       string  `json:"local_path"`
}

// FetchRequest is the input to Resolver.Fetch.
type FetchRequest struct {
	URL             string `json:"url"`
	ForceRedownload bool   `json:"force_redownload"`
}

var (
	// ErrUpstreamMetadata: yt-dlp could not produce metadata or its output did not parse.
	ErrUpstreamMetadata = errors.New("failed to fetch media info")
	// ErrMissingIdentifier: metadata has no usable unique id.
	ErrMissingIdentifier = errors.New("could not extract a unique ID from the media")
	// ErrDownload: the yt-dlp download step failed.
	ErrDownload = errors.New("failed to download media")
)

// ToolError describes a failed external tool invocation.
type ToolError struct {
	Op       string // "metadata", "download", "version"
	ExitCode int    // -1 when the process did not exit normally
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("yt-dlp %s", e.Op)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" exited with status %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + lastLines(e.Stderr, 5)
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// lastLines keeps the tail of noisy tool output, where yt-dlp puts the ERROR line.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
