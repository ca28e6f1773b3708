package media

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Metadata is the subset of yt-dlp's --dump-json info dict the resolver uses.
type Metadata struct {
	ID         flexString `json:"id"`
	Title      string     `json:"title"`
	Artist     string     `json:"artist"`
	Uploader   string     `json:"uploader"`
	Channel    string     `json:"channel"`
	Thumbnail  string     `json:"thumbnail"`
	Duration   *float64   `json:"duration"`
	WebpageURL string     `json:"webpage_url"`
	IsVideo    *bool      `json:"is_video"`
	VCodec     string     `json:"vcodec"`
	Extractor  string     `json:"extractor_key"`
}

// ParseMetadata decodes the first JSON object in yt-dlp's stdout.
func ParseMetadata(data []byte) (*Metadata, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty metadata output")
	}
	var m Metadata
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// MediaID returns the cache key for the metadata. The id must be usable as
// a flat file name; there is no derived fallback.
func (m *Metadata) MediaID() (string, error) {
	id := strings.TrimSpace(string(m.ID))
	switch {
	case id == "":
		return "", ErrMissingIdentifier
	case strings.ContainsAny(id, `/\`+"\x00"), strings.HasPrefix(id, "."):
		return "", fmt.Errorf("%w: id %q is not a valid file name", ErrMissingIdentifier, id)
	}
	return id, nil
}

// Kind picks video when the metadata says so (explicit is_video, else a
// real video codec). allowVideo=false forces audio.
func (m *Metadata) Kind(allowVideo bool) Kind {
	if !allowVideo {
		return KindAudio
	}
	if m.IsVideo != nil {
		if *m.IsVideo {
			return KindVideo
		}
		return KindAudio
	}
	if v := strings.ToLower(strings.TrimSpace(m.VCodec)); v != "" && v != "none" {
		return KindVideo
	}
	return KindAudio
}

// ArtistName falls back from artist to uploader to channel. nil when all empty.
func (m *Metadata) ArtistName() *string {
	for _, s := range []string{m.Artist, m.Uploader, m.Channel} {
		if s = strings.TrimSpace(s); s != "" {
			return &s
		}
	}
	return nil
}

// DisplayTitle returns the title or a placeholder.
func (m *Metadata) DisplayTitle() string {
	if t := strings.TrimSpace(m.Title); t != "" {
		return t
	}
	return "Unknown Title"
}

// DurationSeconds returns the duration or 0 when absent.
func (m *Metadata) DurationSeconds() float64 {
	if m.Duration == nil || *m.Duration < 0 {
		return 0
	}
	return *m.Duration
}

// flexString accepts a JSON string or number; some extractors emit numeric ids.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: unsupported JSON value %s", b)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
