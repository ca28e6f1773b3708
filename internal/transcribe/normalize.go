package transcribe

import (
	"math"
	"strings"
)

// Transcript is the client-facing transcription result.
type Transcript struct {
	Segments []TranscriptSegment `json:"segments"`
}

// TranscriptSegment is one timed line of text.
type TranscriptSegment struct {
	Start float64          `json:"start"`
	End   float64          `json:"end"`
	Text  string           `json:"text"`
	Words []TranscriptWord `json:"words"`
}

// TranscriptWord is a timed word. Score is the model's word probability in [0,1].
type TranscriptWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Score float64 `json:"score"`
}

// Normalize shapes provider segments into a Transcript. Every slice in the
// result is non-nil so it encodes as a JSON array.
func Normalize(segs []Segment) *Transcript {
	out := &Transcript{Segments: make([]TranscriptSegment, 0, len(segs))}
	for _, s := range segs {
		ts := TranscriptSegment{
			Start: finite(s.Start),
			End:   finite(s.End),
			Text:  strings.TrimSpace(s.Text),
			Words: make([]TranscriptWord, 0, len(s.Words)),
		}
		for _, w := range s.Words {
			ts.Words = append(ts.Words, TranscriptWord{
				Word:  w.Word,
				Start: finite(w.Start),
				End:   finite(w.End),
				Score: clamp01(finite(w.Probability)),
			})
		}
		out.Segments = append(out.Segments, ts)
	}
	return out
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
