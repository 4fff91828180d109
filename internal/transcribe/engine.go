// Package transcribe runs ASR inference on normalized waveforms and renders
// the time-aligned result into the transcript text stored on the record.
package transcribe

import (
	"context"
	"fmt"
	"strings"
)

// Segment is one time-aligned portion of transcribed audio. Speaker is empty
// when diarization was skipped or unavailable.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Result bundles the segments of one inference run. Diarized reports whether
// speaker assignment actually ran; a requested but unavailable diarization
// pass leaves it false without failing the run.
type Result struct {
	Language string    `json:"language"`
	Diarized bool      `json:"diarized"`
	Segments []Segment `json:"segments"`
}

// Engine is a pluggable transcription backend. diarizationToken may be empty,
// in which case no speaker labels are produced.
type Engine interface {
	Transcribe(ctx context.Context, wavPath, diarizationToken string) (Result, error)
}

// Format renders segments into the user-visible transcript blob: one line
// per segment, timestamps with two decimal places, speaker prefix only when
// a label exists. Lines are joined with \n and carry no trailing newline.
func Format(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if seg.Speaker != "" {
			lines = append(lines, fmt.Sprintf("[%.2fs - %.2fs] Speaker %s: %s", seg.Start, seg.End, seg.Speaker, text))
		} else {
			lines = append(lines, fmt.Sprintf("[%.2fs - %.2fs] %s", seg.Start, seg.End, text))
		}
	}
	return strings.Join(lines, "\n")
}
