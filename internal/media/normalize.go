// Package media converts arbitrary uploaded audio/video files into a
// canonical waveform container the transcription engine can decode.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrDecode marks a media decoding failure (corrupt file, unsupported codec,
// missing ffmpeg). Callers treat it as terminal for the transcription track.
var ErrDecode = errors.New("media decode failed")

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// execRunner executes commands via os/exec and folds stderr into the error.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %s", name, lastLine(msg))
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// lastLine keeps error messages short; ffmpeg prints its banner to stderr
// before the actual failure reason.
func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Normalizer converts media files to mono 16 kHz WAV.
type Normalizer struct {
	runner commandRunner
}

// New constructs a Normalizer backed by the ffmpeg binary.
func New() *Normalizer {
	return &Normalizer{runner: execRunner{}}
}

// ToWAV returns a decodable waveform path for input. A file that is already
// WAV is returned unchanged and nothing is written. Any other container is
// decoded into exactly one new file inside scratchDir. The input file is
// never mutated.
func (n *Normalizer) ToWAV(ctx context.Context, input, scratchDir string) (string, error) {
	if strings.EqualFold(filepath.Ext(input), ".wav") {
		return input, nil
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	out := filepath.Join(scratchDir, base+".wav")
	err := n.runner.Run(ctx, "ffmpeg",
		"-y", "-i", input,
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		out,
	)
	if err != nil {
		return "", fmt.Errorf("%w: convert %s: %v", ErrDecode, filepath.Base(input), err)
	}
	return out, nil
}
