package transcribe

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
)

//go:embed assets/whisperx_pipeline.py
var pipelineScript []byte

// WhisperX shells out to an embedded WhisperX helper script that performs
// transcription, word-level alignment, and (when a token is supplied)
// speaker diarization, emitting the result as JSON on stdout. Model size and
// compute precision are deployment choices fixed at construction; the helper
// script is materialized once per process.
type WhisperX struct {
	model       string
	computeType string
	python      string
	runner      commandRunner

	scriptOnce sync.Once
	scriptPath string
	scriptErr  error
}

// commandRunner abstracts helper invocation for testability.
type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %s", name, tail(msg))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// tail trims helper stderr to its final line, where the failure reason lands.
func tail(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// NewWhisperX constructs the production engine. model names a Whisper model
// size such as "base"; computeType is the inference precision, e.g. "float32".
func NewWhisperX(model, computeType string) *WhisperX {
	python := os.Getenv("ECHOSCRIBE_PYTHON")
	if python == "" {
		python = "python3"
	}
	return &WhisperX{
		model:       model,
		computeType: computeType,
		python:      python,
		runner:      execRunner{},
	}
}

// Transcribe runs the full ASR pipeline on wavPath. A non-empty
// diarizationToken requests the speaker-assignment pass; when the diarization
// capability is missing in the helper environment the run still succeeds and
// segments come back unlabeled.
func (w *WhisperX) Transcribe(ctx context.Context, wavPath, diarizationToken string) (Result, error) {
	script, err := w.script()
	if err != nil {
		return Result{}, fmt.Errorf("materialize pipeline script: %w", err)
	}
	args := []string{
		script,
		"--audio", wavPath,
		"--model", w.model,
		"--compute-type", w.computeType,
	}
	if diarizationToken != "" {
		args = append(args, "--hf-token", diarizationToken)
	}
	out, err := w.runner.Output(ctx, w.python, args...)
	if err != nil {
		return Result{}, fmt.Errorf("asr pipeline: %w", err)
	}
	var result Result
	if err := json.Unmarshal(out, &result); err != nil {
		return Result{}, fmt.Errorf("parse pipeline output: %w", err)
	}
	if len(result.Segments) == 0 {
		return Result{}, errors.New("asr pipeline produced no segments")
	}
	if diarizationToken != "" && !result.Diarized {
		log.Printf("diarization unavailable, transcript has no speaker labels")
	}
	return result, nil
}

// script writes the embedded helper to disk exactly once per process. A
// fresh temp file per engine avoids clobbering a script another worker
// version may still be executing.
func (w *WhisperX) script() (string, error) {
	w.scriptOnce.Do(func() {
		f, err := os.CreateTemp("", "echoscribe-whisperx-*.py")
		if err != nil {
			w.scriptErr = err
			return
		}
		if _, err := f.Write(pipelineScript); err != nil {
			f.Close()
			os.Remove(f.Name())
			w.scriptErr = err
			return
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			w.scriptErr = err
			return
		}
		w.scriptPath = f.Name()
	})
	return w.scriptPath, w.scriptErr
}
