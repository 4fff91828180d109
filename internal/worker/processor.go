// Package worker runs the per-record job tracks. Each record moves through
// the transcription track (normalize, transcribe, persist) and, once
// completed, may independently run the summarization track. Any stage error
// lands the track in failed with the error message as the user-visible
// result; nothing escapes to the task runner and nothing is retried.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"

	"github.com/mbalakrishnan/echoscribe/internal/config"
	"github.com/mbalakrishnan/echoscribe/internal/model"
	"github.com/mbalakrishnan/echoscribe/internal/queue"
	"github.com/mbalakrishnan/echoscribe/internal/repository"
	"github.com/mbalakrishnan/echoscribe/internal/summarize"
	"github.com/mbalakrishnan/echoscribe/internal/transcribe"
)

// RecordStore is the slice of the record repository the orchestrator needs.
type RecordStore interface {
	Get(ctx context.Context, id string) (*model.TranscriptRecord, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, text string) error
	MarkFailed(ctx context.Context, id, msg string) error
	MarkSummaryCompleted(ctx context.Context, id, text string) error
	MarkSummaryFailed(ctx context.Context, id, msg string) error
}

// CredentialStore reads per-user overrides.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*model.UserCredentials, error)
}

// ObjectStore moves media and transcripts in and out of object storage.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	UploadTranscript(ctx context.Context, objectKey string, data []byte) error
}

// Normalizer converts media into a decodable waveform.
type Normalizer interface {
	ToWAV(ctx context.Context, input, scratchDir string) (string, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	cfg        *config.Config
	repo       RecordStore
	creds      CredentialStore
	store      ObjectStore
	normalizer Normalizer
	engine     transcribe.Engine
	summarizer summarize.Summarizer
}

// NewProcessor constructs a worker processor.
func NewProcessor(cfg *config.Config, repo RecordStore, creds CredentialStore, store ObjectStore,
	normalizer Normalizer, engine transcribe.Engine, summarizer summarize.Summarizer) *Processor {
	return &Processor{
		cfg:        cfg,
		repo:       repo,
		creds:      creds,
		store:      store,
		normalizer: normalizer,
		engine:     engine,
		summarizer: summarizer,
	}
}

// Handler registers both track handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TranscribeTask, p.HandleTranscribe)
	mux.HandleFunc(queue.SummarizeTask, p.HandleSummarize)
	return mux
}

// HandleTranscribe runs the transcription track for one record. A missing
// record means there is nothing to do; every other failure is persisted as
// the terminal failed state with the message as the visible result.
func (p *Processor) HandleTranscribe(ctx context.Context, task *asynq.Task) error {
	var payload queue.TranscribePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	rec, err := p.repo.Get(ctx, payload.RecordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Printf("transcribe: record %s gone, skipping", payload.RecordID)
			return nil
		}
		return fmt.Errorf("load record: %w", err)
	}
	failure := func(err error) error {
		log.Printf("transcription failed for %s: %v", payload.RecordID, err)
		if markErr := p.repo.MarkFailed(ctx, payload.RecordID, err.Error()); markErr != nil {
			log.Printf("mark failed for %s: %v", payload.RecordID, markErr)
		}
		return nil
	}
	// Persist processing before the long-running stages so polling clients
	// observe progress immediately.
	if err := p.repo.MarkProcessing(ctx, payload.RecordID); err != nil {
		return failure(err)
	}

	scratch, err := os.MkdirTemp(p.cfg.ScratchDir, "echoscribe-job-*")
	if err != nil {
		return failure(fmt.Errorf("create scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	data, err := p.store.DownloadRaw(ctx, payload.ObjectKey)
	if err != nil {
		return failure(err)
	}
	input := filepath.Join(scratch, filepath.Base(payload.FileName))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return failure(fmt.Errorf("stage media file: %w", err))
	}

	wav, err := p.normalizer.ToWAV(ctx, input, scratch)
	if err != nil {
		return failure(err)
	}

	token := p.diarizationToken(ctx, rec)
	result, err := p.engine.Transcribe(ctx, wav, token)
	if err != nil {
		return failure(err)
	}
	text := transcribe.Format(result.Segments)

	transcriptKey := fmt.Sprintf("transcripts/%s.txt", payload.RecordID)
	if err := p.store.UploadTranscript(ctx, transcriptKey, []byte(text)); err != nil {
		return failure(err)
	}
	if err := p.repo.MarkCompleted(ctx, payload.RecordID, text); err != nil {
		return failure(err)
	}
	log.Printf("record %s transcribed (%d segments, diarized=%v)", payload.RecordID, len(result.Segments), result.Diarized)
	return nil
}

// HandleSummarize runs the summarization track. The enqueue guard already
// moved the summary status to processing and recorded the mode; this handler
// assumes the guard passed.
func (p *Processor) HandleSummarize(ctx context.Context, task *asynq.Task) error {
	var payload queue.SummarizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	rec, err := p.repo.Get(ctx, payload.RecordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Printf("summarize: record %s gone, skipping", payload.RecordID)
			return nil
		}
		return fmt.Errorf("load record: %w", err)
	}
	creds := p.summaryCredentials(ctx, rec)
	summary, err := p.summarizer.Summarize(ctx, rec.Transcript, payload.Mode, creds)
	if err != nil {
		log.Printf("summarization failed for %s: %v", payload.RecordID, err)
		if markErr := p.repo.MarkSummaryFailed(ctx, payload.RecordID, err.Error()); markErr != nil {
			log.Printf("mark summary failed for %s: %v", payload.RecordID, markErr)
		}
		return nil
	}
	if err := p.repo.MarkSummaryCompleted(ctx, payload.RecordID, summary); err != nil {
		// The record must not stay in processing, or the acceptance guard
		// would refuse every future request for it.
		log.Printf("mark summary completed for %s: %v", payload.RecordID, err)
		if markErr := p.repo.MarkSummaryFailed(ctx, payload.RecordID, "failed to persist summary"); markErr != nil {
			log.Printf("mark summary failed for %s: %v", payload.RecordID, markErr)
		}
		return nil
	}
	log.Printf("record %s summarized (%s)", payload.RecordID, payload.Mode)
	return nil
}

// diarizationToken resolves the token for the diarization pass: owner
// override first, then the process default. Returning "" disables
// diarization, which is a valid outcome.
func (p *Processor) diarizationToken(ctx context.Context, rec *model.TranscriptRecord) string {
	if rec.OwnerID != nil {
		if uc, err := p.creds.Get(ctx, *rec.OwnerID); err == nil && uc.DiarizationToken != "" {
			return uc.DiarizationToken
		}
	}
	return p.cfg.DiarizationToken
}

// summaryCredentials resolves the credential/endpoint for the summarization
// call: process defaults overlaid with any non-empty owner overrides. An
// empty override falls through to the default.
func (p *Processor) summaryCredentials(ctx context.Context, rec *model.TranscriptRecord) summarize.Credentials {
	creds := summarize.Credentials{
		APIKey:   p.cfg.HostedAPIKey,
		Endpoint: p.cfg.SelfHostedURL,
		Model:    p.cfg.HostedModel,
	}
	if p.cfg.SummaryBackend == config.BackendSelfHosted {
		creds.Model = p.cfg.SelfHostedModel
	}
	if rec.OwnerID == nil {
		return creds
	}
	uc, err := p.creds.Get(ctx, *rec.OwnerID)
	if err != nil {
		return creds
	}
	if uc.SummaryAPIKey != "" {
		creds.APIKey = uc.SummaryAPIKey
	}
	if uc.SummaryEndpoint != "" {
		creds.Endpoint = uc.SummaryEndpoint
	}
	if uc.SummaryModel != "" {
		creds.Model = uc.SummaryModel
	}
	return creds
}
