package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/mbalakrishnan/echoscribe/internal/config"
	"github.com/mbalakrishnan/echoscribe/internal/model"
	"github.com/mbalakrishnan/echoscribe/internal/queue"
	"github.com/mbalakrishnan/echoscribe/internal/repository"
	"github.com/mbalakrishnan/echoscribe/internal/summarize"
	"github.com/mbalakrishnan/echoscribe/internal/transcribe"
)

// trackingStore records the status transitions applied to each record.
type trackingStore struct {
	*repository.MemoryStore
	transitions []model.Status
}

func (t *trackingStore) MarkProcessing(ctx context.Context, id string) error {
	t.transitions = append(t.transitions, model.StatusProcessing)
	return t.MemoryStore.MarkProcessing(ctx, id)
}

func (t *trackingStore) MarkCompleted(ctx context.Context, id, text string) error {
	t.transitions = append(t.transitions, model.StatusCompleted)
	return t.MemoryStore.MarkCompleted(ctx, id, text)
}

func (t *trackingStore) MarkFailed(ctx context.Context, id, msg string) error {
	t.transitions = append(t.transitions, model.StatusFailed)
	return t.MemoryStore.MarkFailed(ctx, id, msg)
}

type fakeObjectStore struct {
	raw         map[string][]byte
	transcripts map[string][]byte
	downloadErr error
}

func (f *fakeObjectStore) DownloadRaw(ctx context.Context, key string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.raw[key], nil
}

func (f *fakeObjectStore) UploadTranscript(ctx context.Context, key string, data []byte) error {
	if f.transcripts == nil {
		f.transcripts = make(map[string][]byte)
	}
	f.transcripts[key] = data
	return nil
}

type fakeNormalizer struct {
	err error
}

func (f *fakeNormalizer) ToWAV(ctx context.Context, input, scratchDir string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return input, nil
}

type fakeEngine struct {
	result    transcribe.Result
	err       error
	gotTokens []string
}

func (f *fakeEngine) Transcribe(ctx context.Context, wavPath, token string) (transcribe.Result, error) {
	f.gotTokens = append(f.gotTokens, token)
	return f.result, f.err
}

type fakeSummarizer struct {
	text     string
	err      error
	gotCreds []summarize.Credentials
	gotModes []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcript, mode string, creds summarize.Credentials) (string, error) {
	f.gotCreds = append(f.gotCreds, creds)
	f.gotModes = append(f.gotModes, mode)
	return f.text, f.err
}

// memCredStore adapts MemoryStore's credential surface to CredentialStore.
type memCredStore struct {
	store *repository.MemoryStore
}

func (m memCredStore) Get(ctx context.Context, userID string) (*model.UserCredentials, error) {
	return m.store.GetCredentials(ctx, userID)
}

type fixture struct {
	cfg        *config.Config
	store      *trackingStore
	objects    *fakeObjectStore
	normalizer *fakeNormalizer
	engine     *fakeEngine
	summarizer *fakeSummarizer
	processor  *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg: &config.Config{
			ScratchDir:       t.TempDir(),
			DiarizationToken: "default-hf",
			SummaryBackend:   config.BackendHosted,
			HostedAPIKey:     "default-key",
			HostedModel:      "gpt-3.5-turbo",
			SelfHostedURL:    "http://localhost:11434/api/generate",
			SelfHostedModel:  "mistral",
		},
		store: &trackingStore{MemoryStore: repository.NewMemoryStore()},
		objects: &fakeObjectStore{
			raw: map[string][]byte{"uploads/r1/standup.mp3": []byte("media-bytes")},
		},
		normalizer: &fakeNormalizer{},
		engine: &fakeEngine{result: transcribe.Result{
			Language: "en",
			Segments: []transcribe.Segment{{Start: 0, End: 1.5, Text: "hi"}},
		}},
		summarizer: &fakeSummarizer{text: "short summary"},
	}
	f.processor = NewProcessor(f.cfg, f.store, memCredStore{f.store.MemoryStore}, f.objects, f.normalizer, f.engine, f.summarizer)
	return f
}

func (f *fixture) createRecord(t *testing.T, owner *string) {
	t.Helper()
	rec := &model.TranscriptRecord{
		ID:        "r1",
		FileName:  "standup.mp3",
		ObjectKey: "uploads/r1/standup.mp3",
		OwnerID:   owner,
	}
	if err := f.store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func transcribeTask(t *testing.T) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.TranscribePayload{
		RecordID:  "r1",
		ObjectKey: "uploads/r1/standup.mp3",
		FileName:  "standup.mp3",
	})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(queue.TranscribeTask, payload)
}

func summarizeTask(t *testing.T, mode string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.SummarizePayload{RecordID: "r1", Mode: mode})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(queue.SummarizeTask, payload)
}

func TestHandleTranscribeCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRecord(t, nil)

	if err := f.processor.HandleTranscribe(ctx, transcribeTask(t)); err != nil {
		t.Fatalf("HandleTranscribe: %v", err)
	}
	rec, err := f.store.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.Transcript != "[0.00s - 1.50s] hi" {
		t.Fatalf("transcript = %q", rec.Transcript)
	}
	want := []model.Status{model.StatusProcessing, model.StatusCompleted}
	if len(f.store.transitions) != 2 || f.store.transitions[0] != want[0] || f.store.transitions[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", f.store.transitions, want)
	}
	if _, ok := f.objects.transcripts["transcripts/r1.txt"]; !ok {
		t.Fatal("transcript object not uploaded")
	}
	// Anonymous record falls back to the process-wide diarization token.
	if len(f.engine.gotTokens) != 1 || f.engine.gotTokens[0] != "default-hf" {
		t.Fatalf("tokens = %v", f.engine.gotTokens)
	}
}

func TestHandleTranscribeScratchCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRecord(t, nil)

	if err := f.processor.HandleTranscribe(ctx, transcribeTask(t)); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(f.cfg.ScratchDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned up: %d entries", len(entries))
	}
}

func TestHandleTranscribeFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*fixture)
		wantMsg string
	}{
		{
			name:    "download failure",
			prepare: func(f *fixture) { f.objects.downloadErr = errors.New("object gone") },
			wantMsg: "object gone",
		},
		{
			name:    "decode failure",
			prepare: func(f *fixture) { f.normalizer.err = errors.New("media decode failed: bad codec") },
			wantMsg: "media decode failed",
		},
		{
			name:    "inference failure",
			prepare: func(f *fixture) { f.engine.err = errors.New("model load failed") },
			wantMsg: "model load failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.createRecord(t, nil)
			tt.prepare(f)

			if err := f.processor.HandleTranscribe(ctx, transcribeTask(t)); err != nil {
				t.Fatalf("failures must not escape the track boundary: %v", err)
			}
			rec, err := f.store.Get(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if rec.Status != model.StatusFailed {
				t.Fatalf("status = %s", rec.Status)
			}
			if !strings.Contains(rec.Transcript, tt.wantMsg) {
				t.Fatalf("result %q does not carry diagnostic %q", rec.Transcript, tt.wantMsg)
			}
			entries, err := os.ReadDir(f.cfg.ScratchDir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Fatalf("scratch dir not cleaned up after failure")
			}
		})
	}
}

func TestHandleTranscribeRecordGone(t *testing.T) {
	f := newFixture(t)
	// No record created.
	if err := f.processor.HandleTranscribe(context.Background(), transcribeTask(t)); err != nil {
		t.Fatalf("missing record must be a silent no-op, got %v", err)
	}
	if len(f.store.transitions) != 0 {
		t.Fatalf("no transitions expected, got %v", f.store.transitions)
	}
}

func TestHandleTranscribeOwnerToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := "user-1"
	f.createRecord(t, &owner)
	f.store.PutCredentials(&model.UserCredentials{UserID: owner, DiarizationToken: "user-hf"})

	if err := f.processor.HandleTranscribe(ctx, transcribeTask(t)); err != nil {
		t.Fatal(err)
	}
	if f.engine.gotTokens[0] != "user-hf" {
		t.Fatalf("token = %q, want owner override", f.engine.gotTokens[0])
	}
}

func TestHandleTranscribeEmptyOwnerTokenFallsThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := "user-1"
	f.createRecord(t, &owner)
	f.store.PutCredentials(&model.UserCredentials{UserID: owner})

	if err := f.processor.HandleTranscribe(ctx, transcribeTask(t)); err != nil {
		t.Fatal(err)
	}
	if f.engine.gotTokens[0] != "default-hf" {
		t.Fatalf("token = %q, want process default", f.engine.gotTokens[0])
	}
}

func completeTranscription(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.MarkProcessing(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkCompleted(ctx, "r1", "the transcript"); err != nil {
		t.Fatal(err)
	}
	ok, err := f.store.BeginSummary(ctx, "r1", "basic_summary")
	if err != nil || !ok {
		t.Fatalf("BeginSummary ok=%v err=%v", ok, err)
	}
}

func TestHandleSummarizeCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRecord(t, nil)
	completeTranscription(t, f)

	if err := f.processor.HandleSummarize(ctx, summarizeTask(t, "basic_summary")); err != nil {
		t.Fatal(err)
	}
	rec, err := f.store.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SummaryStatus != model.StatusCompleted || rec.Summary != "short summary" {
		t.Fatalf("summary track: %s %q", rec.SummaryStatus, rec.Summary)
	}
	// Transcription result must be untouched by the summary track.
	if rec.Status != model.StatusCompleted || rec.Transcript != "the transcript" {
		t.Fatalf("transcription track disturbed: %s %q", rec.Status, rec.Transcript)
	}
	if f.summarizer.gotModes[0] != "basic_summary" {
		t.Fatalf("mode = %q", f.summarizer.gotModes[0])
	}
	if f.summarizer.gotCreds[0].APIKey != "default-key" {
		t.Fatalf("credentials = %+v", f.summarizer.gotCreds[0])
	}
}

func TestHandleSummarizeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRecord(t, nil)
	completeTranscription(t, f)
	f.summarizer.err = &summarize.StatusError{Code: 500}

	if err := f.processor.HandleSummarize(ctx, summarizeTask(t, "basic_summary")); err != nil {
		t.Fatalf("failures must not escape the track boundary: %v", err)
	}
	rec, err := f.store.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SummaryStatus != model.StatusFailed {
		t.Fatalf("summary status = %s", rec.SummaryStatus)
	}
	if rec.Summary == "" {
		t.Fatal("expected diagnostic message in summary field")
	}
	if rec.Status != model.StatusCompleted || rec.Transcript != "the transcript" {
		t.Fatalf("transcription track disturbed: %s %q", rec.Status, rec.Transcript)
	}
}

// brokenSummaryStore refuses to persist the completed summary, simulating a
// write failure after a successful generation call.
type brokenSummaryStore struct {
	*trackingStore
}

func (b *brokenSummaryStore) MarkSummaryCompleted(ctx context.Context, id, text string) error {
	return errors.New("connection reset")
}

func TestHandleSummarizePersistFailureLeavesRecordRequestable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createRecord(t, nil)
	completeTranscription(t, f)
	f.processor = NewProcessor(f.cfg, &brokenSummaryStore{f.store}, memCredStore{f.store.MemoryStore},
		f.objects, f.normalizer, f.engine, f.summarizer)

	if err := f.processor.HandleSummarize(ctx, summarizeTask(t, "basic_summary")); err != nil {
		t.Fatalf("failures must not escape the track boundary: %v", err)
	}
	rec, err := f.store.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	// The track must land in failed, not stay stuck in processing where the
	// acceptance guard would refuse every resubmission.
	if rec.SummaryStatus != model.StatusFailed {
		t.Fatalf("summary status = %s, want failed", rec.SummaryStatus)
	}
	ok, err := f.store.BeginSummary(ctx, "r1", "basic_summary")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("record must be re-requestable after a persist failure")
	}
}

func TestHandleSummarizeRecordGone(t *testing.T) {
	f := newFixture(t)
	if err := f.processor.HandleSummarize(context.Background(), summarizeTask(t, "basic_summary")); err != nil {
		t.Fatalf("missing record must be a silent no-op, got %v", err)
	}
	if len(f.summarizer.gotModes) != 0 {
		t.Fatal("summarizer must not run for a missing record")
	}
}

func TestSummaryCredentialOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := "user-1"
	f.createRecord(t, &owner)
	completeTranscription(t, f)
	f.store.PutCredentials(&model.UserCredentials{
		UserID:          owner,
		SummaryAPIKey:   "user-key",
		SummaryEndpoint: "http://inference.internal/api/generate",
	})

	if err := f.processor.HandleSummarize(ctx, summarizeTask(t, "basic_summary")); err != nil {
		t.Fatal(err)
	}
	got := f.summarizer.gotCreds[0]
	if got.APIKey != "user-key" {
		t.Fatalf("api key = %q, want owner override", got.APIKey)
	}
	if got.Endpoint != "http://inference.internal/api/generate" {
		t.Fatalf("endpoint = %q, want owner override", got.Endpoint)
	}
	// No model override stored: process default remains.
	if got.Model != "gpt-3.5-turbo" {
		t.Fatalf("model = %q, want process default", got.Model)
	}
}
