package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbalakrishnan/echoscribe/internal/model"
)

// MemoryStore is an in-memory TranscriptRecord store guarded by an RWMutex.
// It mirrors the TranscriptRepository surface so tests and local development
// can run without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.TranscriptRecord
	creds   map[string]*model.UserCredentials
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.TranscriptRecord),
		creds:   make(map[string]*model.UserCredentials),
	}
}

// Create inserts a record with both tracks at pending.
func (m *MemoryStore) Create(ctx context.Context, rec *model.TranscriptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	rec.Status = model.StatusPending
	rec.SummaryStatus = model.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	clone := *rec
	m.records[rec.ID] = &clone
	return nil
}

// Get returns a copy of the record so callers cannot mutate shared state.
func (m *MemoryStore) Get(ctx context.Context, id string) (*model.TranscriptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// List returns copies ordered newest first, optionally filtered by owner.
func (m *MemoryStore) List(ctx context.Context, ownerID *string) ([]*model.TranscriptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.TranscriptRecord
	for _, rec := range m.records {
		if ownerID != nil && (rec.OwnerID == nil || *rec.OwnerID != *ownerID) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// MarkProcessing moves the transcription track to processing.
func (m *MemoryStore) MarkProcessing(ctx context.Context, id string) error {
	return m.mutate(id, func(rec *model.TranscriptRecord) {
		rec.Status = model.StatusProcessing
	})
}

// MarkCompleted stores the transcript text.
func (m *MemoryStore) MarkCompleted(ctx context.Context, id, text string) error {
	return m.mutate(id, func(rec *model.TranscriptRecord) {
		rec.Status = model.StatusCompleted
		rec.Transcript = text
	})
}

// MarkFailed stores the failure message as the result.
func (m *MemoryStore) MarkFailed(ctx context.Context, id, msg string) error {
	return m.mutate(id, func(rec *model.TranscriptRecord) {
		rec.Status = model.StatusFailed
		rec.Transcript = msg
	})
}

// BeginSummary applies the summarization acceptance guard atomically.
func (m *MemoryStore) BeginSummary(ctx context.Context, id, mode string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, nil
	}
	if rec.Status != model.StatusCompleted || rec.SummaryStatus == model.StatusProcessing {
		return false, nil
	}
	rec.SummaryStatus = model.StatusProcessing
	rec.SummaryMode = mode
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkSummaryCompleted stores the summary text.
func (m *MemoryStore) MarkSummaryCompleted(ctx context.Context, id, text string) error {
	return m.mutate(id, func(rec *model.TranscriptRecord) {
		rec.SummaryStatus = model.StatusCompleted
		rec.Summary = text
	})
}

// MarkSummaryFailed stores the failure message in the summary field.
func (m *MemoryStore) MarkSummaryFailed(ctx context.Context, id, msg string) error {
	return m.mutate(id, func(rec *model.TranscriptRecord) {
		rec.SummaryStatus = model.StatusFailed
		rec.Summary = msg
	})
}

// PutCredentials stores per-user overrides, for tests and local development.
func (m *MemoryStore) PutCredentials(creds *model.UserCredentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *creds
	m.creds[creds.UserID] = &clone
}

// GetCredentials returns a user's overrides.
func (m *MemoryStore) GetCredentials(ctx context.Context, userID string) (*model.UserCredentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	creds, ok := m.creds[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *creds
	return &clone, nil
}

func (m *MemoryStore) mutate(id string, fn func(*model.TranscriptRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
