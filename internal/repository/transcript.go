// Package repository wraps all SQL used throughout the API and worker.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbalakrishnan/echoscribe/internal/model"
)

// ErrNotFound is returned when no record exists for an id. The orchestrator
// treats it as "nothing to do", not as a failure.
var ErrNotFound = errors.New("record not found")

// TranscriptRepository persists TranscriptRecords in Postgres. Every
// mutation is a single UPDATE statement, so concurrent readers observe
// either the pre-update or the fully post-update row.
type TranscriptRepository struct {
	pool *pgxpool.Pool
}

// NewTranscriptRepository constructs a repository.
func NewTranscriptRepository(pool *pgxpool.Pool) *TranscriptRepository {
	return &TranscriptRepository{pool: pool}
}

// Create inserts a record with both tracks at pending.
func (r *TranscriptRepository) Create(ctx context.Context, rec *model.TranscriptRecord) error {
	now := time.Now().UTC()
	rec.Status = model.StatusPending
	rec.SummaryStatus = model.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transcripts (id, file_name, object_key, owner_id, status, transcript, summary_status, summary_mode, summary, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'',$6,'','',$7,$8)
	`, rec.ID, rec.FileName, rec.ObjectKey, rec.OwnerID, rec.Status, rec.SummaryStatus, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (r *TranscriptRepository) Get(ctx context.Context, id string) (*model.TranscriptRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, file_name, object_key, owner_id, status, COALESCE(transcript,''), summary_status, COALESCE(summary_mode,''), COALESCE(summary,''), created_at, updated_at
		FROM transcripts WHERE id=$1
	`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select transcript: %w", err)
	}
	return rec, nil
}

// List returns records ordered by recency, filtered to an owner when one is
// given.
func (r *TranscriptRepository) List(ctx context.Context, ownerID *string) ([]*model.TranscriptRecord, error) {
	query := `
		SELECT id, file_name, object_key, owner_id, status, COALESCE(transcript,''), summary_status, COALESCE(summary_mode,''), COALESCE(summary,''), created_at, updated_at
		FROM transcripts`
	args := []any{}
	if ownerID != nil {
		query += ` WHERE owner_id=$1`
		args = append(args, *ownerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()
	var out []*model.TranscriptRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkProcessing moves the transcription track to processing. It is
// persisted before any long-running work so status polling observes
// progress immediately.
func (r *TranscriptRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.update(ctx, id, `status=$2`, model.StatusProcessing)
}

// MarkCompleted stores the transcript and moves the track to completed.
func (r *TranscriptRepository) MarkCompleted(ctx context.Context, id, text string) error {
	return r.update(ctx, id, `status=$2, transcript=$3`, model.StatusCompleted, text)
}

// MarkFailed moves the track to failed; the message doubles as the
// user-visible result.
func (r *TranscriptRepository) MarkFailed(ctx context.Context, id, msg string) error {
	return r.update(ctx, id, `status=$2, transcript=$3`, model.StatusFailed, msg)
}

// BeginSummary atomically accepts a summarization request: the transcription
// track must be completed and no summarization may already be running. It
// reports whether the guard passed and the summary track entered processing.
func (r *TranscriptRepository) BeginSummary(ctx context.Context, id, mode string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transcripts
		SET summary_status=$2, summary_mode=$3, updated_at=$4
		WHERE id=$1 AND status=$5 AND summary_status <> $2
	`, id, model.StatusProcessing, mode, time.Now().UTC(), model.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("begin summary: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSummaryCompleted stores the summary text.
func (r *TranscriptRepository) MarkSummaryCompleted(ctx context.Context, id, text string) error {
	return r.update(ctx, id, `summary_status=$2, summary=$3`, model.StatusCompleted, text)
}

// MarkSummaryFailed stores the failure message in the summary field.
func (r *TranscriptRepository) MarkSummaryFailed(ctx context.Context, id, msg string) error {
	return r.update(ctx, id, `summary_status=$2, summary=$3`, model.StatusFailed, msg)
}

func (r *TranscriptRepository) update(ctx context.Context, id, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE transcripts SET %s, updated_at=$%d WHERE id=$1`, set, len(args)+2)
	args = append([]any{id}, args...)
	args = append(args, time.Now().UTC())
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.TranscriptRecord, error) {
	var rec model.TranscriptRecord
	if err := row.Scan(&rec.ID, &rec.FileName, &rec.ObjectKey, &rec.OwnerID, &rec.Status,
		&rec.Transcript, &rec.SummaryStatus, &rec.SummaryMode, &rec.Summary,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
