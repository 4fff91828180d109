package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbalakrishnan/echoscribe/internal/model"
)

// CredentialRepository reads per-user credential overrides. The pipeline
// never writes this table; account management owns it.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

// NewCredentialRepository constructs a repository.
func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// Get returns the overrides stored for a user. A user without a row yields
// ErrNotFound; callers fall back to process defaults.
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*model.UserCredentials, error) {
	var creds model.UserCredentials
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, COALESCE(diarization_token,''), COALESCE(summary_api_key,''), COALESCE(summary_endpoint,''), COALESCE(summary_model,'')
		FROM user_credentials WHERE user_id=$1
	`, userID)
	if err := row.Scan(&creds.UserID, &creds.DiarizationToken, &creds.SummaryAPIKey,
		&creds.SummaryEndpoint, &creds.SummaryModel); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select user credentials: %w", err)
	}
	return &creds, nil
}
