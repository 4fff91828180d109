// Package model contains struct definitions shared across packages.
package model

import (
	"time"
)

// Status describes one processing lifecycle. The transcription and
// summarization tracks each carry their own Status and advance
// independently.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TranscriptRecord is the persisted representation of one uploaded media
// file. Transcript holds the rendered transcript once the transcription
// track reaches completed, or the failure message when it reaches failed;
// Summary behaves the same way for the summarization track.
type TranscriptRecord struct {
	ID            string    `json:"id"`
	FileName      string    `json:"fileName"`
	ObjectKey     string    `json:"-"`
	OwnerID       *string   `json:"ownerId,omitempty"`
	Status        Status    `json:"status"`
	Transcript    string    `json:"transcript,omitempty"`
	SummaryStatus Status    `json:"summaryStatus"`
	SummaryMode   string    `json:"summaryMode,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UserCredentials holds a user's optional per-account overrides. Empty
// fields mean "no override"; resolution falls through to the process-wide
// defaults from config. The pipeline reads these, it never writes them.
type UserCredentials struct {
	UserID           string `json:"userId"`
	DiarizationToken string `json:"-"`
	SummaryAPIKey    string `json:"-"`
	SummaryEndpoint  string `json:"summaryEndpoint,omitempty"`
	SummaryModel     string `json:"summaryModel,omitempty"`
}
