// Package queue defines the background tasks exchanged between the API
// server and the worker. Submitting a task returns immediately; execution
// happens on the worker, and tasks carry MaxRetry(0) because a failed track
// is terminal — resubmission is always a fresh enqueue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TranscribeTask runs the transcription track for one record.
	TranscribeTask = "transcript:process"
	// SummarizeTask runs the summarization track for one record.
	SummarizeTask = "transcript:summarize"
)

// TranscribePayload tells the worker which object to pull and which record
// to advance.
type TranscribePayload struct {
	RecordID  string `json:"record_id"`
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
}

// SummarizePayload carries the record id and the requested mode.
type SummarizePayload struct {
	RecordID string `json:"record_id"`
	Mode     string `json:"mode"`
}

// Enqueuer abstracts task submission so HTTP handlers and the watcher can be
// tested without Redis.
type Enqueuer interface {
	EnqueueTranscribe(ctx context.Context, payload TranscribePayload) error
	EnqueueSummarize(ctx context.Context, payload SummarizePayload) error
}

// Client wraps an asynq client as an Enqueuer.
type Client struct {
	client *asynq.Client
}

// NewClient constructs a Client.
func NewClient(client *asynq.Client) *Client {
	return &Client{client: client}
}

// EnqueueTranscribe submits a transcription job.
func (c *Client) EnqueueTranscribe(ctx context.Context, payload TranscribePayload) error {
	return c.enqueue(ctx, TranscribeTask, payload)
}

// EnqueueSummarize submits a summarization job.
func (c *Client) EnqueueSummarize(ctx context.Context, payload SummarizePayload) error {
	return c.enqueue(ctx, SummarizeTask, payload)
}

func (c *Client) enqueue(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(name, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}
