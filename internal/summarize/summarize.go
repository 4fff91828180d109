// Package summarize condenses completed transcripts through one of two
// interchangeable text-generation backends: a hosted chat-completion API or
// a self-hosted inference server. The backend is a deployment-wide choice
// made at construction; credentials are resolved per call.
package summarize

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbalakrishnan/echoscribe/internal/config"
)

// ErrMissingCredential is returned when a summarization call has no
// resolvable API key, neither a per-user override nor a process default.
var ErrMissingCredential = errors.New("no summarization credential configured")

// StatusError reports a non-2xx response from the self-hosted backend.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation endpoint returned status %d", e.Code)
}

// Credentials carries the resolved credential/endpoint for one call. Which
// fields matter depends on the backend: the hosted backend uses APIKey and
// Model, the self-hosted backend uses Endpoint and Model.
type Credentials struct {
	APIKey   string
	Endpoint string
	Model    string
}

// Summarizer condenses a transcript according to the requested mode.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, mode string, creds Credentials) (string, error)
}

// New picks the backend the deployment is configured for.
func New(cfg *config.Config) Summarizer {
	if cfg.SummaryBackend == config.BackendSelfHosted {
		return NewSelfHosted(cfg.SummaryTimeout)
	}
	return NewHosted(cfg.SummaryTimeout)
}
