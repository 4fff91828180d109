package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SelfHosted posts to an Ollama-style generation endpoint.
type SelfHosted struct {
	client *http.Client
}

// NewSelfHosted constructs the self-hosted backend with a bounded request
// timeout (60s by default from config).
func NewSelfHosted(timeout time.Duration) *SelfHosted {
	return &SelfHosted{client: &http.Client{Timeout: timeout}}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Summarize posts {model, prompt, stream=false} to the configured endpoint
// and extracts the response field. Non-2xx statuses surface as StatusError.
func (s *SelfHosted) Summarize(ctx context.Context, transcript, mode string, creds Credentials) (string, error) {
	prompt := fmt.Sprintf("Summarize the following transcript (%s):\n\n%s", mode, transcript)
	payload, err := json.Marshal(generateRequest{
		Model:  creds.Model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call generation endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode}
	}
	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return parsed.Response, nil
}
