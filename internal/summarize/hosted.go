package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	hostedBaseURL = "https://api.openai.com/v1"
	systemPrompt  = "You are a helpful AI assistant that summarizes transcripts."
)

// Hosted talks to a chat-completion style API.
type Hosted struct {
	baseURL string
	client  *http.Client
}

// NewHosted constructs the hosted backend with a bounded request timeout.
func NewHosted(timeout time.Duration) *Hosted {
	return &Hosted{
		baseURL: hostedBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize requests a low-temperature completion whose user message embeds
// the mode and transcript. Fails with ErrMissingCredential when no API key
// was resolvable.
func (h *Hosted) Summarize(ctx context.Context, transcript, mode string, creds Credentials) (string, error) {
	if creds.APIKey == "" {
		return "", ErrMissingCredential
	}
	prompt := fmt.Sprintf("Summarize the following audio transcript in a clear and concise format (%s):\n\n%s", mode, transcript)
	payload, err := json.Marshal(chatRequest{
		Model: creds.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call chat completions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat completions status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("chat completions returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
