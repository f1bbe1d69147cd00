package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WhisperClient transcribes call recordings through a Whisper-compatible
// HTTP endpoint.
type WhisperClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewWhisperClient constructs the transcription client.
func NewWhisperClient(apiKey string) *WhisperClient {
	return &WhisperClient{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1/audio/transcriptions",
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Transcribe requests a transcription of the recording for an external call
// id.
func (c *WhisperClient) Transcribe(ctx context.Context, externalID string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("whisper: api key not configured")
	}

	form := fmt.Sprintf("model=whisper-1&file=%s", RecordingURL(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form))
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("whisper: api error (%d): %s", resp.StatusCode, string(body))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return out.Text, nil
}
