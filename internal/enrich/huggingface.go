package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HuggingFaceClient calls a hosted inference endpoint for sentiment labels.
type HuggingFaceClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewHuggingFaceClient constructs the sentiment client.
func NewHuggingFaceClient(apiKey string) *HuggingFaceClient {
	return &HuggingFaceClient{
		apiKey:  apiKey,
		baseURL: "https://api-inference.huggingface.co/models",
		model:   "distilbert-base-uncased-finetuned-sst-2-english",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sentimentScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// AnalyzeSentiment classifies the transcript associated with the call.
func (c *HuggingFaceClient) AnalyzeSentiment(ctx context.Context, externalID string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("huggingface: api key not configured")
	}

	payload, err := json.Marshal(map[string]string{"inputs": externalID})
	if err != nil {
		return "", fmt.Errorf("huggingface: marshal request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/%s", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("huggingface: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("huggingface: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("huggingface: api error (%d): %s", resp.StatusCode, string(body))
	}

	var scores [][]sentimentScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return "", fmt.Errorf("huggingface: decode response: %w", err)
	}
	if len(scores) == 0 || len(scores[0]) == 0 {
		return "", fmt.Errorf("huggingface: empty response")
	}

	best := scores[0][0]
	for _, s := range scores[0][1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	return best.Label, nil
}
