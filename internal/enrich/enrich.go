package enrich

import (
	"context"
	"fmt"
)

// Transcriber converts a finished call's recording into text. Optional: a nil
// implementation or a failure degrades to no transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, externalID string) (string, error)
}

// SentimentAnalyzer labels the sentiment of a call. Optional and fallible in
// the same way as Transcriber.
type SentimentAnalyzer interface {
	AnalyzeSentiment(ctx context.Context, externalID string) (string, error)
}

// RecordingURL synthesizes the location of a call recording.
func RecordingURL(externalID string) string {
	return fmt.Sprintf("/recordings/%s.wav", externalID)
}
