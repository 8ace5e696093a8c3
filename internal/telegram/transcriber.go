package telegram

import (
	"context"
	"fmt"
	"net/http"
	"path"

	"github.com/user/jotbot/pkg/llm/openai"
)

// Transcriber resolves a Telegram file id to its download URL and runs the
// audio through the speech-to-text capability. Implements types.Transcriber.
type Transcriber struct {
	adapter *Adapter
	client  *openai.Client
}

// NewTranscriber creates a Transcriber bound to the adapter's bot.
func NewTranscriber(adapter *Adapter, client *openai.Client) *Transcriber {
	return &Transcriber{adapter: adapter, client: client}
}

// Transcribe downloads the voice file and returns its transcription.
func (t *Transcriber) Transcribe(ctx context.Context, mediaRef string) (string, error) {
	url, err := t.adapter.bot.GetFileDirectURL(mediaRef)
	if err != nil {
		return "", fmt.Errorf("resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download voice file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download voice file: status %d", resp.StatusCode)
	}

	filename := path.Base(url)
	if filename == "" || filename == "." {
		filename = "voice.ogg"
	}
	return t.client.TranscribeAudio(ctx, filename, resp.Body)
}
