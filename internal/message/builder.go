// Package message normalizes raw channel events into canonical messages.
package message

import (
	"strings"
	"time"

	"github.com/user/jotbot/internal/types"
)

// Build converts a raw inbound event into an immutable CanonicalMessage.
// It returns a MalformedEventError when the event lacks a user identity or
// any content payload. Media messages may arrive with empty content; their
// text is attached by the transcription collaborator before this point.
func Build(event *types.RawEvent) (*types.CanonicalMessage, error) {
	if event == nil {
		return nil, &types.MalformedEventError{Reason: "nil event"}
	}
	if strings.TrimSpace(event.UserKey) == "" {
		return nil, &types.MalformedEventError{Reason: "missing user identity"}
	}
	if strings.TrimSpace(event.MessageID) == "" {
		return nil, &types.MalformedEventError{Reason: "missing channel message id"}
	}

	source, err := parseSource(event.Source)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(event.Content)
	if content == "" && source == types.SourceText {
		return nil, &types.MalformedEventError{Reason: "empty text content"}
	}
	if content == "" && event.MediaRef == "" {
		return nil, &types.MalformedEventError{Reason: "no content payload"}
	}

	receivedAt := event.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	return &types.CanonicalMessage{
		UserKey:          types.UserKey(event.UserKey),
		Content:          content,
		Source:           source,
		ReceivedAt:       receivedAt.UTC(),
		ChannelMessageID: event.MessageID,
		MediaRef:         event.MediaRef,
	}, nil
}

func parseSource(raw string) (types.SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text":
		return types.SourceText, nil
	case "image", "photo":
		return types.SourceImage, nil
	case "audio", "voice":
		return types.SourceAudio, nil
	case "document":
		return types.SourceDocument, nil
	default:
		return "", &types.MalformedEventError{Reason: "unknown source kind: " + raw}
	}
}
