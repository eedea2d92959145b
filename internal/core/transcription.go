package core

import (
	"context"
	"log"
	"strings"
)

const defaultAudioExtension = "webm"

var mimeExtensions = map[string]string{
	"audio/webm":  "webm",
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
	"audio/mp4":   "mp4",
	"audio/m4a":   "m4a",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/ogg":   "ogg",
	"audio/flac":  "flac",
}

// TranscribeAudio converts a recorded clip into text. The upstream endpoint
// keys the decoder off the file extension, so one is inferred from the MIME
// type (codec suffixes like ";codecs=opus" stripped), defaulting to webm.
// Returns "" on exhausted retries so callers can show a fallback message.
func (s *AssistantService) TranscribeAudio(ctx context.Context, data []byte, mimeType string) string {
	if len(data) == 0 {
		return ""
	}
	filename := "audio." + extensionForMIME(mimeType)

	var text string
	err := withRetry(ctx, s.sleep, retryAttempts, retryBaseDelay, retryBackoffGrowth, func() error {
		var err error
		text, err = s.client.Transcribe(ctx, filename, data)
		return err
	})
	if err != nil {
		log.Printf("Transcription failed: %v", err)
		return ""
	}
	return text
}

func extensionForMIME(mimeType string) string {
	base := mimeType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSpace(strings.ToLower(base))
	if ext, ok := mimeExtensions[base]; ok {
		return ext
	}
	return defaultAudioExtension
}
