package gateway

import (
	"context"

	"github.com/quicksoap/quicksoap/internal/domain/capture"
)

// Transcriber posts a WAV recording and reads back {"text", "summary"}.
type Transcriber struct {
	client
}

func NewTranscriber(cfg Config) *Transcriber {
	return &Transcriber{client: newClient(cfg)}
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (capture.Transcript, error) {
	var out capture.Transcript
	if err := t.post(ctx, "audio/wav", audio, &out); err != nil {
		return capture.Transcript{}, err
	}
	return out, nil
}
