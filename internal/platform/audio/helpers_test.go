package audio

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/capture"
	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

func zeroLogger() zerolog.Logger { return zerolog.Nop() }

type wavCheckingTranscriber struct {
	t       *testing.T
	samples []int
}

func (w *wavCheckingTranscriber) Transcribe(_ context.Context, data []byte) (capture.Transcript, error) {
	buf, err := wav.NewDecoder(bytes.NewReader(data)).FullPCMBuffer()
	if err != nil {
		w.t.Errorf("transcriber got invalid wav: %v", err)
		return capture.Transcript{}, err
	}
	w.samples = buf.Data
	return capture.Transcript{Text: "heard"}, nil
}

type recordingSink struct {
	texts []string
}

func (s *recordingSink) AddTranscript(_ context.Context, text, summary string) (dictation.Dictation, error) {
	s.texts = append(s.texts, text)
	return dictation.Dictation{ID: int64(len(s.texts)), FullText: text, Summary: summary}, nil
}
