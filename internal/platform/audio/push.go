package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/quicksoap/quicksoap/internal/domain/capture"
)

var ErrSourceInUse = errors.New("audio source already in use")

// PushSource is the input for clients that upload PCM frames themselves,
// e.g. a browser streaming microphone chunks over HTTP. One recording at a
// time; MaxBytes caps what one recording can buffer.
type PushSource struct {
	Format   Format
	MaxBytes int

	mu     sync.Mutex
	active bool
}

func NewPushSource(f Format, maxBytes int) *PushSource {
	return &PushSource{Format: f, MaxBytes: maxBytes}
}

func (s *PushSource) Acquire(ctx context.Context) (capture.Recorder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil, ErrSourceInUse
	}
	s.active = true
	return newBufferRecorder(s.Format, s.MaxBytes, s.releaseFn()), nil
}

func (s *PushSource) releaseFn() func() error {
	return func() error {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return nil
	}
}
