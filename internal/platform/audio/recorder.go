package audio

import (
	"bytes"
	"errors"
	"sync"
)

var ErrRecorderClosed = errors.New("recorder already stopped")

// bufferRecorder collects PCM frames for one recording. Frames written while
// paused are dropped.
type bufferRecorder struct {
	format  Format
	limit   int
	release func() error

	mu      sync.Mutex
	pcm     bytes.Buffer
	paused  bool
	stopped bool
}

func newBufferRecorder(f Format, limit int, release func() error) *bufferRecorder {
	return &bufferRecorder{format: f, limit: limit, release: release}
}

func (r *bufferRecorder) WriteFrames(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, ErrRecorderClosed
	}
	if r.paused {
		return 0, nil
	}
	if r.limit > 0 && r.pcm.Len()+len(p) > r.limit {
		p = p[:max(0, r.limit-r.pcm.Len())]
	}
	return r.pcm.Write(p)
}

func (r *bufferRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	return nil
}

func (r *bufferRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	return nil
}

// Stop releases the input device and returns the WAV-encoded recording.
func (r *bufferRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrRecorderClosed
	}
	r.stopped = true
	pcm := r.pcm.Bytes()
	r.mu.Unlock()

	var releaseErr error
	if r.release != nil {
		releaseErr = r.release()
	}
	data, err := EncodeWAV(pcm, r.format)
	if err != nil {
		return nil, err
	}
	return data, releaseErr
}

func (r *bufferRecorder) buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pcm.Len()
}
