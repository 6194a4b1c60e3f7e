package capture

import (
	"context"
	"errors"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

var (
	// ErrMicrophoneUnavailable means permission was denied or no input
	// device exists. Retrying is allowed.
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	// ErrTranscriptionFailed leaves the ledger untouched.
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrEmptyTranscript     = errors.New("transcription returned no text")

	ErrSessionActive = errors.New("a recording session is already active")
	ErrBusy          = errors.New("previous recording is still being transcribed")
	ErrNotRecording  = errors.New("no recording in progress")
	ErrCaptureFailed = errors.New("finalize recording failed")
)

// Recorder is an acquired audio input. Stop releases the device and returns
// the encoded recording.
type Recorder interface {
	Pause() error
	Resume() error
	Stop() ([]byte, error)
}

// FrameWriter is implemented by recorders that accept pushed PCM frames.
type FrameWriter interface {
	WriteFrames(p []byte) (int, error)
}

// AudioSource acquires an input device for one recording.
type AudioSource interface {
	Acquire(ctx context.Context) (Recorder, error)
}

type Transcript struct {
	Text    string `json:"text"`
	Summary string `json:"summary,omitempty"`
}

// Transcriber is the speech-to-text collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// Sink receives finished transcripts. *dictation.Ledger satisfies it.
type Sink interface {
	AddTranscript(ctx context.Context, text, summary string) (dictation.Dictation, error)
}

// Archiver optionally keeps the raw recording once transcription succeeded.
type Archiver interface {
	Archive(ctx context.Context, dictationID int64, audio []byte) error
}
