// Package capture drives one audio recording at a time through
// idle -> recording <-> paused -> stopping -> transcribing -> idle and hands
// finished transcripts to the dictation ledger.
package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateTranscribing State = "transcribing"
)

// DefaultLargeAudioThreshold is the recording size above which callers are
// warned that transcription may take several minutes.
const DefaultLargeAudioThreshold = 8 << 20

type Config struct {
	LargeAudioThreshold int
	// TranscribeTimeout bounds the detached transcription call. Zero means
	// no bound beyond the transcriber's own.
	TranscribeTimeout time.Duration
}

// Outcome is the final result of one stopped recording.
type Outcome struct {
	Dictation dictation.Dictation
	Err       error
}

type StopResult struct {
	AudioBytes int
	// LargeInput is set when AudioBytes exceeds the configured threshold.
	LargeInput bool
	// Done yields exactly one Outcome and is then closed.
	Done <-chan Outcome
}

type Status struct {
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Recorded  time.Duration `json:"recorded_ns"`
}

type Machine struct {
	source      AudioSource
	transcriber Transcriber
	sink        Sink
	archiver    Archiver
	cfg         Config
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	state     State
	acquiring bool
	rec       Recorder
	startedAt time.Time
	resumedAt time.Time
	recorded  time.Duration
	onOutcome func(Outcome)
	inflight  sync.WaitGroup
}

func NewMachine(source AudioSource, transcriber Transcriber, sink Sink, cfg Config, logger zerolog.Logger) *Machine {
	if cfg.LargeAudioThreshold <= 0 {
		cfg.LargeAudioThreshold = DefaultLargeAudioThreshold
	}
	return &Machine{
		source:      source,
		transcriber: transcriber,
		sink:        sink,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		state:       StateIdle,
	}
}

// SetArchiver keeps raw audio of successful recordings.
func (m *Machine) SetArchiver(a Archiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiver = a
}

// OnOutcome registers a callback run after every transcription settles.
func (m *Machine) OnOutcome(fn func(Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutcome = fn
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: m.state, Recorded: m.recorded}
	if m.state == StateRecording || m.state == StatePaused {
		started := m.startedAt
		st.StartedAt = &started
	}
	if m.state == StateRecording {
		st.Recorded += m.now().Sub(m.resumedAt)
	}
	return st
}

func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.acquiring || m.state == StateRecording || m.state == StatePaused:
		m.mu.Unlock()
		return ErrSessionActive
	case m.state != StateIdle:
		m.mu.Unlock()
		return ErrBusy
	}
	m.acquiring = true
	m.mu.Unlock()

	rec, err := m.source.Acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquiring = false
	if err != nil {
		m.state = StateIdle
		m.logger.Warn().Err(err).Msg("audio input unavailable")
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	now := m.now()
	m.rec = rec
	m.state = StateRecording
	m.startedAt = now
	m.resumedAt = now
	m.recorded = 0
	m.logger.Debug().Msg("recording started")
	return nil
}

// Pause is a no-op unless recording.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecording {
		return nil
	}
	if err := m.rec.Pause(); err != nil {
		return fmt.Errorf("pause recording: %w", err)
	}
	m.recorded += m.now().Sub(m.resumedAt)
	m.state = StatePaused
	return nil
}

// Resume is a no-op unless paused.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return nil
	}
	if err := m.rec.Resume(); err != nil {
		return fmt.Errorf("resume recording: %w", err)
	}
	m.resumedAt = m.now()
	m.state = StateRecording
	return nil
}

// Feed forwards pushed PCM frames to the active recorder. Frames are dropped
// while paused.
func (m *Machine) Feed(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StatePaused:
		return 0, nil
	case StateRecording:
	default:
		return 0, ErrNotRecording
	}
	fw, ok := m.rec.(FrameWriter)
	if !ok {
		return 0, fmt.Errorf("audio input does not accept pushed frames")
	}
	return fw.WriteFrames(p)
}

// Stop finalizes the recording and starts transcription in the background.
// Transcription runs on a context detached from ctx's cancellation: once
// issued it cannot be cancelled.
func (m *Machine) Stop(ctx context.Context) (StopResult, error) {
	m.mu.Lock()
	if m.state != StateRecording && m.state != StatePaused {
		m.mu.Unlock()
		return StopResult{}, ErrNotRecording
	}
	if m.state == StateRecording {
		m.recorded += m.now().Sub(m.resumedAt)
	}
	rec := m.rec
	m.rec = nil
	m.state = StateStopping
	m.mu.Unlock()

	audio, err := rec.Stop()
	if err != nil {
		m.setState(StateIdle)
		return StopResult{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	large := len(audio) > m.cfg.LargeAudioThreshold
	if large {
		m.logger.Warn().Int("bytes", len(audio)).Msg("large recording, transcription may take several minutes")
	}

	m.setState(StateTranscribing)

	tctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if m.cfg.TranscribeTimeout > 0 {
		tctx, cancel = context.WithTimeout(tctx, m.cfg.TranscribeTimeout)
	}

	done := make(chan Outcome, 1)
	m.inflight.Add(1)
	go func() {
		defer cancel()
		m.transcribe(tctx, audio, done)
	}()

	return StopResult{AudioBytes: len(audio), LargeInput: large, Done: done}, nil
}

func (m *Machine) transcribe(ctx context.Context, audio []byte, done chan<- Outcome) {
	defer m.inflight.Done()

	var out Outcome
	tr, err := m.transcriber.Transcribe(ctx, audio)
	switch {
	case err != nil:
		out.Err = fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	case strings.TrimSpace(tr.Text) == "":
		out.Err = fmt.Errorf("%w: %w", ErrTranscriptionFailed, ErrEmptyTranscript)
	default:
		d, err := m.sink.AddTranscript(ctx, strings.TrimSpace(tr.Text), strings.TrimSpace(tr.Summary))
		if err != nil {
			out.Err = err
			break
		}
		out.Dictation = d
		m.archive(ctx, d.ID, audio)
	}

	if out.Err != nil {
		m.logger.Warn().Err(out.Err).Msg("recording discarded")
	}

	m.mu.Lock()
	m.state = StateIdle
	cb := m.onOutcome
	m.mu.Unlock()

	if cb != nil {
		cb(out)
	}
	done <- out
	close(done)
}

func (m *Machine) archive(ctx context.Context, id int64, audio []byte) {
	m.mu.Lock()
	a := m.archiver
	m.mu.Unlock()
	if a == nil {
		return
	}
	if err := a.Archive(ctx, id, audio); err != nil {
		m.logger.Warn().Err(err).Int64("dictation_id", id).Msg("archive recording failed")
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Wait blocks until in-flight transcriptions have settled.
func (m *Machine) Wait() {
	m.inflight.Wait()
}
