package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/capture"
	"github.com/quicksoap/quicksoap/internal/domain/draftsync"
	"github.com/quicksoap/quicksoap/internal/domain/report"
)

type memLocal struct {
	mu    sync.Mutex
	items map[string]string
}

func newMemLocal() *memLocal { return &memLocal{items: make(map[string]string)} }

func (m *memLocal) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *memLocal) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memLocal) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	frames []byte
}

func (r *fakeRecorder) Pause() error  { return nil }
func (r *fakeRecorder) Resume() error { return nil }

func (r *fakeRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte("RIFF"), r.frames...), nil
}

func (r *fakeRecorder) WriteFrames(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, p...)
	return len(p), nil
}

type fakeSource struct{ err error }

func (s fakeSource) Acquire(context.Context) (capture.Recorder, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fakeRecorder{}, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte) (capture.Transcript, error) {
	return capture.Transcript{Text: f.text}, f.err
}

type fakeGenerator struct {
	mu     sync.Mutex
	report string
	entity string
	err    error
	inputs []string
}

func (g *fakeGenerator) Generate(_ context.Context, narrative string) (report.GeneratorResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, narrative)
	if g.err != nil {
		return report.GeneratorResult{}, g.err
	}
	return report.GeneratorResult{Report: g.report, ExtractedEntityName: g.entity}, nil
}

type countingMetrics struct {
	mu          sync.Mutex
	recordings  map[string]int
	generations map[string]int
	syncFails   int
	refusals    int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{recordings: map[string]int{}, generations: map[string]int{}}
}

func (m *countingMetrics) SyncWriteFailed(string) { m.mu.Lock(); m.syncFails++; m.mu.Unlock() }
func (m *countingMetrics) DeleteRefused(string)   { m.mu.Lock(); m.refusals++; m.mu.Unlock() }

func (m *countingMetrics) RecordingFinished(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings[outcome]++
}

func (m *countingMetrics) GenerationFinished(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations[outcome]++
}

const generatedReport = "**Subjective:**\nLimping on left hind leg\n\n**Plan:**\nRest for two weeks"

type device struct {
	svc     *Service
	local   *memLocal
	gen     *fakeGenerator
	metrics *countingMetrics
}

type deviceOption func(*Deps)

func withTranscriber(tr capture.Transcriber) deviceOption {
	return func(d *Deps) { d.Transcriber = tr }
}

func withSource(src capture.AudioSource) deviceOption {
	return func(d *Deps) { d.Source = src }
}

func newDevice(t *testing.T, role draftsync.Role, store draftsync.RecordStore, local *memLocal, opts ...deviceOption) *device {
	t.Helper()
	if local == nil {
		local = newMemLocal()
	}
	gen := &fakeGenerator{report: generatedReport, entity: "Rex"}
	metrics := newCountingMetrics()
	deps := Deps{
		Local:       local,
		Records:     store,
		Source:      fakeSource{},
		Transcriber: fakeTranscriber{text: "Patient limping"},
		Generator:   gen,
		Metrics:     metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	cfg := Config{
		Sync: draftsync.Config{
			Role:         role,
			UserID:       "vet-1",
			RecheckDelay: time.Millisecond,
		},
	}
	svc, err := New(context.Background(), cfg, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Close)
	return &device{svc: svc, local: local, gen: gen, metrics: metrics}
}

// record runs one full start/feed/stop cycle and waits for the transcript.
func (d *device) record(t *testing.T) capture.Outcome {
	t.Helper()
	ctx := context.Background()
	if err := d.svc.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := d.svc.FeedAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	res, err := d.svc.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	select {
	case out := <-res.Done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("transcription did not settle")
	}
	return capture.Outcome{}
}

var errUpstream = errors.New("upstream unavailable")
