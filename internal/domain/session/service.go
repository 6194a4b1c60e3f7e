// Package session ties one device's ledger, recorder, sync protocol and
// report controller together behind a single API.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/capture"
	"github.com/quicksoap/quicksoap/internal/domain/dictation"
	"github.com/quicksoap/quicksoap/internal/domain/draftsync"
	"github.com/quicksoap/quicksoap/internal/domain/report"
	"github.com/quicksoap/quicksoap/internal/domain/soapnote"
)

// Metrics is satisfied by *telemetry.Metrics.
type Metrics interface {
	draftsync.Metrics
	RecordingFinished(outcome string)
	GenerationFinished(outcome string, d time.Duration)
}

// Publisher receives change notifications. *events.Hub satisfies it.
type Publisher interface {
	Publish(topic, eventType string, payload any)
}

// Event topics, matching the ones the WebSocket hub accepts.
const (
	topicRecording = "recording"
	topicLedger    = "ledger"
	topicReport    = "report"
	topicDrafts    = "drafts"
)

type Config struct {
	Sync    draftsync.Config
	Capture capture.Config
}

type Deps struct {
	Local       dictation.LocalStore
	Records     draftsync.RecordStore
	Source      capture.AudioSource
	Transcriber capture.Transcriber
	Generator   report.Generator
	// Archiver is optional.
	Archiver capture.Archiver
	Metrics  Metrics
	// Events is optional.
	Events Publisher
}

type Service struct {
	ledger   *dictation.Ledger
	machine  *capture.Machine
	protocol *draftsync.Protocol
	mirrorer *draftsync.Mirrorer
	reports  *report.Controller
	metrics  Metrics
	events   Publisher
	logger   zerolog.Logger

	// resetMu is held exclusively while a reset flushes the mirror, deletes
	// the held draft and clears the ledger. Ledger writers hold it shared so
	// none of their mirror writes land between those steps.
	resetMu sync.RWMutex
}

// New rehydrates the ledger from local storage and wires the components.
// Call Close on shutdown to flush pending mirror writes.
func New(ctx context.Context, cfg Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	logger = logger.With().Str("role", string(cfg.Sync.Role)).Logger()

	syncOpts := []draftsync.Option{draftsync.WithLogger(logger)}
	if deps.Metrics != nil {
		syncOpts = append(syncOpts, draftsync.WithMetrics(deps.Metrics))
	}
	protocol := draftsync.NewProtocol(cfg.Sync, deps.Records, deps.Local, syncOpts...)
	mirrorer := draftsync.NewMirrorer(protocol, logger)

	ledger, err := dictation.Open(ctx, deps.Local, dictation.WithMirror(mirrorer), dictation.WithLogger(logger))
	if err != nil {
		mirrorer.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	s := &Service{
		ledger:   ledger,
		protocol: protocol,
		mirrorer: mirrorer,
		metrics:  deps.Metrics,
		events:   deps.Events,
		logger:   logger,
	}
	s.machine = capture.NewMachine(deps.Source, deps.Transcriber, ledger, cfg.Capture, logger)
	if deps.Archiver != nil {
		s.machine.SetArchiver(deps.Archiver)
	}
	s.machine.OnOutcome(s.recordingFinished)
	s.reports = report.NewController(ledger, deps.Generator, protocol, logger)
	return s, nil
}

func (s *Service) recordingFinished(out capture.Outcome) {
	outcome := "ok"
	switch {
	case out.Err == nil:
	case errors.Is(out.Err, capture.ErrEmptyTranscript):
		outcome = "empty"
	default:
		outcome = "failed"
	}
	if s.metrics != nil {
		s.metrics.RecordingFinished(outcome)
	}

	if out.Err != nil {
		s.publish(topicRecording, "recording.failed", map[string]string{"outcome": outcome, "error": out.Err.Error()})
	} else {
		s.publish(topicRecording, "recording.transcribed", out.Dictation)
		s.publishLedger()
	}
	s.publishRecordingState()
}

func (s *Service) publish(topic, eventType string, payload any) {
	if s.events != nil {
		s.events.Publish(topic, eventType, payload)
	}
}

func (s *Service) publishLedger() { s.publish(topicLedger, "ledger.changed", s.Ledger()) }

func (s *Service) publishRecordingState() {
	s.publish(topicRecording, "recording.state", s.machine.Status())
}

// changed publishes the ledger after a successful mutation and passes err
// through.
func (s *Service) changed(err error) error {
	if err == nil {
		s.publishLedger()
	}
	return err
}

func (s *Service) Role() draftsync.Role { return s.protocol.Role() }

// Close waits for in-flight transcriptions and drains the mirror.
func (s *Service) Close() {
	s.machine.Wait()
	s.mirrorer.Close()
}

// -- Recording --

func (s *Service) StartRecording(ctx context.Context) error {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.stateChanged(s.machine.Start(ctx))
}

func (s *Service) PauseRecording() error  { return s.stateChanged(s.machine.Pause()) }
func (s *Service) ResumeRecording() error { return s.stateChanged(s.machine.Resume()) }

func (s *Service) StopRecording(ctx context.Context) (capture.StopResult, error) {
	res, err := s.machine.Stop(ctx)
	return res, s.stateChanged(err)
}

func (s *Service) stateChanged(err error) error {
	if err == nil {
		s.publishRecordingState()
	}
	return err
}

func (s *Service) FeedAudio(p []byte) (int, error) { return s.machine.Feed(p) }

func (s *Service) RecordingStatus() capture.Status { return s.machine.Status() }

// -- Ledger --

type LedgerView struct {
	dictation.Snapshot
	MergedNarrative string `json:"mergedNarrative"`
}

func (s *Service) Ledger() LedgerView {
	return LedgerView{Snapshot: s.ledger.Snapshot(), MergedNarrative: s.ledger.MergedNarrative()}
}

func (s *Service) AddNote(ctx context.Context, text, summary string) (dictation.Dictation, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	d, err := s.ledger.AddTranscript(ctx, text, summary)
	return d, s.changed(err)
}

func (s *Service) RemoveDictation(ctx context.Context, id int64) error {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.changed(s.ledger.Remove(ctx, id))
}

func (s *Service) SetExpanded(ctx context.Context, id int64, expanded bool) error {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.changed(s.ledger.SetExpanded(ctx, id, expanded))
}

func (s *Service) SetManualInput(ctx context.Context, text string) error {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.changed(s.ledger.SetManualInput(ctx, text))
}

// -- Report --

func (s *Service) Generate(ctx context.Context) (*report.Report, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	start := time.Now()
	rep, err := s.reports.Generate(ctx)
	if s.metrics != nil && !errors.Is(err, report.ErrEmptyLedger) {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		s.metrics.GenerationFinished(outcome, time.Since(start))
	}
	if err == nil {
		s.publish(topicReport, "report.generated", rep)
	}
	return rep, err
}

func (s *Service) reportEdited(rep *report.Report, err error) (*report.Report, error) {
	if err == nil {
		s.publish(topicReport, "report.updated", rep)
	}
	return rep, err
}

func (s *Service) CurrentReport() (*report.Report, bool) { return s.reports.Current() }

func (s *Service) EditSection(ctx context.Context, name soapnote.SectionName, content string) (*report.Report, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.reportEdited(s.reports.EditSection(ctx, name, content))
}

func (s *Service) SaveEdits(ctx context.Context, doc soapnote.Document) (*report.Report, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.reportEdited(s.reports.SaveEdits(ctx, doc))
}

// Finish is save-and-clear: the report stays stored, the device starts over.
func (s *Service) Finish(ctx context.Context) error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	if err := s.requireIdle(); err != nil {
		return err
	}
	s.mirrorer.Flush()
	if err := s.reports.Finish(ctx); err != nil {
		return err
	}
	s.publishReset()
	return nil
}

func (s *Service) publishReset() {
	s.publish(topicReport, "report.cleared", nil)
	s.publishLedger()
}

// -- Drafts --

func (s *Service) requireIdle() error {
	switch s.machine.State() {
	case capture.StateIdle:
		return nil
	case capture.StateRecording, capture.StatePaused:
		return capture.ErrSessionActive
	default:
		return capture.ErrBusy
	}
}

type StartNewResult struct {
	DeletedID *uuid.UUID `json:"deleted_id,omitempty"`
	// KeptReason explains why the previous draft stayed in the store.
	KeptReason string `json:"kept_reason,omitempty"`
}

// StartNew abandons the current note. The held draft is deleted when this
// device may still do so safely; otherwise it is left for whoever owns it.
func (s *Service) StartNew(ctx context.Context) (StartNewResult, error) {
	var res StartNewResult
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	if err := s.requireIdle(); err != nil {
		return res, err
	}
	s.mirrorer.Flush()

	id, held, err := s.protocol.HeldID(ctx)
	if err != nil {
		return res, err
	}
	if held {
		switch err := s.protocol.DeleteDraft(ctx, id); {
		case err == nil:
			res.DeletedID = &id
		case errors.Is(err, draftsync.ErrDeleteRefused):
			res.KeptReason = err.Error()
		case errors.Is(err, draftsync.ErrNotFound):
		default:
			return res, err
		}
	}

	if err := s.protocol.Forget(ctx); err != nil {
		return res, err
	}
	if err := s.ledger.Clear(ctx); err != nil {
		return res, err
	}
	s.reports.Reset()
	s.publishReset()
	return res, nil
}

// Rehydrate runs desktop discovery for the remembered record. A completed
// record becomes the current report; a draft fills the ledger when local
// storage has nothing newer.
func (s *Service) Rehydrate(ctx context.Context) (*draftsync.Record, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	if s.protocol.Role() != draftsync.RoleDesktop {
		return nil, nil
	}
	rec, err := s.protocol.Discover(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.IsDraft() {
		s.publish(topicReport, "report.loaded", s.reports.Load(rec))
		return rec, nil
	}
	if s.ledger.IsEmpty() && !rec.FormData.Snapshot.IsEmpty() {
		if err := s.ledger.Restore(ctx, rec.FormData.Snapshot); err != nil {
			return nil, err
		}
		s.publishLedger()
	}
	return rec, nil
}

func (s *Service) SendToDesktop(ctx context.Context) (*draftsync.Record, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	s.mirrorer.Flush()
	rec, err := s.protocol.SendToDesktop(ctx, s.ledger.Snapshot())
	if err == nil {
		s.publish(topicDrafts, "draft.sent", rec)
	}
	return rec, err
}

func (s *Service) LastSentID(ctx context.Context) (uuid.UUID, bool, error) {
	return s.protocol.LastSentID(ctx)
}

func (s *Service) PendingHandoffs(ctx context.Context, refresh bool) ([]*draftsync.Record, error) {
	return s.protocol.PendingHandoffs(ctx, refresh)
}

// Adopt replaces the ledger with a sent hand-off and holds its record.
func (s *Service) Adopt(ctx context.Context, id uuid.UUID) (*draftsync.Record, error) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	if err := s.requireIdle(); err != nil {
		return nil, err
	}
	s.mirrorer.Flush()

	rec, err := s.protocol.Adopt(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.Restore(ctx, rec.FormData.Snapshot); err != nil {
		return nil, err
	}
	s.reports.Reset()
	s.publish(topicDrafts, "draft.adopted", rec)
	s.publishReset()
	return rec, nil
}

func (s *Service) Records(ctx context.Context, draftsOnly bool, limit, offset int) ([]*draftsync.Record, int, error) {
	return s.protocol.Records(ctx, draftsOnly, limit, offset)
}

func (s *Service) Record(ctx context.Context, id uuid.UUID) (*draftsync.Record, error) {
	return s.protocol.Record(ctx, id)
}

// FlushMirror blocks until pending remote draft writes have been attempted.
func (s *Service) FlushMirror() { s.mirrorer.Flush() }
