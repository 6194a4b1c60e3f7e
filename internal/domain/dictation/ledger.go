// Package dictation holds the ordered ledger of transcribed dictations and
// free-typed notes for the note currently being captured.
package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LedgerKey is the local storage key the ledger snapshot is kept under.
const LedgerKey = "quicksoap:ledger"

var (
	ErrNotFound      = errors.New("dictation not found")
	ErrPersistFailed = errors.New("persist ledger failed")
)

// LocalStore is device-scoped key/value storage that survives restarts.
type LocalStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Mirror receives every snapshot after it has been persisted locally.
// Submit must return immediately.
type Mirror interface {
	Submit(snap Snapshot)
}

type Option func(*Ledger)

func WithMirror(m Mirror) Option {
	return func(l *Ledger) { l.mirror = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is safe for concurrent use; mutations are applied and persisted one
// at a time, in call order.
type Ledger struct {
	mu     sync.Mutex
	store  LocalStore
	mirror Mirror
	logger zerolog.Logger
	now    func() time.Time

	dictations  []Dictation
	manualInput string
	lastMerged  string
	lastID      int64
}

// Open rehydrates the ledger from local storage. A missing key yields an
// empty ledger.
func Open(ctx context.Context, store LocalStore, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	raw, ok, err := store.Get(ctx, LedgerKey)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if !ok || raw == "" {
		return l, nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		l.logger.Warn().Err(err).Msg("discarding unreadable ledger snapshot")
		return l, nil
	}
	l.load(snap)
	return l, nil
}

// SetMirror attaches or detaches (nil) the remote mirror.
func (l *Ledger) SetMirror(m Mirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = m
}

func (l *Ledger) load(snap Snapshot) {
	l.dictations = append([]Dictation(nil), snap.Dictations...)
	l.manualInput = snap.ManualInput
	l.lastMerged = Merge(l.dictations, l.manualInput)
	l.lastID = 0
	for _, d := range l.dictations {
		if d.ID > l.lastID {
			l.lastID = d.ID
		}
	}
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{
		Dictations:          append([]Dictation(nil), l.dictations...),
		ManualInput:         l.manualInput,
		LastMergedNarrative: l.lastMerged,
	}
}

// commit persists next locally and, on success, makes it the current state.
func (l *Ledger) commit(ctx context.Context, dictations []Dictation, manualInput string, mirror bool) error {
	next := Snapshot{
		Dictations:          dictations,
		ManualInput:         manualInput,
		LastMergedNarrative: Merge(dictations, manualInput),
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := l.store.Set(ctx, LedgerKey, string(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	l.dictations = dictations
	l.manualInput = manualInput
	l.lastMerged = next.LastMergedNarrative

	if mirror && l.mirror != nil {
		l.mirror.Submit(l.snapshotLocked())
	}
	return nil
}

func (l *Ledger) nextIDLocked() int64 {
	id := l.now().UnixMilli()
	if id <= l.lastID {
		id = l.lastID + 1
	}
	return id
}

// AddTranscript appends a new dictation built from a finished transcription.
// An empty summary is derived from the text.
func (l *Ledger) AddTranscript(ctx context.Context, text, summary string) (Dictation, error) {
	if summary == "" {
		summary = Summarize(text, SummaryLength)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	d := Dictation{ID: l.nextIDLocked(), FullText: text, Summary: summary}
	if err := l.appendLocked(ctx, d); err != nil {
		return Dictation{}, err
	}
	return d, nil
}

// Append adds d at the end of the ledger. A zero ID is assigned.
func (l *Ledger) Append(ctx context.Context, d Dictation) (Dictation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.ID == 0 {
		d.ID = l.nextIDLocked()
	}
	if err := l.appendLocked(ctx, d); err != nil {
		return Dictation{}, err
	}
	return d, nil
}

func (l *Ledger) appendLocked(ctx context.Context, d Dictation) error {
	next := make([]Dictation, 0, len(l.dictations)+1)
	next = append(next, l.dictations...)
	next = append(next, d)
	if err := l.commit(ctx, next, l.manualInput, true); err != nil {
		return err
	}
	if d.ID > l.lastID {
		l.lastID = d.ID
	}
	return nil
}

func (l *Ledger) Remove(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]Dictation, 0, len(l.dictations))
	found := false
	for _, d := range l.dictations {
		if d.ID == id {
			found = true
			continue
		}
		next = append(next, d)
	}
	if !found {
		return ErrNotFound
	}
	return l.commit(ctx, next, l.manualInput, true)
}

// SetExpanded toggles the display flag of one dictation.
func (l *Ledger) SetExpanded(ctx context.Context, id int64, expanded bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := append([]Dictation(nil), l.dictations...)
	for i := range next {
		if next[i].ID == id {
			next[i].Expanded = expanded
			return l.commit(ctx, next, l.manualInput, true)
		}
	}
	return ErrNotFound
}

func (l *Ledger) SetManualInput(ctx context.Context, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commit(ctx, l.dictations, text, true)
}

// Restore replaces the ledger with snap, for example when a draft from the
// record store is loaded. The restored state is not mirrored back.
func (l *Ledger) Restore(ctx context.Context, snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dictations := append([]Dictation(nil), snap.Dictations...)
	if err := l.commit(ctx, dictations, snap.ManualInput, false); err != nil {
		return err
	}
	for _, d := range dictations {
		if d.ID > l.lastID {
			l.lastID = d.ID
		}
	}
	return nil
}

// Clear empties the ledger and removes it from local storage.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Delete(ctx, LedgerKey); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	l.dictations = nil
	l.manualInput = ""
	l.lastMerged = ""
	return nil
}

// MergedNarrative is the text fed to the report generator.
func (l *Ledger) MergedNarrative() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Merge(l.dictations, l.manualInput)
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) Dictations() []Dictation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Dictation(nil), l.dictations...)
}

func (l *Ledger) IsEmpty() bool {
	return l.Snapshot().IsEmpty()
}
