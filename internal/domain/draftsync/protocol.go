// Package draftsync keeps ledger drafts in the shared record store and
// decides when a device may load, overwrite or delete one.
//
// Devices never talk to each other. Ownership is carried on each record as
// its Origin, and destructive actions re-read the record immediately before
// acting and are conditional on the version that read observed.
package draftsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

// Local storage keys owned by the protocol.
const (
	CurrentRecordKey = "quicksoap:current_record_id"
	LastSentKey      = "quicksoap:last_sent_id"
)

const (
	DefaultGraceWindow     = 5 * time.Minute
	DefaultRecheckDelay    = 2 * time.Second
	DefaultHandoffCacheTTL = 15 * time.Second
	handoffLimit           = 50
)

var (
	// ErrSyncWriteFailed marks a failed remote write. Mirror failures are
	// logged and counted, never retried.
	ErrSyncWriteFailed  = errors.New("sync write failed")
	ErrDeleteRefused    = errors.New("draft may not be deleted")
	ErrNotAuthenticated = errors.New("no authenticated user")
	ErrNothingToSend    = errors.New("ledger is empty")
	ErrNotAdoptable     = errors.New("record is not an open hand-off")
)

// Metrics is implemented by the telemetry package.
type Metrics interface {
	SyncWriteFailed(op string)
	DeleteRefused(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SyncWriteFailed(string) {}
func (noopMetrics) DeleteRefused(string)   {}

type Config struct {
	Role               Role
	UserID             string
	GraceWindow        time.Duration
	RecheckDelay       time.Duration
	MirrorMobileDrafts bool
	HandoffCacheTTL    time.Duration
}

type Option func(*Protocol)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Protocol) { p.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(p *Protocol) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithSleep replaces the wait between the two reads of a guarded delete.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Protocol) { p.sleep = sleep }
}

type Protocol struct {
	cfg      Config
	store    RecordStore
	local    dictation.LocalStore
	logger   zerolog.Logger
	metrics  Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	handoffs *cache.Cache

	// mu serializes operations that read or replace the held record id.
	mu sync.Mutex
}

func NewProtocol(cfg Config, store RecordStore, local dictation.LocalStore, opts ...Option) *Protocol {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = DefaultRecheckDelay
	}
	if cfg.HandoffCacheTTL <= 0 {
		cfg.HandoffCacheTTL = DefaultHandoffCacheTTL
	}
	p := &Protocol{
		cfg:      cfg,
		store:    store,
		local:    local,
		logger:   zerolog.Nop(),
		metrics:  noopMetrics{},
		now:      time.Now,
		sleep:    sleepContext,
		handoffs: cache.New(cfg.HandoffCacheTTL, 2*cfg.HandoffCacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Protocol) Role() Role { return p.cfg.Role }

func (p *Protocol) requireUser() error {
	if p.cfg.UserID == "" {
		return ErrNotAuthenticated
	}
	return nil
}

// ownOrigin is the origin of drafts this device creates.
func (p *Protocol) ownOrigin() Origin {
	if p.cfg.Role == RoleMobile {
		return MobileDraftOrigin()
	}
	return DesktopOrigin()
}

func (p *Protocol) readID(ctx context.Context, key string) (uuid.UUID, bool, error) {
	raw, ok, err := p.local.Get(ctx, key)
	if err != nil || !ok || raw == "" {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		p.logger.Warn().Str("key", key).Str("value", raw).Msg("discarding unreadable record id")
		return uuid.Nil, false, p.local.Delete(ctx, key)
	}
	return id, true, nil
}

// HeldID is the record this device currently mirrors into and promotes.
func (p *Protocol) HeldID(ctx context.Context) (uuid.UUID, bool, error) {
	return p.readID(ctx, CurrentRecordKey)
}

func (p *Protocol) LastSentID(ctx context.Context) (uuid.UUID, bool, error) {
	return p.readID(ctx, LastSentKey)
}

func (p *Protocol) hold(ctx context.Context, id uuid.UUID) error {
	return p.local.Set(ctx, CurrentRecordKey, id.String())
}

// Forget drops the held record id without touching the remote record.
func (p *Protocol) Forget(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local.Delete(ctx, CurrentRecordKey)
}

func (p *Protocol) syncFailed(op string, err error) error {
	p.metrics.SyncWriteFailed(op)
	return fmt.Errorf("%w: %s: %v", ErrSyncWriteFailed, op, err)
}

func (p *Protocol) shouldMirror() bool {
	return p.cfg.Role == RoleDesktop || p.cfg.MirrorMobileDrafts
}

// MirrorLedger writes snap into the held draft, creating the draft on the
// first non-empty snapshot. Mobile devices stay local-only unless mobile
// mirroring is enabled.
func (p *Protocol) MirrorLedger(ctx context.Context, snap dictation.Snapshot) error {
	if err := p.requireUser(); err != nil {
		return err
	}
	if !p.shouldMirror() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id, held, err := p.HeldID(ctx)
	if err != nil {
		return p.syncFailed("mirror", err)
	}
	if !held {
		if snap.IsEmpty() {
			return nil
		}
		_, err := p.insertLocked(ctx, &Record{
			UserID:     p.cfg.UserID,
			ReportName: p.draftName(),
			FormData:   FormData{Snapshot: snap, Origin: p.ownOrigin()},
		})
		if err != nil {
			return p.syncFailed("mirror insert", err)
		}
		return nil
	}

	rec, err := p.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		p.logger.Info().Str("record_id", id.String()).Msg("held draft no longer exists, starting a new one")
		if err := p.local.Delete(ctx, CurrentRecordKey); err != nil {
			return p.syncFailed("mirror", err)
		}
		if snap.IsEmpty() {
			return nil
		}
		if _, err := p.insertLocked(ctx, &Record{
			UserID:     p.cfg.UserID,
			ReportName: p.draftName(),
			FormData:   FormData{Snapshot: snap, Origin: p.ownOrigin()},
		}); err != nil {
			return p.syncFailed("mirror insert", err)
		}
		return nil
	}
	if err != nil {
		return p.syncFailed("mirror read", err)
	}

	fd := FormData{Snapshot: snap, Origin: rec.FormData.Origin}
	if _, err := p.store.Update(ctx, id, Patch{FormData: &fd}); err != nil {
		return p.syncFailed("mirror update", err)
	}
	return nil
}

func (p *Protocol) insertLocked(ctx context.Context, rec *Record) (*Record, error) {
	rec.RecordType = RecordType
	if err := p.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if err := p.hold(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("remember record id: %w", err)
	}
	return rec, nil
}

func (p *Protocol) draftName() string {
	return "QuickSOAP draft - " + p.now().Format("2006-01-02 15:04")
}

// SendToDesktop publishes snap as a new hand-off record. Every call inserts
// a fresh record so a later send never overwrites one desktop may already be
// generating from.
func (p *Protocol) SendToDesktop(ctx context.Context, snap dictation.Snapshot) (*Record, error) {
	if err := p.requireUser(); err != nil {
		return nil, err
	}
	if snap.IsEmpty() {
		return nil, ErrNothingToSend
	}

	rec := &Record{
		UserID:     p.cfg.UserID,
		ReportName: "QuickSOAP from mobile - " + p.now().Format("2006-01-02 15:04"),
		RecordType: RecordType,
		FormData:   FormData{Snapshot: snap, Origin: MobileSentOrigin(p.now())},
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return nil, p.syncFailed("send", err)
	}
	if err := p.local.Set(ctx, LastSentKey, rec.ID.String()); err != nil {
		p.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("remember last sent id failed")
	}
	p.handoffs.Flush()
	p.retireMirroredDraft(ctx)

	p.logger.Info().Str("record_id", rec.ID.String()).Int("dictations", len(snap.Dictations)).Msg("draft sent to desktop")
	return rec, nil
}

// retireMirroredDraft removes the mobile draft mirrored for a ledger that has
// just been sent, so the store keeps only the sent copy.
func (p *Protocol) retireMirroredDraft(ctx context.Context) {
	if p.cfg.Role != RoleMobile || !p.cfg.MirrorMobileDrafts {
		return
	}
	id, held, err := p.HeldID(ctx)
	if err != nil || !held {
		return
	}
	switch err := p.DeleteDraft(ctx, id); {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.local.Delete(ctx, CurrentRecordKey); err != nil {
			p.logger.Warn().Err(err).Msg("clear held record id failed")
		}
	default:
		p.logger.Warn().Err(err).Str("record_id", id.String()).Msg("mirrored draft kept after send")
	}
}

// Discover loads the draft this device last held, if it may still be shown
// here. Unsent mobile drafts and vanished records clear the local reference.
func (p *Protocol) Discover(ctx context.Context) (*Record, error) {
	if err := p.requireUser(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id, held, err := p.HeldID(ctx)
	if err != nil || !held {
		return nil, err
	}

	rec, err := p.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, p.local.Delete(ctx, CurrentRecordKey)
	case err != nil:
		return nil, fmt.Errorf("load held record: %w", err)
	}

	if rec.UserID != p.cfg.UserID || rec.FormData.Origin.Kind == MobileDraft {
		p.logger.Info().Str("record_id", id.String()).Str("origin", string(rec.FormData.Origin.Kind)).
			Msg("held record may not be loaded here, clearing reference")
		return nil, p.local.Delete(ctx, CurrentRecordKey)
	}
	return rec, nil
}

// PendingHandoffs lists drafts mobile has sent that are still waiting to be
// generated, newest first. Sends from another device only invalidate that
// device's cache, so refresh skips the cached list. Empty results are never
// cached.
func (p *Protocol) PendingHandoffs(ctx context.Context, refresh bool) ([]*Record, error) {
	if err := p.requireUser(); err != nil {
		return nil, err
	}
	if !refresh {
		if cached, ok := p.handoffs.Get(p.cfg.UserID); ok {
			return cached.([]*Record), nil
		}
	}

	origin := MobileSent
	items, _, err := p.store.Query(ctx, Filter{
		UserID:     p.cfg.UserID,
		RecordType: RecordType,
		DraftsOnly: true,
		Origin:     &origin,
		Limit:      handoffLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("query hand-offs: %w", err)
	}
	if len(items) == 0 {
		p.handoffs.Delete(p.cfg.UserID)
		return []*Record{}, nil
	}
	p.handoffs.Set(p.cfg.UserID, items, cache.DefaultExpiration)
	return items, nil
}

// Adopt makes a sent hand-off the held draft of this device.
func (p *Protocol) Adopt(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := p.requireUser(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != p.cfg.UserID || !rec.IsDraft() || rec.FormData.Origin.Kind != MobileSent {
		return nil, ErrNotAdoptable
	}
	if err := p.hold(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("remember record id: %w", err)
	}
	p.handoffs.Flush()
	return rec, nil
}

// refusal returns why rec may not be deleted by this device, or "".
func (p *Protocol) refusal(rec *Record) string {
	switch {
	case rec.UserID != p.cfg.UserID:
		return "owned by another account"
	case !rec.IsDraft():
		return "record is completed"
	case rec.FormData.Origin.Kind == MobileSent:
		return "draft was sent to desktop"
	case !rec.FormData.Origin.OwnedBy(p.cfg.Role):
		return "draft was created by another device"
	}
	return ""
}

func (p *Protocol) refuse(id uuid.UUID, reason string) error {
	p.metrics.DeleteRefused(reason)
	p.logger.Info().Str("record_id", id.String()).Str("reason", reason).Msg("draft delete refused")
	return fmt.Errorf("%w: %s", ErrDeleteRefused, reason)
}

// DeleteDraft removes an abandoned draft this device owns. The record is
// re-read right before deleting; a young record is read a second time after
// RecheckDelay. The delete only applies to the version seen by the last read,
// so any write landing in between aborts it.
func (p *Protocol) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	if err := p.requireUser(); err != nil {
		return err
	}

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if reason := p.refusal(rec); reason != "" {
		return p.refuse(id, reason)
	}

	if p.now().Sub(rec.CreatedAt) < p.cfg.GraceWindow {
		if err := p.sleep(ctx, p.cfg.RecheckDelay); err != nil {
			return err
		}
		rec, err = p.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if reason := p.refusal(rec); reason != "" {
			return p.refuse(id, reason)
		}
	}

	if err := p.store.Delete(ctx, id, rec.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return p.refuse(id, "draft changed while deleting")
		}
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if held, ok, _ := p.HeldID(ctx); ok && held == id {
		if err := p.local.Delete(ctx, CurrentRecordKey); err != nil {
			p.logger.Warn().Err(err).Msg("clear held record id failed")
		}
	}
	p.logger.Info().Str("record_id", id.String()).Msg("draft deleted")
	return nil
}

// Promote stores a generated report in the held record, keeping its origin.
// Without a held record, or when it has vanished, a new completed record is
// inserted and held instead.
func (p *Protocol) Promote(ctx context.Context, name, reportText string, snap dictation.Snapshot) (*Record, error) {
	if err := p.requireUser(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id, held, err := p.HeldID(ctx)
	if err != nil {
		return nil, err
	}
	if held {
		rec, err := p.store.Get(ctx, id)
		if err == nil {
			fd := FormData{Snapshot: snap, Origin: rec.FormData.Origin}
			updated, err := p.store.Update(ctx, id, Patch{ReportName: &name, ReportText: &reportText, FormData: &fd})
			if err == nil {
				p.handoffs.Flush()
				return updated, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("promote %s: %w", id, err)
			}
		} else if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("read %s: %w", id, err)
		}
		p.logger.Info().Str("record_id", id.String()).Msg("held record vanished, inserting completed record")
	}

	return p.insertCompletedLocked(ctx, name, reportText, snap)
}

// InsertCompleted stores a generated report as a new record and holds it.
func (p *Protocol) InsertCompleted(ctx context.Context, name, reportText string, snap dictation.Snapshot) (*Record, error) {
	if err := p.requireUser(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertCompletedLocked(ctx, name, reportText, snap)
}

func (p *Protocol) insertCompletedLocked(ctx context.Context, name, reportText string, snap dictation.Snapshot) (*Record, error) {
	text := reportText
	rec, err := p.insertLocked(ctx, &Record{
		UserID:     p.cfg.UserID,
		ReportName: name,
		ReportText: &text,
		FormData:   FormData{Snapshot: snap, Origin: p.ownOrigin()},
	})
	if err != nil {
		return nil, fmt.Errorf("insert completed record: %w", err)
	}
	return rec, nil
}

// Records lists this account's records, newest first.
func (p *Protocol) Records(ctx context.Context, draftsOnly bool, limit, offset int) ([]*Record, int, error) {
	if err := p.requireUser(); err != nil {
		return nil, 0, err
	}
	return p.store.Query(ctx, Filter{
		UserID:     p.cfg.UserID,
		RecordType: RecordType,
		DraftsOnly: draftsOnly,
		Limit:      limit,
		Offset:     offset,
	})
}

// Record reads one record of this account.
func (p *Protocol) Record(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := p.requireUser(); err != nil {
		return nil, err
	}
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != p.cfg.UserID {
		return nil, ErrNotFound
	}
	return rec, nil
}
