package draftsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

// -- Fakes --

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

// interceptStore lets tests run code between the protocol's calls.
type interceptStore struct {
	RecordStore
	beforeDelete func()
	insertErr    error
	updateErr    error
	queries      int
}

func (s *interceptStore) Insert(ctx context.Context, r *Record) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.RecordStore.Insert(ctx, r)
}

func (s *interceptStore) Update(ctx context.Context, id uuid.UUID, p Patch) (*Record, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.RecordStore.Update(ctx, id, p)
}

func (s *interceptStore) Delete(ctx context.Context, id uuid.UUID, version int64) error {
	if s.beforeDelete != nil {
		s.beforeDelete()
	}
	return s.RecordStore.Delete(ctx, id, version)
}

func (s *interceptStore) Query(ctx context.Context, f Filter) ([]*Record, int, error) {
	s.queries++
	return s.RecordStore.Query(ctx, f)
}

type countingMetrics struct {
	mu       sync.Mutex
	failures map[string]int
	refusals map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{failures: map[string]int{}, refusals: map[string]int{}}
}

func (c *countingMetrics) SyncWriteFailed(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op]++
}

func (c *countingMetrics) DeleteRefused(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refusals[reason]++
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store  *interceptStore
	mem    *MemoryStore
	clock  *testClock
	sleeps []time.Duration
	onWait func()
}

func newHarness() *harness {
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := NewMemoryStore()
	mem.SetClock(clock.Now)
	return &harness{store: &interceptStore{RecordStore: mem}, mem: mem, clock: clock}
}

func (h *harness) protocol(role Role, mods ...func(*Config)) (*Protocol, *memLocal) {
	cfg := Config{Role: role, UserID: "user-1", RecheckDelay: time.Second}
	for _, mod := range mods {
		mod(&cfg)
	}
	local := newMemLocal()
	p := NewProtocol(cfg, h.store, local,
		WithClock(h.clock.Now),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			if h.onWait != nil {
				h.onWait()
			}
			return nil
		}),
	)
	return p, local
}

func snapshotOf(texts ...string) dictation.Snapshot {
	var ds []dictation.Dictation
	for i, text := range texts {
		ds = append(ds, dictation.Dictation{ID: int64(i + 1), FullText: text, Summary: text})
	}
	return dictation.Snapshot{Dictations: ds, LastMergedNarrative: dictation.Merge(ds, "")}
}

// -- Mirroring --

func TestMirrorLedger_DesktopInsertsOnceThenUpdates(t *testing.T) {
	h := newHarness()
	p, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	if err := p.MirrorLedger(ctx, dictation.Snapshot{}); err != nil {
		t.Fatalf("MirrorLedger(empty): %v", err)
	}
	if _, held, _ := p.HeldID(ctx); held {
		t.Fatal("empty snapshot must not create a draft")
	}

	if err := p.MirrorLedger(ctx, snapshotOf("Patient limping")); err != nil {
		t.Fatalf("MirrorLedger: %v", err)
	}
	id, held, _ := p.HeldID(ctx)
	if !held {
		t.Fatal("expected held id after first mirror")
	}

	if err := p.MirrorLedger(ctx, snapshotOf("Patient limping", "No fever noted")); err != nil {
		t.Fatalf("MirrorLedger: %v", err)
	}
	rec, err := h.mem.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.IsDraft() || rec.FormData.Origin.Kind != DesktopOriginated {
		t.Errorf("unexpected record state: draft=%v origin=%s", rec.IsDraft(), rec.FormData.Origin.Kind)
	}
	if rec.Version != 2 || len(rec.FormData.Dictations) != 2 {
		t.Errorf("expected in-place update, got version %d with %d dictations", rec.Version, len(rec.FormData.Dictations))
	}
	if _, total, _ := h.mem.Query(ctx, Filter{}); total != 1 {
		t.Errorf("expected exactly 1 record, got %d", total)
	}
}

func TestMirrorLedger_MobileIsLocalOnlyByDefault(t *testing.T) {
	h := newHarness()
	p, _ := h.protocol(RoleMobile)
	ctx := context.Background()

	if err := p.MirrorLedger(ctx, snapshotOf("Vomiting")); err != nil {
		t.Fatalf("MirrorLedger: %v", err)
	}
	if _, total, _ := h.mem.Query(ctx, Filter{}); total != 0 {
		t.Errorf("mobile must not write drafts, got %d records", total)
	}
}

func TestMirrorLedger_MobileDraftsWhenEnabled(t *testing.T) {
	h := newHarness()
	p, _ := h.protocol(RoleMobile, func(c *Config) { c.MirrorMobileDrafts = true })
	ctx := context.Background()

	p.MirrorLedger(ctx, snapshotOf("Vomiting"))
	id, held, _ := p.HeldID(ctx)
	if !held {
		t.Fatal("expected held id")
	}
	rec, _ := h.mem.Get(ctx, id)
	if rec.FormData.Origin.Kind != MobileDraft {
		t.Errorf("origin = %s, want mobile_draft", rec.FormData.Origin.Kind)
	}
}

func TestMirrorLedger_ReinsertsWhenHeldRecordVanished(t *testing.T) {
	h := newHarness()
	p, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	p.MirrorLedger(ctx, snapshotOf("one"))
	first, _, _ := p.HeldID(ctx)
	rec, _ := h.mem.Get(ctx, first)
	h.mem.Delete(ctx, first, rec.Version)

	if err := p.MirrorLedger(ctx, snapshotOf("one", "two")); err != nil {
		t.Fatalf("MirrorLedger: %v", err)
	}
	second, held, _ := p.HeldID(ctx)
	if !held || second == first {
		t.Errorf("expected a new held record, got %s (held=%v)", second, held)
	}
}

func TestMirrorLedger_FailureIsSyncWriteFailed(t *testing.T) {
	h := newHarness()
	metrics := newCountingMetrics()
	p := NewProtocol(Config{Role: RoleDesktop, UserID: "user-1"}, h.store, newMemLocal(), WithMetrics(metrics))
	h.store.insertErr = errors.New("connection refused")

	err := p.MirrorLedger(context.Background(), snapshotOf("one"))
	if !errors.Is(err, ErrSyncWriteFailed) {
		t.Fatalf("expected ErrSyncWriteFailed, got %v", err)
	}
	if metrics.failures["mirror insert"] != 1 {
		t.Errorf("expected failure counted, got %v", metrics.failures)
	}
}

func TestProtocol_RequiresUser(t *testing.T) {
	h := newHarness()
	p, _ := h.protocol(RoleDesktop, func(c *Config) { c.UserID = "" })
	ctx := context.Background()

	if err := p.MirrorLedger(ctx, snapshotOf("x")); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("MirrorLedger: expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := p.SendToDesktop(ctx, snapshotOf("x")); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("SendToDesktop: expected ErrNotAuthenticated, got %v", err)
	}
	if err := p.DeleteDraft(ctx, uuid.New()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("DeleteDraft: expected ErrNotAuthenticated, got %v", err)
	}
}

// -- Hand-off --

func TestHandoff_Scenario(t *testing.T) {
	h := newHarness()
	mobile, mobileLocal := h.protocol(RoleMobile)
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	first, err := mobile.SendToDesktop(ctx, snapshotOf("Patient limping"))
	if err != nil {
		t.Fatalf("SendToDesktop: %v", err)
	}
	if first.FormData.Origin.Kind != MobileSent || first.FormData.Origin.SentAt.IsZero() {
		t.Errorf("unexpected origin: %+v", first.FormData.Origin)
	}

	pending, err := desktop.PendingHandoffs(ctx, false)
	if err != nil {
		t.Fatalf("PendingHandoffs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Fatalf("expected first send to be discoverable, got %+v", pending)
	}

	h.clock.Advance(time.Minute)
	second, err := mobile.SendToDesktop(ctx, snapshotOf("Patient limping", "Re-recorded"))
	if err != nil {
		t.Fatalf("SendToDesktop: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("second send must insert a new record")
	}

	stored, err := h.mem.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get first: %v", err)
	}
	if stored.Version != 1 || len(stored.FormData.Dictations) != 1 {
		t.Errorf("first send was modified: version %d, %d dictations", stored.Version, len(stored.FormData.Dictations))
	}

	if mobileLocal.items[LastSentKey] != second.ID.String() {
		t.Errorf("last sent id = %q, want %s", mobileLocal.items[LastSentKey], second.ID)
	}

	fresh, _ := h.protocol(RoleDesktop)
	pending, _ = fresh.PendingHandoffs(ctx, false)
	if len(pending) != 2 || pending[0].ID != second.ID {
		t.Errorf("expected both sends newest first, got %d", len(pending))
	}
}

func TestSendToDesktop_RetiresMirroredMobileDraft(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile, func(c *Config) { c.MirrorMobileDrafts = true })
	ctx := context.Background()

	if err := mobile.MirrorLedger(ctx, snapshotOf("Vomiting")); err != nil {
		t.Fatalf("MirrorLedger: %v", err)
	}
	draftID, held, _ := mobile.HeldID(ctx)
	if !held {
		t.Fatal("expected a mirrored mobile draft")
	}

	sent, err := mobile.SendToDesktop(ctx, snapshotOf("Vomiting"))
	if err != nil {
		t.Fatalf("SendToDesktop: %v", err)
	}
	if _, err := h.mem.Get(ctx, draftID); !errors.Is(err, ErrNotFound) {
		t.Errorf("mirrored draft still stored: %v", err)
	}
	if _, held, _ := mobile.HeldID(ctx); held {
		t.Error("mobile must not hold the retired draft")
	}
	items, total, _ := h.mem.Query(ctx, Filter{UserID: "user-1"})
	if total != 1 || items[0].ID != sent.ID {
		t.Errorf("expected only the sent record, got %d", total)
	}
}

func TestSendToDesktop_MirroredDraftAlreadyGone(t *testing.T) {
	h := newHarness()
	mobile, local := h.protocol(RoleMobile, func(c *Config) { c.MirrorMobileDrafts = true })
	ctx := context.Background()

	mobile.MirrorLedger(ctx, snapshotOf("Vomiting"))
	draftID, _, _ := mobile.HeldID(ctx)
	rec, _ := h.mem.Get(ctx, draftID)
	h.mem.Delete(ctx, draftID, rec.Version)

	if _, err := mobile.SendToDesktop(ctx, snapshotOf("Vomiting")); err != nil {
		t.Fatalf("SendToDesktop: %v", err)
	}
	if _, ok := local.items[CurrentRecordKey]; ok {
		t.Error("vanished draft must be forgotten")
	}
}

func TestSendToDesktop_RejectsEmptyLedger(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile)
	if _, err := mobile.SendToDesktop(context.Background(), dictation.Snapshot{}); !errors.Is(err, ErrNothingToSend) {
		t.Errorf("expected ErrNothingToSend, got %v", err)
	}
}

func TestPendingHandoffs_Cached(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile)
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	mobile.SendToDesktop(ctx, snapshotOf("one"))
	desktop.PendingHandoffs(ctx, false)
	desktop.PendingHandoffs(ctx, false)
	if h.store.queries != 1 {
		t.Errorf("expected 1 store query, got %d", h.store.queries)
	}
}

func TestPendingHandoffs_EmptyResultNotCached(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile)
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	pending, err := desktop.PendingHandoffs(ctx, false)
	if err != nil || len(pending) != 0 {
		t.Fatalf("PendingHandoffs = %v, %v", pending, err)
	}

	sent, err := mobile.SendToDesktop(ctx, snapshotOf("Patient limping"))
	if err != nil {
		t.Fatalf("SendToDesktop: %v", err)
	}
	pending, err = desktop.PendingHandoffs(ctx, false)
	if err != nil {
		t.Fatalf("PendingHandoffs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != sent.ID {
		t.Errorf("expected the new send to be visible, got %d", len(pending))
	}
}

func TestPendingHandoffs_RefreshSkipsCache(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile)
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	mobile.SendToDesktop(ctx, snapshotOf("one"))
	if pending, _ := desktop.PendingHandoffs(ctx, false); len(pending) != 1 {
		t.Fatalf("expected 1 hand-off, got %d", len(pending))
	}

	h.clock.Advance(time.Minute)
	mobile.SendToDesktop(ctx, snapshotOf("two"))
	if pending, _ := desktop.PendingHandoffs(ctx, false); len(pending) != 1 {
		t.Errorf("expected cached list of 1, got %d", len(pending))
	}
	pending, err := desktop.PendingHandoffs(ctx, true)
	if err != nil {
		t.Fatalf("PendingHandoffs(refresh): %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected refresh to see both sends, got %d", len(pending))
	}
	if again, _ := desktop.PendingHandoffs(ctx, false); len(again) != 2 {
		t.Errorf("expected refreshed list to be cached, got %d", len(again))
	}
}

func TestPendingHandoffs_ExcludesUnsentAndCompleted(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	text := "done"
	h.mem.Insert(ctx, &Record{UserID: "user-1", FormData: FormData{Origin: MobileDraftOrigin()}})
	h.mem.Insert(ctx, &Record{UserID: "user-1", ReportText: &text, FormData: FormData{Origin: MobileSentOrigin(h.clock.Now())}})
	h.mem.Insert(ctx, &Record{UserID: "user-2", FormData: FormData{Origin: MobileSentOrigin(h.clock.Now())}})

	desktop, _ := h.protocol(RoleDesktop)
	pending, err := desktop.PendingHandoffs(ctx, false)
	if err != nil {
		t.Fatalf("PendingHandoffs: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no open hand-offs, got %d", len(pending))
	}
}

func TestAdopt(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile)
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	sent, _ := mobile.SendToDesktop(ctx, snapshotOf("one"))
	if _, err := desktop.Adopt(ctx, sent.ID); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if id, held, _ := desktop.HeldID(ctx); !held || id != sent.ID {
		t.Errorf("held = %s (%v), want %s", id, held, sent.ID)
	}

	draft := &Record{UserID: "user-1", FormData: FormData{Origin: MobileDraftOrigin()}}
	h.mem.Insert(ctx, draft)
	if _, err := desktop.Adopt(ctx, draft.ID); !errors.Is(err, ErrNotAdoptable) {
		t.Errorf("expected ErrNotAdoptable for unsent draft, got %v", err)
	}
}

// -- Discovery --

func TestDiscover(t *testing.T) {
	tests := []struct {
		name    string
		origin  Origin
		missing bool
		loaded  bool
	}{
		{"desktop draft loads", DesktopOrigin(), false, true},
		{"sent draft loads", MobileSentOrigin(time.Now()), false, true},
		{"unsent mobile draft is cleared", MobileDraftOrigin(), false, false},
		{"missing record is cleared", DesktopOrigin(), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			desktop, local := h.protocol(RoleDesktop)
			ctx := context.Background()

			rec := &Record{UserID: "user-1", FormData: FormData{Snapshot: snapshotOf("x"), Origin: tt.origin}}
			h.mem.Insert(ctx, rec)
			if tt.missing {
				h.mem.Delete(ctx, rec.ID, rec.Version)
			}
			local.Set(ctx, CurrentRecordKey, rec.ID.String())

			got, err := desktop.Discover(ctx)
			if err != nil {
				t.Fatalf("Discover: %v", err)
			}
			if (got != nil) != tt.loaded {
				t.Fatalf("loaded = %v, want %v", got != nil, tt.loaded)
			}
			_, held, _ := desktop.HeldID(ctx)
			if held != tt.loaded {
				t.Errorf("held reference = %v, want %v", held, tt.loaded)
			}
		})
	}
}

func TestDiscover_NothingHeld(t *testing.T) {
	h := newHarness()
	desktop, _ := h.protocol(RoleDesktop)
	got, err := desktop.Discover(context.Background())
	if err != nil || got != nil {
		t.Errorf("Discover = %v, %v; want nil, nil", got, err)
	}
}

// -- Guarded deletion --

func insertOwnDraft(t *testing.T, h *harness, origin Origin) *Record {
	t.Helper()
	rec := &Record{UserID: "user-1", FormData: FormData{Snapshot: snapshotOf("abandoned"), Origin: origin}}
	if err := h.mem.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return rec
}

func TestDeleteDraft_OldDraftDeletedWithoutRecheck(t *testing.T) {
	h := newHarness()
	desktop, local := h.protocol(RoleDesktop)
	ctx := context.Background()
	rec := insertOwnDraft(t, h, DesktopOrigin())
	local.Set(ctx, CurrentRecordKey, rec.ID.String())
	h.clock.Advance(10 * time.Minute)

	if err := desktop.DeleteDraft(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	if len(h.sleeps) != 0 {
		t.Errorf("old draft must not wait, slept %v", h.sleeps)
	}
	if _, err := h.mem.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected record deleted, got %v", err)
	}
	if _, held, _ := desktop.HeldID(ctx); held {
		t.Error("expected held reference cleared")
	}
}

func TestDeleteDraft_YoungDraftRechecked(t *testing.T) {
	h := newHarness()
	desktop, _ := h.protocol(RoleDesktop)
	rec := insertOwnDraft(t, h, DesktopOrigin())
	h.clock.Advance(time.Minute)

	if err := desktop.DeleteDraft(context.Background(), rec.ID); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != time.Second {
		t.Errorf("expected one recheck wait of 1s, got %v", h.sleeps)
	}
}

func TestDeleteDraft_Refusals(t *testing.T) {
	text := "final report"
	tests := []struct {
		name   string
		role   Role
		record Record
	}{
		{"completed record", RoleDesktop, Record{UserID: "user-1", ReportText: &text, FormData: FormData{Origin: DesktopOrigin()}}},
		{"sent to desktop", RoleMobile, Record{UserID: "user-1", FormData: FormData{Origin: MobileSentOrigin(time.Now())}}},
		{"desktop deleting mobile draft", RoleDesktop, Record{UserID: "user-1", FormData: FormData{Origin: MobileDraftOrigin()}}},
		{"mobile deleting desktop draft", RoleMobile, Record{UserID: "user-1", FormData: FormData{Origin: DesktopOrigin()}}},
		{"other account", RoleDesktop, Record{UserID: "user-2", FormData: FormData{Origin: DesktopOrigin()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			p, _ := h.protocol(tt.role)
			ctx := context.Background()
			rec := tt.record
			h.mem.Insert(ctx, &rec)
			h.clock.Advance(time.Hour)

			if err := p.DeleteDraft(ctx, rec.ID); !errors.Is(err, ErrDeleteRefused) {
				t.Fatalf("expected ErrDeleteRefused, got %v", err)
			}
			if _, err := h.mem.Get(ctx, rec.ID); err != nil {
				t.Errorf("record must survive: %v", err)
			}
		})
	}
}

func TestDeleteDraft_SentDuringGraceWindowIsKept(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile)
	ctx := context.Background()
	rec := insertOwnDraft(t, h, MobileDraftOrigin())

	h.onWait = func() {
		fd := FormData{Snapshot: rec.FormData.Snapshot, Origin: MobileSentOrigin(h.clock.Now())}
		h.mem.Update(ctx, rec.ID, Patch{FormData: &fd})
	}

	if err := mobile.DeleteDraft(ctx, rec.ID); !errors.Is(err, ErrDeleteRefused) {
		t.Fatalf("expected ErrDeleteRefused, got %v", err)
	}
	if _, err := h.mem.Get(ctx, rec.ID); err != nil {
		t.Errorf("sent draft was deleted: %v", err)
	}
}

// A write that lands between the last pre-delete read and the delete call
// must always prevent the delete.
func TestDeleteDraft_ConcurrentWriteAlwaysWins(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()
	text := "generated"

	writes := []struct {
		name  string
		apply func(h *harness, rec *Record)
	}{
		{"hand-off", func(h *harness, rec *Record) {
			fd := FormData{Snapshot: rec.FormData.Snapshot, Origin: MobileSentOrigin(h.clock.Now())}
			h.mem.Update(ctx, rec.ID, Patch{FormData: &fd})
		}},
		{"promotion", func(h *harness, rec *Record) {
			h.mem.Update(ctx, rec.ID, Patch{ReportText: &text})
		}},
		{"ledger edit", func(h *harness, rec *Record) {
			fd := FormData{Snapshot: snapshotOf("abandoned", "still talking"), Origin: rec.FormData.Origin}
			h.mem.Update(ctx, rec.ID, Patch{FormData: &fd})
		}},
	}

	for i := 0; i < 200; i++ {
		h := newHarness()
		mobile, _ := h.protocol(RoleMobile)
		rec := insertOwnDraft(t, h, MobileDraftOrigin())
		if rng.Intn(2) == 0 {
			h.clock.Advance(time.Duration(6+rng.Intn(60)) * time.Minute)
		}
		w := writes[rng.Intn(len(writes))]
		h.store.beforeDelete = func() { w.apply(h, rec) }

		err := mobile.DeleteDraft(ctx, rec.ID)
		if !errors.Is(err, ErrDeleteRefused) {
			t.Fatalf("iteration %d (%s): expected ErrDeleteRefused, got %v", i, w.name, err)
		}
		if _, err := h.mem.Get(ctx, rec.ID); err != nil {
			t.Fatalf("iteration %d (%s): record lost: %v", i, w.name, err)
		}
	}
}

func TestDeleteDraft_NotFound(t *testing.T) {
	h := newHarness()
	desktop, _ := h.protocol(RoleDesktop)
	if err := desktop.DeleteDraft(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Promotion --

func TestPromote_InsertsWhenNothingHeld(t *testing.T) {
	h := newHarness()
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	rec, err := desktop.Promote(ctx, "Rex - QuickSOAP", "Subjective:\nLimping\n\n", snapshotOf("Limping"))
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if rec.IsDraft() || rec.ReportName != "Rex - QuickSOAP" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if id, held, _ := desktop.HeldID(ctx); !held || id != rec.ID {
		t.Error("expected promoted record held")
	}
}

func TestPromote_UpdatesHeldDraftInPlace(t *testing.T) {
	h := newHarness()
	mobile, _ := h.protocol(RoleMobile)
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()

	sent, _ := mobile.SendToDesktop(ctx, snapshotOf("Limping"))
	desktop.Adopt(ctx, sent.ID)

	for i := 0; i < 3; i++ {
		rec, err := desktop.Promote(ctx, "Rex - QuickSOAP", fmt.Sprintf("Plan:\nRest %d\n\n", i), snapshotOf("Limping"))
		if err != nil {
			t.Fatalf("Promote #%d: %v", i, err)
		}
		if rec.ID != sent.ID {
			t.Fatalf("regenerate #%d created a new record", i)
		}
		if rec.FormData.Origin.Kind != MobileSent {
			t.Errorf("origin not preserved: %s", rec.FormData.Origin.Kind)
		}
	}
	if _, total, _ := h.mem.Query(ctx, Filter{}); total != 1 {
		t.Errorf("expected 1 record, got %d", total)
	}
}

func TestPromote_HeldRecordVanished(t *testing.T) {
	h := newHarness()
	desktop, local := h.protocol(RoleDesktop)
	ctx := context.Background()
	gone := uuid.New()
	local.Set(ctx, CurrentRecordKey, gone.String())

	rec, err := desktop.Promote(ctx, "QuickSOAP", "Plan:\nRest\n\n", snapshotOf("x"))
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if rec.ID == gone {
		t.Fatal("expected a new id")
	}
	if id, _, _ := desktop.HeldID(ctx); id != rec.ID {
		t.Errorf("held = %s, want %s", id, rec.ID)
	}
}

func TestHeldID_DiscardsGarbage(t *testing.T) {
	h := newHarness()
	desktop, local := h.protocol(RoleDesktop)
	ctx := context.Background()
	local.Set(ctx, CurrentRecordKey, "not-a-uuid")

	if _, held, err := desktop.HeldID(ctx); held || err != nil {
		t.Errorf("HeldID = held %v, err %v", held, err)
	}
	if _, ok := local.items[CurrentRecordKey]; ok {
		t.Error("expected garbage id removed")
	}
}

func TestRecord_ScopedToAccount(t *testing.T) {
	h := newHarness()
	desktop, _ := h.protocol(RoleDesktop)
	ctx := context.Background()
	foreign := &Record{UserID: "user-2"}
	h.mem.Insert(ctx, foreign)

	if _, err := desktop.Record(ctx, foreign.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another account's record, got %v", err)
	}
}
