package draftsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local RecordStore used when no database is
// configured and in tests. Records are copied on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*Record), now: time.Now}
}

func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Insert(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	r.ID = uuid.New()
	if r.RecordType == "" {
		r.RecordType = RecordType
	}
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, p Patch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.IfVersion != 0 && r.Version != p.IfVersion {
		return nil, ErrVersionConflict
	}
	next := r.Clone()
	if p.ReportName != nil {
		next.ReportName = *p.ReportName
	}
	if p.ReportText != nil {
		text := *p.ReportText
		next.ReportText = &text
	}
	if p.FormData != nil {
		next.FormData = *p.FormData
	}
	next.Version++
	next.UpdatedAt = s.now().UTC()
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Version != version {
		return ErrVersionConflict
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	for _, r := range s.records {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.RecordType != "" && r.RecordType != f.RecordType {
			continue
		}
		if f.DraftsOnly && !r.IsDraft() {
			continue
		}
		if f.Origin != nil && r.FormData.Origin.Kind != *f.Origin {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}

	out := make([]*Record, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, r.Clone())
	}
	return out, total, nil
}
