package draftsync

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record changed since it was read")
)

// Patch updates selected fields. Nil fields are left unchanged. A non-zero
// IfVersion makes the update conditional on the stored version.
type Patch struct {
	ReportName *string
	ReportText *string
	FormData   *FormData
	IfVersion  int64
}

type Filter struct {
	UserID     string
	RecordType string
	DraftsOnly bool
	Origin     *OriginKind
	Limit      int
	Offset     int
}

// RecordStore is the remote table of records shared by every device of an
// account. There are no transactions; each call is atomic on one record.
type RecordStore interface {
	// Insert assigns ID, Version, CreatedAt and UpdatedAt.
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, id uuid.UUID, p Patch) (*Record, error)
	// Delete removes the record only if its version still equals version.
	Delete(ctx context.Context, id uuid.UUID, version int64) error
	// Query returns matching records newest first, plus the total count.
	Query(ctx context.Context, f Filter) ([]*Record, int, error)
}
