package draftsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quicksoap/quicksoap/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordStorePG struct{ pool *pgxpool.Pool }

func NewRecordStorePG(pool *pgxpool.Pool) RecordStore { return &recordStorePG{pool: pool} }

func (r *recordStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, user_id, report_name, report_text, record_type, form_data, version, created_at, updated_at`

func (r *recordStorePG) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var formData []byte
	err := row.Scan(&rec.ID, &rec.UserID, &rec.ReportName, &rec.ReportText, &rec.RecordType,
		&formData, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(formData, &rec.FormData); err != nil {
		return nil, fmt.Errorf("decode form_data of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (r *recordStorePG) Insert(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	if rec.RecordType == "" {
		rec.RecordType = RecordType
	}
	formData, err := json.Marshal(rec.FormData)
	if err != nil {
		return fmt.Errorf("encode form_data: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO quicksoap_records (id, user_id, report_name, report_text, record_type, form_data, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING version, created_at, updated_at`,
		rec.ID, rec.UserID, rec.ReportName, rec.ReportText, rec.RecordType, formData,
	).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
}

func (r *recordStorePG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM quicksoap_records WHERE id = $1`, id))
}

func (r *recordStorePG) Update(ctx context.Context, id uuid.UUID, p Patch) (*Record, error) {
	var formData []byte
	if p.FormData != nil {
		data, err := json.Marshal(p.FormData)
		if err != nil {
			return nil, fmt.Errorf("encode form_data: %w", err)
		}
		formData = data
	}
	rec, err := r.scanRecord(r.conn(ctx).QueryRow(ctx, `
		UPDATE quicksoap_records SET
			report_name = COALESCE($2, report_name),
			report_text = COALESCE($3, report_text),
			form_data = COALESCE($4::jsonb, form_data),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND ($5::bigint = 0 OR version = $5)
		RETURNING `+recordCols,
		id, p.ReportName, p.ReportText, formData, p.IfVersion))
	if errors.Is(err, ErrNotFound) && p.IfVersion != 0 {
		return nil, r.missOrConflict(ctx, id)
	}
	return rec, err
}

func (r *recordStorePG) Delete(ctx context.Context, id uuid.UUID, version int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM quicksoap_records WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict explains why a conditional write matched no row.
func (r *recordStorePG) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quicksoap_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrVersionConflict
	}
	return ErrNotFound
}

func (r *recordStorePG) Query(ctx context.Context, f Filter) ([]*Record, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.RecordType != "" {
		add("record_type = $%d", f.RecordType)
	}
	if f.DraftsOnly {
		where = append(where, "report_text IS NULL")
	}
	if f.Origin != nil {
		switch *f.Origin {
		case DesktopOriginated:
			where = append(where, "form_data->'sent_to_desktop' IS NULL")
		case MobileDraft:
			where = append(where, "form_data->>'sent_to_desktop' = 'false'")
		case MobileSent:
			where = append(where, "form_data->>'sent_to_desktop' = 'true'")
		}
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM quicksoap_records WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	dataArgs := append(append([]interface{}(nil), args...), limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM quicksoap_records WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, recordCols, cond, len(args)+1, len(args)+2), dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
