package record

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medseal/medseal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// RepoPG is the PostgreSQL-backed record repository. Writers serialize per
// record by locking the row with SELECT ... FOR UPDATE inside the mutation
// transaction.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *RepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

const recordCols = `id, visit_ref, content, version, confirmed, confirmed_by, confirmed_at,
	signature, timestamp_proof, soft_deleted, deleted_at, last_modified_by, created_at, updated_at`

func scanRecord(row pgx.Row) (*ClinicalRecord, error) {
	var rec ClinicalRecord
	err := row.Scan(
		&rec.ID, &rec.VisitRef, &rec.Content, &rec.Version, &rec.Confirmed,
		&rec.ConfirmedBy, &rec.ConfirmedAt, &rec.Signature, &rec.TimestampProof,
		&rec.SoftDeleted, &rec.DeletedAt, &rec.LastModifiedBy, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &rec, err
}

func (r *RepoPG) Insert(ctx context.Context, rec *ClinicalRecord) error {
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO clinical_record (id, visit_ref, content, version, last_modified_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		rec.ID, rec.VisitRef, rec.Content, rec.Version, rec.LastModifiedBy,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM clinical_record WHERE id = $1`, id)
	return scanRecord(row)
}

func (r *RepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM clinical_record WHERE id = $1 FOR UPDATE`, id)
	return scanRecord(row)
}

func (r *RepoPG) Update(ctx context.Context, rec *ClinicalRecord, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE clinical_record SET
			content = $1, version = $2, confirmed = $3, confirmed_by = $4, confirmed_at = $5,
			signature = $6, timestamp_proof = $7, soft_deleted = $8, deleted_at = $9,
			last_modified_by = $10, updated_at = now()
		 WHERE id = $11 AND version = $12`,
		rec.Content, rec.Version, rec.Confirmed, rec.ConfirmedBy, rec.ConfirmedAt,
		rec.Signature, rec.TimestampProof, rec.SoftDeleted, rec.DeletedAt,
		rec.LastModifiedBy, rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *RepoPG) InsertHistory(ctx context.Context, h *HistoryEntry) error {
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO record_history (
			id, record_id, change_type, resulting_version, before_content,
			after_content, change_reason, changed_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING changed_at`,
		h.ID, h.RecordID, h.ChangeType, h.ResultingVersion, h.BeforeContent,
		h.AfterContent, h.ChangeReason, h.ChangedBy,
	).Scan(&h.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (r *RepoPG) ListHistory(ctx context.Context, recordID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, record_id, change_type, resulting_version, before_content,
			after_content, change_reason, changed_by, changed_at
		 FROM record_history WHERE record_id = $1 ORDER BY resulting_version`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(
			&h.ID, &h.RecordID, &h.ChangeType, &h.ResultingVersion, &h.BeforeContent,
			&h.AfterContent, &h.ChangeReason, &h.ChangedBy, &h.ChangedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *RepoPG) List(ctx context.Context, params map[string]string, limit, offset int) ([]*ClinicalRecord, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	i := 1

	if v, ok := params["visit-ref"]; ok {
		where = append(where, fmt.Sprintf("visit_ref = $%d", i))
		args = append(args, v)
		i++
	}
	if v, ok := params["confirmed"]; ok {
		where = append(where, fmt.Sprintf("confirmed = $%d", i))
		args = append(args, v == "true")
		i++
	}
	if _, ok := params["include-deleted"]; !ok {
		where = append(where, "soft_deleted = false")
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM clinical_record WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM clinical_record WHERE %s
		ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, recordCols, cond, i, i+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*ClinicalRecord
	for rows.Next() {
		var rec ClinicalRecord
		if err := rows.Scan(
			&rec.ID, &rec.VisitRef, &rec.Content, &rec.Version, &rec.Confirmed,
			&rec.ConfirmedBy, &rec.ConfirmedAt, &rec.Signature, &rec.TimestampProof,
			&rec.SoftDeleted, &rec.DeletedAt, &rec.LastModifiedBy, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, &rec)
	}
	return out, total, rows.Err()
}
