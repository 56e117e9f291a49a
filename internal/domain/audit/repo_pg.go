package audit

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

// RepoPG is the PostgreSQL-backed ledger repository. Appends serialize per
// partition by locking the audit_tail row for the duration of the append
// transaction, so the previous-checksum read and the insert are atomic.
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

const entryCols = `id, partition_key, sequence, actor_id, action, entity_type, entity_id,
	resource_path, ip_address, user_agent, severity, category, metadata, checksum, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.Partition, &e.Sequence, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID,
		&e.ResourcePath, &e.IPAddress, &e.UserAgent, &e.Severity, &e.Category, &e.Metadata,
		&e.Checksum, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return &e, err
}

// AppendEntry appends one entry within a transaction. It joins the caller's
// transaction from context when present so record mutations and their audit
// entries commit or roll back together.
func (r *RepoPG) AppendEntry(ctx context.Context, partition string, build buildFunc) (*Entry, error) {
	var appended *Entry
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)

		// Make sure the tail row exists, then lock it. The lock holds until
		// the transaction commits, which serializes appends per partition.
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_tail (partition_key, sequence, checksum) VALUES ($1, 0, '')
			 ON CONFLICT (partition_key) DO NOTHING`, partition); err != nil {
			return fmt.Errorf("ensure audit tail: %w", err)
		}

		var prevChecksum string
		var lastSeq int64
		if err := tx.QueryRow(ctx,
			`SELECT sequence, checksum FROM audit_tail WHERE partition_key = $1 FOR UPDATE`,
			partition).Scan(&lastSeq, &prevChecksum); err != nil {
			return fmt.Errorf("lock audit tail: %w", err)
		}

		entry, err := build(prevChecksum, lastSeq+1)
		if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO audit_entry (
				id, partition_key, sequence, actor_id, action, entity_type, entity_id,
				resource_path, ip_address, user_agent, severity, category, metadata, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			RETURNING created_at`,
			entry.ID, entry.Partition, entry.Sequence, entry.ActorID, entry.Action,
			entry.EntityType, entry.EntityID, entry.ResourcePath, entry.IPAddress,
			entry.UserAgent, entry.Severity, entry.Category, entry.Metadata, entry.Checksum,
		).Scan(&entry.CreatedAt); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE audit_tail SET sequence = $1, checksum = $2
			 WHERE partition_key = $3 AND sequence = $4 AND checksum = $5`,
			entry.Sequence, entry.Checksum, partition, lastSeq, prevChecksum)
		if err != nil {
			return fmt.Errorf("advance audit tail: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// The FOR UPDATE lock should make this unreachable; treat it as a
			// chain fork attempt regardless.
			return ErrConcurrentChainWrite
		}

		appended = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	q := fmt.Sprintf("SELECT %s FROM audit_entry WHERE id = $1", entryCols)
	return scanEntry(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *RepoPG) GetRange(ctx context.Context, partition string, fromSeq, toSeq int64) ([]*Entry, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM audit_entry WHERE partition_key = $1 AND sequence BETWEEN $2 AND $3 ORDER BY sequence",
		entryCols)
	rows, err := r.conn(ctx).Query(ctx, q, partition, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *RepoPG) LatestSequence(ctx context.Context, partition string) (int64, error) {
	var seq int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT sequence FROM audit_tail WHERE partition_key = $1`, partition).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (r *RepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Entry, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	if v, ok := params["partition"]; ok {
		where = append(where, fmt.Sprintf("partition_key = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["action"]; ok {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["category"]; ok {
		where = append(where, fmt.Sprintf("category = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["severity"]; ok {
		where = append(where, fmt.Sprintf("severity = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["actor"]; ok {
		where = append(where, fmt.Sprintf("actor_id = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["entity-type"]; ok {
		where = append(where, fmt.Sprintf("entity_type = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["entity-id"]; ok {
		where = append(where, fmt.Sprintf("entity_id = $%d", idx))
		args = append(args, v)
		idx++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM audit_entry %s", whereClause)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM audit_entry %s ORDER BY partition_key, sequence DESC LIMIT $%d OFFSET $%d",
		entryCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
