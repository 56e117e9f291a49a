package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("record: not found")

// ErrVersionConflict is returned when a guarded update observes a version
// other than the one it read. Callers retry with fresh state.
var ErrVersionConflict = errors.New("record: version conflict")

// Repository persists records and their history. Mutating operations run
// inside InTx; GetForUpdate must serialize concurrent writers on the same
// record for the duration of the transaction.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Insert(ctx context.Context, rec *ClinicalRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error)
	// Update writes the record's current field values, guarded by the
	// version the caller read. A stale expectedVersion fails with
	// ErrVersionConflict and writes nothing.
	Update(ctx context.Context, rec *ClinicalRecord, expectedVersion int) error
	InsertHistory(ctx context.Context, h *HistoryEntry) error
	ListHistory(ctx context.Context, recordID uuid.UUID) ([]*HistoryEntry, error)
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*ClinicalRecord, int, error)
}
