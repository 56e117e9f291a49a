package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrConcurrentChainWrite is returned when the previous-checksum precondition
// no longer holds at commit time: another writer appended to the same
// partition first. Callers retry with fresh tail state.
var ErrConcurrentChainWrite = errors.New("audit: concurrent chain write")

// ErrEntryNotFound is returned when an entry lookup matches nothing.
var ErrEntryNotFound = errors.New("audit: entry not found")

// buildFunc produces a fully-checksummed entry given the partition tail state
// observed under the repository's append discipline. It must be free of side
// effects; the repository may discard its result and retry.
type buildFunc func(prevChecksum string, nextSeq int64) (*Entry, error)

// Repository persists ledger entries. AppendEntry must guarantee that no two
// entries are ever committed against the same previous checksum within a
// partition -- either by locking the partition tail for the duration of the
// append or by failing with ErrConcurrentChainWrite on a compare-and-swap
// conflict.
type Repository interface {
	AppendEntry(ctx context.Context, partition string, build buildFunc) (*Entry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetRange(ctx context.Context, partition string, fromSeq, toSeq int64) ([]*Entry, error)
	LatestSequence(ctx context.Context, partition string) (int64, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Entry, int, error)
}
