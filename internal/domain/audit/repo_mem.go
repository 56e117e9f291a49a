package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RepoMem is an in-memory ledger repository used by tests and the verify
// command's dry-run mode. Appends use an optimistic compare-and-swap on the
// partition tail, so it exercises the ErrConcurrentChainWrite retry path
// that the row-locking PostgreSQL repository never takes.
type RepoMem struct {
	mu      sync.Mutex
	entries map[string][]*Entry // partition -> ordered entries
	clock   func() time.Time

	// forceConflicts makes the next N appends fail with
	// ErrConcurrentChainWrite before succeeding, for retry tests.
	forceConflicts int
}

func NewRepoMem() *RepoMem {
	return &RepoMem{
		entries: make(map[string][]*Entry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (r *RepoMem) WithClock(clock func() time.Time) *RepoMem {
	r.clock = clock
	return r
}

// FailNextAppends makes the next n AppendEntry calls fail with
// ErrConcurrentChainWrite.
func (r *RepoMem) FailNextAppends(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceConflicts = n
}

func (r *RepoMem) tail(partition string) (string, int64) {
	list := r.entries[partition]
	if len(list) == 0 {
		return "", 0
	}
	last := list[len(list)-1]
	return last.Checksum, last.Sequence
}

func (r *RepoMem) AppendEntry(ctx context.Context, partition string, build buildFunc) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.forceConflicts > 0 {
		r.forceConflicts--
		return nil, ErrConcurrentChainWrite
	}

	prevChecksum, lastSeq := r.tail(partition)
	entry, err := build(prevChecksum, lastSeq+1)
	if err != nil {
		return nil, err
	}

	// CreatedAt must be non-decreasing within the partition.
	now := r.clock().UTC()
	if list := r.entries[partition]; len(list) > 0 && now.Before(list[len(list)-1].CreatedAt) {
		now = list[len(list)-1].CreatedAt
	}
	entry.CreatedAt = now

	r.entries[partition] = append(r.entries[partition], entry)
	return entry, nil
}

func (r *RepoMem) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.entries {
		for _, e := range list {
			if e.ID == id {
				return e, nil
			}
		}
	}
	return nil, ErrEntryNotFound
}

func (r *RepoMem) GetRange(_ context.Context, partition string, fromSeq, toSeq int64) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries[partition] {
		if e.Sequence >= fromSeq && e.Sequence <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *RepoMem) LatestSequence(_ context.Context, partition string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, seq := r.tail(partition)
	return seq, nil
}

func (r *RepoMem) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*Entry
	for partition, list := range r.entries {
		if p, ok := params["partition"]; ok && p != partition {
			continue
		}
		for _, e := range list {
			if v, ok := params["action"]; ok && string(e.Action) != v {
				continue
			}
			if v, ok := params["category"]; ok && string(e.Category) != v {
				continue
			}
			if v, ok := params["severity"]; ok && string(e.Severity) != v {
				continue
			}
			if v, ok := params["actor"]; ok && (e.ActorID == nil || e.ActorID.String() != v) {
				continue
			}
			if v, ok := params["entity-type"]; ok && e.EntityType != v {
				continue
			}
			if v, ok := params["entity-id"]; ok && e.EntityID != v {
				continue
			}
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Partition != all[j].Partition {
			return all[i].Partition < all[j].Partition
		}
		return all[i].Sequence > all[j].Sequence
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// Tamper overwrites a stored entry's field values in place without
// recomputing checksums. Tests use it to simulate out-of-band modification
// of persisted data.
func (r *RepoMem) Tamper(partition string, seq int64, mutate func(e *Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[partition] {
		if e.Sequence == seq {
			mutate(e)
			return true
		}
	}
	return false
}
