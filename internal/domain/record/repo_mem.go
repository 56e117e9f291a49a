package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RepoMem is an in-memory record repository used by tests. InTx serializes
// all writers under txMu, standing in for the row lock the PostgreSQL
// repository takes; mu guards map access for readers running outside a
// transaction. Reads hand out copies so callers never alias stored state.
type RepoMem struct {
	txMu    sync.Mutex
	mu      sync.Mutex
	records map[uuid.UUID]*ClinicalRecord
	history map[uuid.UUID][]*HistoryEntry
	clock   func() time.Time

	// forceConflicts makes the next N Update calls fail with
	// ErrVersionConflict, for retry tests.
	forceConflicts int
}

func NewRepoMem() *RepoMem {
	return &RepoMem{
		records: make(map[uuid.UUID]*ClinicalRecord),
		history: make(map[uuid.UUID][]*HistoryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (r *RepoMem) WithClock(clock func() time.Time) *RepoMem {
	r.clock = clock
	return r
}

// FailNextUpdates makes the next n Update calls fail with
// ErrVersionConflict.
func (r *RepoMem) FailNextUpdates(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceConflicts = n
}

func cloneRecord(rec *ClinicalRecord) *ClinicalRecord {
	out := *rec
	if rec.Content != nil {
		c := *rec.Content
		out.Content = &c
	}
	if rec.Signature != nil {
		s := *rec.Signature
		out.Signature = &s
	}
	if rec.TimestampProof != nil {
		p := *rec.TimestampProof
		out.TimestampProof = &p
	}
	return &out
}

func (r *RepoMem) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(ctx)
}

func (r *RepoMem) Insert(_ context.Context, rec *ClinicalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (r *RepoMem) GetByID(_ context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *RepoMem) GetForUpdate(ctx context.Context, id uuid.UUID) (*ClinicalRecord, error) {
	return r.GetByID(ctx, id)
}

func (r *RepoMem) Update(_ context.Context, rec *ClinicalRecord, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forceConflicts > 0 {
		r.forceConflicts--
		return ErrVersionConflict
	}
	stored, ok := r.records[rec.ID]
	if !ok || stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	updated := cloneRecord(rec)
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = r.clock().UTC()
	r.records[rec.ID] = updated
	rec.UpdatedAt = updated.UpdatedAt
	return nil
}

func (r *RepoMem) InsertHistory(_ context.Context, h *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.ChangedAt = r.clock().UTC()
	stored := *h
	r.history[h.RecordID] = append(r.history[h.RecordID], &stored)
	return nil
}

func (r *RepoMem) ListHistory(_ context.Context, recordID uuid.UUID) ([]*HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.history[recordID]
	out := make([]*HistoryEntry, len(list))
	for i, h := range list {
		copied := *h
		out[i] = &copied
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ResultingVersion < out[j].ResultingVersion
	})
	return out, nil
}

func (r *RepoMem) List(_ context.Context, params map[string]string, limit, offset int) ([]*ClinicalRecord, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*ClinicalRecord
	for _, rec := range r.records {
		if v, ok := params["visit-ref"]; ok && rec.VisitRef != v {
			continue
		}
		if v, ok := params["confirmed"]; ok && rec.Confirmed != (v == "true") {
			continue
		}
		if _, ok := params["include-deleted"]; !ok && rec.SoftDeleted {
			continue
		}
		all = append(all, cloneRecord(rec))
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
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
