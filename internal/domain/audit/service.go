package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medseal/medseal/internal/platform/canonical"
)

// ErrValidation wraps malformed-input failures so callers can distinguish
// them from transient conflicts.
var ErrValidation = errors.New("audit: validation")

// appendRetries bounds internal retries on concurrent chain writes before
// the conflict is surfaced to the caller.
const appendRetries = 3

// Service provides the ledger's append and verification operations.
type Service struct {
	repo      Repository
	partition string
	logger    zerolog.Logger
}

// NewService creates a ledger service writing to the given partition.
func NewService(repo Repository, partition string, logger zerolog.Logger) *Service {
	return &Service{repo: repo, partition: partition, logger: logger}
}

// Partition returns the partition this service appends to.
func (s *Service) Partition() string {
	return s.partition
}

func validate(in NewEntry) error {
	if !validActions[in.Action] {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, in.Action)
	}
	if !validSeverities[in.Severity] {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, in.Severity)
	}
	if !validCategories[in.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, in.Category)
	}
	if in.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrValidation)
	}
	return nil
}

// checksum computes Hash(previousChecksum || CanonicalEncode(payload)).
// The first entry in a partition chains from the empty checksum.
func checksum(prevChecksum string, e *Entry) (string, error) {
	payload, err := canonical.Encode(chainPayload(e))
	if err != nil {
		return "", fmt.Errorf("audit: encode chain payload: %w", err)
	}
	return canonical.HashBytes(append([]byte(prevChecksum), payload...)), nil
}

// Append appends a new entry to the ledger. The previous checksum is read
// under the repository's per-partition serialization discipline; a
// concurrent-write conflict is retried a bounded number of times before
// being surfaced.
func (s *Service) Append(ctx context.Context, in NewEntry) (*Entry, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= appendRetries; attempt++ {
		entry, err := s.repo.AppendEntry(ctx, s.partition, func(prevChecksum string, nextSeq int64) (*Entry, error) {
			e := &Entry{
				ID:           uuid.New(),
				Partition:    s.partition,
				Sequence:     nextSeq,
				ActorID:      in.ActorID,
				Action:       in.Action,
				EntityType:   in.EntityType,
				EntityID:     in.EntityID,
				ResourcePath: in.ResourcePath,
				IPAddress:    in.IPAddress,
				UserAgent:    in.UserAgent,
				Severity:     in.Severity,
				Category:     in.Category,
				Metadata:     in.Metadata,
			}
			sum, err := checksum(prevChecksum, e)
			if err != nil {
				return nil, err
			}
			e.Checksum = sum
			return e, nil
		})
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrConcurrentChainWrite) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug().
			Int("attempt", attempt+1).
			Str("partition", s.partition).
			Msg("audit append conflict, retrying")
	}
	return nil, lastErr
}

// VerifyChain walks entries of the service's partition from fromSeq to toSeq
// inclusive, recomputing each checksum from its predecessor and the stored
// payload. A mismatch is reported, never returned as an error. If toSeq is 0
// the walk runs to the current tail. A cancelled context stops the walk
// early and marks the report partial.
func (s *Service) VerifyChain(ctx context.Context, fromSeq, toSeq int64) (*ChainReport, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq == 0 {
		latest, err := s.repo.LatestSequence(ctx, s.partition)
		if err != nil {
			return nil, fmt.Errorf("audit: latest sequence: %w", err)
		}
		toSeq = latest
	}

	report := &ChainReport{
		Partition:   s.partition,
		Valid:       true,
		CheckedFrom: fromSeq,
		CheckedTo:   0,
	}
	if toSeq < fromSeq {
		report.CheckedTo = toSeq
		return report, nil
	}

	// A walk starting mid-chain needs the predecessor's stored checksum as
	// its trust anchor.
	prevChecksum := ""
	fetchFrom := fromSeq
	if fromSeq > 1 {
		fetchFrom = fromSeq - 1
	}

	entries, err := s.repo.GetRange(ctx, s.partition, fetchFrom, toSeq)
	if err != nil {
		return nil, fmt.Errorf("audit: read range: %w", err)
	}

	expectSeq := fetchFrom
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			report.Partial = true
			return report, nil
		}

		if e.Sequence != expectSeq {
			// A missing sequence number means an entry was deleted.
			report.Valid = false
			seq := expectSeq
			report.FirstDivergingSeq = &seq
			return report, nil
		}

		if e.Sequence == fromSeq-1 {
			prevChecksum = e.Checksum
			expectSeq++
			continue
		}

		want, err := checksum(prevChecksum, e)
		if err != nil {
			return nil, err
		}
		if want != e.Checksum {
			report.Valid = false
			seq := e.Sequence
			id := e.ID
			report.FirstDivergingSeq = &seq
			report.FirstDivergingID = &id
			return report, nil
		}

		prevChecksum = e.Checksum
		report.CheckedTo = e.Sequence
		expectSeq++
	}

	if report.CheckedTo < toSeq {
		// Fewer entries than requested: the tail of the range is missing.
		report.Valid = false
		seq := expectSeq
		report.FirstDivergingSeq = &seq
	}
	return report, nil
}

// GetEntry returns a single ledger entry by id.
func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

// SearchEntries lists ledger entries matching the given filters.
func (s *Service) SearchEntries(ctx context.Context, params map[string]string, limit, offset int) ([]*Entry, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}
