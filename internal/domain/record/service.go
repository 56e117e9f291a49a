package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medseal/medseal/internal/domain/audit"
	"github.com/medseal/medseal/internal/platform/signing"
)

var (
	// ErrValidation wraps malformed-input failures.
	ErrValidation = errors.New("record: validation")

	// ErrAlreadyConfirmed is returned when confirming a record that is
	// already confirmed.
	ErrAlreadyConfirmed = errors.New("record: already confirmed")

	// ErrRecordLocked is returned when the amendment policy forbids
	// mutating a confirmed record.
	ErrRecordLocked = errors.New("record: confirmed record is locked")

	// ErrRecordDeleted is returned when mutating or confirming a
	// soft-deleted record.
	ErrRecordDeleted = errors.New("record: soft-deleted")
)

// AmendmentPolicy decides what happens when a confirmed record is mutated.
type AmendmentPolicy string

const (
	// PolicyAmend reopens a confirmed record as a draft at the next
	// version. The stored signature keeps attesting to the confirmed
	// snapshot; the amendment is audited at WARNING severity.
	PolicyAmend AmendmentPolicy = "amend"

	// PolicyLocked rejects mutation of confirmed records outright.
	PolicyLocked AmendmentPolicy = "locked"
)

// mutateRetries bounds internal retries on version conflicts before the
// conflict is surfaced to the caller.
const mutateRetries = 3

// Service implements the versioning and confirm-lock state machine. Every
// mutating operation runs as one transaction covering the record update, its
// history entry and its audit entry, so an abort leaves no partial state.
type Service struct {
	repo   Repository
	audit  *audit.Service
	signer *signing.Signer
	tsvc   *signing.TimestampService
	policy AmendmentPolicy
	logger zerolog.Logger
	clock  func() time.Time
}

func NewService(repo Repository, auditSvc *audit.Service, signer *signing.Signer,
	tsvc *signing.TimestampService, policy AmendmentPolicy, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		audit:  auditSvc,
		signer: signer,
		tsvc:   tsvc,
		policy: policy,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.clock = now
	return s
}

// CreateInput carries the caller-supplied fields of a new record.
type CreateInput struct {
	VisitRef string  `json:"visit_ref"`
	Content  *string `json:"content"`
	Reason   string  `json:"reason"`
}

// Create inserts a new record at version 1 with its CREATE history entry and
// audit entry.
func (s *Service) Create(ctx context.Context, in CreateInput, actor Actor) (*ClinicalRecord, error) {
	if strings.TrimSpace(in.VisitRef) == "" {
		return nil, fmt.Errorf("%w: visit_ref is required", ErrValidation)
	}

	rec := &ClinicalRecord{
		ID:             uuid.New(),
		VisitRef:       in.VisitRef,
		Content:        in.Content,
		Version:        1,
		LastModifiedBy: actor.ID,
	}

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Insert(ctx, rec); err != nil {
			return err
		}
		if err := s.repo.InsertHistory(ctx, &HistoryEntry{
			ID:               uuid.New(),
			RecordID:         rec.ID,
			ChangeType:       ChangeCreate,
			ResultingVersion: 1,
			AfterContent:     in.Content,
			ChangeReason:     in.Reason,
			ChangedBy:        actor.ID,
		}); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, audit.ActionCreate, audit.SeverityInfo, rec, map[string]any{
			"version": 1,
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns a record by id and leaves a DATA_ACCESS audit entry.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor Actor) (*ClinicalRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.Append(ctx, s.readEntry(actor, rec)); err != nil {
		// A failed access log must not hide the data it logs reads of,
		// but it also must not pass silently.
		s.logger.Error().Err(err).Str("record_id", id.String()).Msg("audit append failed for read")
	}
	return rec, nil
}

func (s *Service) readEntry(actor Actor, rec *ClinicalRecord) audit.NewEntry {
	return audit.NewEntry{
		ActorID:      actor.ID,
		Action:       audit.ActionRead,
		EntityType:   "clinical_record",
		EntityID:     rec.ID.String(),
		ResourcePath: actor.Path,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Severity:     audit.SeverityInfo,
		Category:     audit.CategoryDataAccess,
		Metadata:     map[string]any{"version": rec.Version},
	}
}

// List returns records matching the given filters.
func (s *Service) List(ctx context.Context, params map[string]string, limit, offset int) ([]*ClinicalRecord, int, error) {
	return s.repo.List(ctx, params, limit, offset)
}

// History returns a record's history entries ordered by resulting version.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

// ContentAt returns the record's content as of the given version.
func (s *Service) ContentAt(ctx context.Context, id uuid.UUID, version int) (*string, error) {
	history, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, h := range history {
		if h.ResultingVersion == version {
			return h.AfterContent, nil
		}
	}
	return nil, fmt.Errorf("%w: no history at version %d", ErrNotFound, version)
}

// Mutate replaces a record's content. The version increments by exactly one;
// a confirmed record is either reopened as a draft or rejected, depending on
// the amendment policy.
func (s *Service) Mutate(ctx context.Context, id uuid.UUID, newContent *string, actor Actor, reason string) (*ClinicalRecord, error) {
	var out *ClinicalRecord
	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.SoftDeleted {
			return fmt.Errorf("%w: %s", ErrRecordDeleted, id)
		}

		severity := audit.SeverityInfo
		wasConfirmed := rec.Confirmed
		if wasConfirmed {
			if s.policy == PolicyLocked {
				return fmt.Errorf("%w: %s", ErrRecordLocked, id)
			}
			// Amending a confirmed record reopens it as a draft. The
			// stored proofs stay: they attest to the confirmed snapshot.
			rec.Confirmed = false
			rec.ConfirmedBy = nil
			rec.ConfirmedAt = nil
			severity = audit.SeverityWarning
		}

		before := rec.Content
		expected := rec.Version
		rec.Content = newContent
		rec.Version = expected + 1
		rec.LastModifiedBy = actor.ID

		if err := s.repo.Update(ctx, rec, expected); err != nil {
			return err
		}
		if err := s.repo.InsertHistory(ctx, &HistoryEntry{
			ID:               uuid.New(),
			RecordID:         rec.ID,
			ChangeType:       ChangeUpdate,
			ResultingVersion: rec.Version,
			BeforeContent:    before,
			AfterContent:     newContent,
			ChangeReason:     reason,
			ChangedBy:        actor.ID,
		}); err != nil {
			return err
		}
		meta := map[string]any{"version": rec.Version}
		if wasConfirmed {
			meta["amended_after_confirmation"] = true
		}
		if err := s.appendAudit(ctx, actor, audit.ActionUpdate, severity, rec, meta); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Confirm locks in the record's current content: it signs a snapshot, binds
// a timestamp proof and increments the version. Confirming an already
// confirmed record fails with ErrAlreadyConfirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, actor Actor) (*ClinicalRecord, error) {
	var out *ClinicalRecord
	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.SoftDeleted {
			return fmt.Errorf("%w: %s", ErrRecordDeleted, id)
		}
		if rec.Confirmed {
			return fmt.Errorf("%w: %s", ErrAlreadyConfirmed, id)
		}

		expected := rec.Version
		now := s.clock().UTC()
		rec.Version = expected + 1
		rec.Confirmed = true
		rec.ConfirmedBy = actor.ID
		rec.ConfirmedAt = &now
		rec.LastModifiedBy = actor.ID

		// The signature covers the confirmed snapshot, version included.
		proof, err := s.signer.Sign(rec.Signable())
		if err != nil {
			if errors.Is(err, signing.ErrSigningKeyUnavailable) {
				s.logger.Error().Str("record_id", id.String()).
					Msg("confirmation aborted: no signing key configured")
			}
			return err
		}
		rec.Signature = proof
		ts := s.tsvc.BindTimestamp(ctx, now)
		rec.TimestampProof = &ts

		if err := s.repo.Update(ctx, rec, expected); err != nil {
			return err
		}
		if err := s.repo.InsertHistory(ctx, &HistoryEntry{
			ID:               uuid.New(),
			RecordID:         rec.ID,
			ChangeType:       ChangeConfirm,
			ResultingVersion: rec.Version,
			BeforeContent:    rec.Content,
			AfterContent:     rec.Content,
			ChangedBy:        actor.ID,
		}); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, actor, audit.ActionConfirm, audit.SeverityInfo, rec, map[string]any{
			"version":          rec.Version,
			"content_hash":     proof.ContentHash,
			"timestamp_source": ts.Source,
		}); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftDelete marks a record deleted. The row and its history stay; deleting
// an already deleted record is a no-op success.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID, actor Actor, reason string) error {
	return s.withVersionRetry(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.SoftDeleted {
			return nil
		}

		expected := rec.Version
		now := s.clock().UTC()
		before := rec.Content
		rec.Version = expected + 1
		rec.SoftDeleted = true
		rec.DeletedAt = &now
		rec.LastModifiedBy = actor.ID

		if err := s.repo.Update(ctx, rec, expected); err != nil {
			return err
		}
		if err := s.repo.InsertHistory(ctx, &HistoryEntry{
			ID:               uuid.New(),
			RecordID:         rec.ID,
			ChangeType:       ChangeDelete,
			ResultingVersion: rec.Version,
			BeforeContent:    before,
			AfterContent:     nil,
			ChangeReason:     reason,
			ChangedBy:        actor.ID,
		}); err != nil {
			return err
		}
		return s.appendAudit(ctx, actor, audit.ActionDelete, audit.SeverityWarning, rec, map[string]any{
			"version": rec.Version,
		})
	})
}

func (s *Service) appendAudit(ctx context.Context, actor Actor, action audit.Action,
	severity audit.Severity, rec *ClinicalRecord, meta map[string]any) error {
	_, err := s.audit.Append(ctx, audit.NewEntry{
		ActorID:      actor.ID,
		Action:       action,
		EntityType:   "clinical_record",
		EntityID:     rec.ID.String(),
		ResourcePath: actor.Path,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Severity:     severity,
		Category:     audit.CategoryDataModification,
		Metadata:     meta,
	})
	return err
}

// withVersionRetry runs fn in a transaction, retrying a bounded number of
// times when the version guard trips under concurrency.
func (s *Service) withVersionRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= mutateRetries; attempt++ {
		err := s.repo.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
		s.logger.Debug().Int("attempt", attempt+1).Msg("record version conflict, retrying")
	}
	return lastErr
}
