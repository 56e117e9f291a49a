// Package integrity recomputes every stored proof from persisted data and
// reports mismatches as structured negative results. A failed check is an
// expected, actionable outcome for the caller, never an error.
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/medseal/medseal/internal/domain/audit"
	"github.com/medseal/medseal/internal/domain/record"
	"github.com/medseal/medseal/internal/platform/signing"
)

// RecordSource is the slice of the record repository the verifier reads.
type RecordSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*record.ClinicalRecord, error)
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*record.ClinicalRecord, int, error)
}

// Report is the verification outcome for one record.
type Report struct {
	RecordID              uuid.UUID  `json:"record_id"`
	Confirmed             bool       `json:"confirmed"`
	SignatureValid        bool       `json:"signature_valid"`
	TimestampValid        bool       `json:"timestamp_valid"`
	ChainValid            bool       `json:"chain_valid"`
	FirstDivergingEntryID *uuid.UUID `json:"first_diverging_entry_id,omitempty"`
	// CurrentContentMatches reports whether the live content still hashes
	// to the signed snapshot. False after any post-confirmation edit; this
	// is independent of SignatureValid, which attests to historical
	// content.
	CurrentContentMatches bool      `json:"current_content_matches"`
	CheckedAt             time.Time `json:"checked_at"`
}

// SelfAuditReport summarizes a full scan of the ledger and every stored
// signature proof.
type SelfAuditReport struct {
	Partition         string             `json:"partition"`
	Chain             *audit.ChainReport `json:"chain"`
	RecordsChecked    int                `json:"records_checked"`
	SignaturesChecked int                `json:"signatures_checked"`
	InvalidSignatures []uuid.UUID        `json:"invalid_signatures,omitempty"`
	CheckedAt         time.Time          `json:"checked_at"`
}

type Service struct {
	records  RecordSource
	auditSvc *audit.Service
	signer   *signing.Signer
	logger   zerolog.Logger
	clock    func() time.Time
}

func NewService(records RecordSource, auditSvc *audit.Service, signer *signing.Signer, logger zerolog.Logger) *Service {
	return &Service{
		records:  records,
		auditSvc: auditSvc,
		signer:   signer,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.clock = now
	return s
}

// VerifyRecord recomputes a record's signature, timestamp and ledger proofs
// from storage. Negative checks are reported in the result; only infrastructure
// failures (record missing, storage unreachable) surface as errors.
func (s *Service) VerifyRecord(ctx context.Context, id uuid.UUID) (*Report, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RecordID:  id,
		Confirmed: rec.Confirmed,
		CheckedAt: s.clock().UTC(),
	}

	var errs errsx.Map

	if rec.Signature == nil {
		errs.Set("signature", fmt.Errorf("record %s has never been confirmed", id))
	} else {
		report.SignatureValid = s.signer.Verify(rec.Signature)
		if !report.SignatureValid {
			errs.Set("signature", fmt.Errorf("stored proof does not verify for record %s", id))
		}

		liveHash, hashErr := signing.ContentHash(rec.Signable())
		if hashErr != nil {
			return nil, fmt.Errorf("integrity: hash live content: %w", hashErr)
		}
		report.CurrentContentMatches = liveHash == rec.Signature.ContentHash
		if !report.CurrentContentMatches {
			errs.Set("content", fmt.Errorf("record %s content changed since signing", id))
		}

		report.TimestampValid = signing.VerifyTimestamp(rec.TimestampProof, rec.ConfirmedAt)
		if !report.TimestampValid {
			errs.Set("timestamp", fmt.Errorf("timestamp proof does not verify for record %s", id))
		}
	}

	chain, err := s.auditSvc.VerifyChain(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("integrity: verify chain: %w", err)
	}
	report.ChainValid = chain.Valid
	report.FirstDivergingEntryID = chain.FirstDivergingID
	if !chain.Valid {
		errs.Set("chain", fmt.Errorf("ledger diverges at sequence %v", chain.FirstDivergingSeq))
	}

	if err := errs.AsError(); err != nil {
		s.logger.Warn().
			Str("record_id", id.String()).
			Str("detail", err.Error()).
			Msg("integrity verification found mismatches")
	}
	return report, nil
}

// selfAuditPage bounds how many records one scan iteration loads.
const selfAuditPage = 200

// SelfAudit walks the full ledger chain and re-verifies the stored signature
// proof of every record that carries one.
func (s *Service) SelfAudit(ctx context.Context) (*SelfAuditReport, error) {
	chain, err := s.auditSvc.VerifyChain(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("integrity: verify chain: %w", err)
	}

	report := &SelfAuditReport{
		Partition: s.auditSvc.Partition(),
		Chain:     chain,
		CheckedAt: s.clock().UTC(),
	}

	for offset := 0; ; offset += selfAuditPage {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, total, err := s.records.List(ctx, map[string]string{"include-deleted": "true"}, selfAuditPage, offset)
		if err != nil {
			return nil, fmt.Errorf("integrity: list records: %w", err)
		}
		for _, rec := range page {
			report.RecordsChecked++
			if rec.Signature == nil {
				continue
			}
			report.SignaturesChecked++
			if !s.signer.Verify(rec.Signature) {
				report.InvalidSignatures = append(report.InvalidSignatures, rec.ID)
			}
		}
		if offset+len(page) >= total || len(page) == 0 {
			break
		}
	}

	if !chain.Valid || len(report.InvalidSignatures) > 0 {
		s.logger.Error().
			Bool("chain_valid", chain.Valid).
			Int("invalid_signatures", len(report.InvalidSignatures)).
			Msg("self-audit found integrity failures")
	}
	return report, nil
}
