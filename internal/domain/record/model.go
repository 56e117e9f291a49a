// Package record implements versioned clinical records with a confirm-lock
// state machine. Every content-affecting mutation increments the version by
// exactly one and leaves an immutable history entry, so the full sequence of
// states is reconstructable from storage.
package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/medseal/medseal/internal/platform/signing"
)

// ClinicalRecord is one practitioner-authored record tied to a visit.
// Confirmation freezes a signed snapshot of the content; the stored proofs
// keep attesting to that snapshot even if the record is amended later.
type ClinicalRecord struct {
	ID             uuid.UUID                `db:"id" json:"id"`
	VisitRef       string                   `db:"visit_ref" json:"visit_ref"`
	Content        *string                  `db:"content" json:"content"`
	Version        int                      `db:"version" json:"version"`
	Confirmed      bool                     `db:"confirmed" json:"confirmed"`
	ConfirmedBy    *uuid.UUID               `db:"confirmed_by" json:"confirmed_by,omitempty"`
	ConfirmedAt    *time.Time               `db:"confirmed_at" json:"confirmed_at,omitempty"`
	Signature      *signing.SignatureProof  `db:"signature" json:"signature,omitempty"`
	TimestampProof *signing.TimestampProof  `db:"timestamp_proof" json:"timestamp_proof,omitempty"`
	SoftDeleted    bool                     `db:"soft_deleted" json:"soft_deleted"`
	DeletedAt      *time.Time               `db:"deleted_at" json:"deleted_at,omitempty"`
	LastModifiedBy *uuid.UUID               `db:"last_modified_by" json:"last_modified_by,omitempty"`
	CreatedAt      time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                `db:"updated_at" json:"updated_at"`
}

// Signable returns the view of the record covered by a signature at its
// current version.
func (r *ClinicalRecord) Signable() signing.SignableRecord {
	return signing.SignableRecord{
		ID:       r.ID.String(),
		VisitRef: r.VisitRef,
		Content:  r.Content,
		Version:  r.Version,
	}
}

// ChangeType identifies which transition produced a history entry.
type ChangeType string

const (
	ChangeCreate  ChangeType = "CREATE"
	ChangeUpdate  ChangeType = "UPDATE"
	ChangeDelete  ChangeType = "DELETE"
	ChangeConfirm ChangeType = "CONFIRM"
)

// HistoryEntry is one immutable step in a record's version sequence. For a
// given record the ResultingVersion values are exactly 1, 2, 3, ... with no
// gaps, and entry n's AfterContent equals entry n+1's BeforeContent.
type HistoryEntry struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	RecordID         uuid.UUID  `db:"record_id" json:"record_id"`
	ChangeType       ChangeType `db:"change_type" json:"change_type"`
	ResultingVersion int        `db:"resulting_version" json:"resulting_version"`
	BeforeContent    *string    `db:"before_content" json:"before_content"`
	AfterContent     *string    `db:"after_content" json:"after_content"`
	ChangeReason     string     `db:"change_reason" json:"change_reason"`
	ChangedBy        *uuid.UUID `db:"changed_by" json:"changed_by,omitempty"`
	ChangedAt        time.Time  `db:"changed_at" json:"changed_at"`
}

// Actor carries the pre-authenticated identity and request attribution for
// one operation. ID is nil for system-initiated work.
type Actor struct {
	ID        *uuid.UUID
	IPAddress string
	UserAgent string
	Path      string
}
