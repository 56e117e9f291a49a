// Package audit implements the append-only, hash-chained ledger of sensitive
// reads and writes. Each entry's checksum binds it to its predecessor, so
// deleting, reordering or rewriting any persisted entry is detectable by
// recomputing the chain from stored data alone.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies what the actor did.
type Action string

const (
	ActionRead            Action = "READ"
	ActionCreate          Action = "CREATE"
	ActionUpdate          Action = "UPDATE"
	ActionDelete          Action = "DELETE"
	ActionConfirm         Action = "CONFIRM"
	ActionExport          Action = "EXPORT"
	ActionAuthLogin       Action = "AUTH_LOGIN"
	ActionAuthLogout      Action = "AUTH_LOGOUT"
	ActionAuthFailed      Action = "AUTH_FAILED"
	ActionEmergencyAccess Action = "EMERGENCY_ACCESS"
)

// Severity grades how alarming an event is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Category groups events for filtering and retention policy.
type Category string

const (
	CategoryDataAccess       Category = "DATA_ACCESS"
	CategoryDataModification Category = "DATA_MODIFICATION"
	CategoryAuthentication   Category = "AUTHENTICATION"
	CategorySystem           Category = "SYSTEM"
	CategoryEmergency        Category = "EMERGENCY"
)

var validActions = map[Action]bool{
	ActionRead: true, ActionCreate: true, ActionUpdate: true, ActionDelete: true,
	ActionConfirm: true, ActionExport: true, ActionAuthLogin: true,
	ActionAuthLogout: true, ActionAuthFailed: true, ActionEmergencyAccess: true,
}

var validSeverities = map[Severity]bool{
	SeverityInfo: true, SeverityWarning: true, SeverityError: true, SeverityCritical: true,
}

var validCategories = map[Category]bool{
	CategoryDataAccess: true, CategoryDataModification: true,
	CategoryAuthentication: true, CategorySystem: true, CategoryEmergency: true,
}

// Entry is one immutable ledger entry. Once appended it is never updated or
// deleted; CreatedAt is monotonically non-decreasing within a partition.
type Entry struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	Partition    string         `db:"partition" json:"partition"`
	Sequence     int64          `db:"sequence" json:"sequence"`
	ActorID      *uuid.UUID     `db:"actor_id" json:"actor_id,omitempty"` // nil for system-initiated events
	Action       Action         `db:"action" json:"action"`
	EntityType   string         `db:"entity_type" json:"entity_type"`
	EntityID     string         `db:"entity_id" json:"entity_id"`
	ResourcePath string         `db:"resource_path" json:"resource_path"`
	IPAddress    string         `db:"ip_address" json:"ip_address"`
	UserAgent    string         `db:"user_agent" json:"user_agent"`
	Severity     Severity       `db:"severity" json:"severity"`
	Category     Category       `db:"category" json:"category"`
	Metadata     map[string]any `db:"metadata" json:"metadata,omitempty"` // opaque to the ledger
	Checksum     string         `db:"checksum" json:"checksum"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// NewEntry carries the caller-supplied fields of an entry to append.
// ID, Sequence, Checksum and CreatedAt are server-assigned.
type NewEntry struct {
	ActorID      *uuid.UUID
	Action       Action
	EntityType   string
	EntityID     string
	ResourcePath string
	IPAddress    string
	UserAgent    string
	Severity     Severity
	Category     Category
	Metadata     map[string]any
}

// chainPayload is the canonical view of an entry covered by its checksum.
// The checksum itself, the row id and the database-assigned timestamp are
// excluded; the sequence number is included so a reordered entry breaks the
// chain even if its content is untouched.
func chainPayload(e *Entry) map[string]any {
	var actor any
	if e.ActorID != nil {
		actor = e.ActorID.String()
	}
	return map[string]any{
		"sequence":     e.Sequence,
		"actorId":      actor,
		"action":       string(e.Action),
		"entityType":   e.EntityType,
		"entityId":     e.EntityID,
		"resourcePath": e.ResourcePath,
		"ipAddress":    e.IPAddress,
		"userAgent":    e.UserAgent,
		"severity":     string(e.Severity),
		"category":     string(e.Category),
		"metadata":     e.Metadata,
	}
}

// ChainReport is the outcome of a chain verification walk. A checksum
// mismatch is a normal negative result, not an error.
type ChainReport struct {
	Partition          string     `json:"partition"`
	Valid              bool       `json:"valid"`
	CheckedFrom        int64      `json:"checked_from"`
	CheckedTo          int64      `json:"checked_to"`
	Partial            bool       `json:"partial,omitempty"` // verification stopped early (cancellation)
	FirstDivergingSeq  *int64     `json:"first_diverging_sequence,omitempty"`
	FirstDivergingID   *uuid.UUID `json:"first_diverging_entry_id,omitempty"`
}
