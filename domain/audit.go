package domain

import "time"

// AuditAction names the kind of accepted mutation.
type AuditAction string

const (
	AuditCreate AuditAction = "CREATE"
	AuditUpdate AuditAction = "UPDATE"
	AuditDelete AuditAction = "DELETE"
	AuditMove   AuditAction = "MOVE"
)

// AuditRecord is an append-only trace of an accepted mutation.
type AuditRecord struct {
	ID          string      `json:"id"`
	Action      AuditAction `json:"action"`
	Details     string      `json:"details"`
	PerformedBy string      `json:"performedBy,omitempty"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}
