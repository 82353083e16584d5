package cards

import (
	"context"

	"board-api/domain"
)

// Store is the card store adapter used by the service. Every card lookup is
// scoped to a workspace; a card of another workspace is reported as
// domain.ErrNotFound. Implementations return errors wrapping
// domain.ErrNotFound and domain.ErrVersionMismatch.
type Store interface {
	GetCard(ctx context.Context, workspaceID, id string) (*domain.Card, error)
	// ListCards returns the cards of one list ordered by rank, then id.
	ListCards(ctx context.Context, workspaceID, listID string) ([]domain.Card, error)
	// LastCard returns the highest ranked card of a list or nil when empty.
	LastCard(ctx context.Context, workspaceID, listID string) (*domain.Card, error)
	// HasOtherCards reports whether the list holds any card besides excludeID.
	HasOtherCards(ctx context.Context, workspaceID, listID, excludeID string) (bool, error)
	InsertCard(ctx context.Context, card domain.Card) error
	// UpdateCardIfVersion applies patch only when the stored version equals
	// expected, atomically, and returns the post-state.
	UpdateCardIfVersion(ctx context.Context, workspaceID, id string, expected int64, patch domain.CardPatch) (*domain.Card, error)
	// UpdateCard applies patch regardless of the stored version.
	UpdateCard(ctx context.Context, workspaceID, id string, patch domain.CardPatch) (*domain.Card, error)
	DeleteCard(ctx context.Context, workspaceID, id string) (*domain.Card, error)
}

// AuditSink receives one record per accepted mutation.
type AuditSink interface {
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
}

// AuditLister is implemented by sinks that can read records back, newest first.
type AuditLister interface {
	ListAudit(ctx context.Context, workspaceID string, limit, offset int) ([]domain.AuditRecord, error)
}
