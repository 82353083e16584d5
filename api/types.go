package api

import (
	"context"

	"github.com/gorilla/websocket"

	"board-api/cards"
	"board-api/domain"
)

// CardService is the mutation service the handlers call.
type CardService interface {
	List(ctx context.Context, sc cards.Scope, listID string) ([]domain.Card, error)
	Get(ctx context.Context, sc cards.Scope, id string) (*domain.Card, error)
	Create(ctx context.Context, sc cards.Scope, in cards.CreateInput) (*domain.Card, error)
	Update(ctx context.Context, sc cards.Scope, id string, in cards.UpdateInput) (*domain.Card, error)
	Delete(ctx context.Context, sc cards.Scope, id string) (*domain.Card, error)
	Move(ctx context.Context, sc cards.Scope, in cards.MoveInput) (*domain.Card, error)
	ListAudit(ctx context.Context, sc cards.Scope, limit, offset int) ([]domain.AuditRecord, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// RoleResolver returns a caller's role in a workspace.
type RoleResolver interface {
	Role(ctx context.Context, workspaceID, userID string) (domain.Role, error)
}

// UploadPresigner hands out upload URLs for card background images.
type UploadPresigner interface {
	PresignBackgroundUpload(ctx context.Context, workspaceID, cardID string) (key, url string, err error)
}

// RealtimeServer runs an upgraded websocket connection.
type RealtimeServer interface {
	Serve(ctx context.Context, conn *websocket.Conn, userID string)
}

// Deps are the collaborators of the HTTP layer. Uploads and Realtime are
// optional.
type Deps struct {
	Cards    CardService
	Auth     Authenticator
	Roles    RoleResolver
	Uploads  UploadPresigner
	Realtime RealtimeServer
	Upgrader *websocket.Upgrader
}
