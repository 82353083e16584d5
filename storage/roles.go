package storage

import (
	"context"
	"errors"
	"fmt"

	"board-api/domain"
)

// MemberStore looks up workspace membership.
type MemberStore interface {
	MemberRole(ctx context.Context, workspaceID, userID string) (domain.Role, error)
}

// Roles resolves a caller's role. Without a member store every
// authenticated user is an editor.
type Roles struct {
	members MemberStore
}

// NewRoles returns a resolver backed by members, which may be nil.
func NewRoles(members MemberStore) *Roles {
	return &Roles{members: members}
}

// Role returns the role of userID in workspaceID. Non-members get a
// forbidden error.
func (r *Roles) Role(ctx context.Context, workspaceID, userID string) (domain.Role, error) {
	if r == nil || r.members == nil {
		return domain.RoleEditor, nil
	}
	if userID == "" {
		return "", domain.NewError(domain.CodeForbidden, "anonymous users cannot access workspace %s", workspaceID)
	}
	role, err := r.members.MemberRole(ctx, workspaceID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.NewError(domain.CodeForbidden, "not a member of workspace %s", workspaceID)
	}
	if err != nil {
		return "", domain.Internal(fmt.Errorf("resolve role: %w", err))
	}
	switch role {
	case domain.RoleAdmin, domain.RoleEditor, domain.RoleViewer:
		return role, nil
	}
	return domain.RoleViewer, nil
}
