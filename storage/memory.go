package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"board-api/domain"
)

// Memory is a process local store used for development and tests. It
// serves cards, audit records, profile status and workspace members.
type Memory struct {
	mu       sync.Mutex
	cards    map[string]domain.Card
	audit    []domain.AuditRecord
	statuses map[string]domain.UserStatus
	members  map[string]map[string]domain.Role
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		cards:    map[string]domain.Card{},
		statuses: map[string]domain.UserStatus{},
		members:  map[string]map[string]domain.Role{},
	}
}

func (m *Memory) GetCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(workspaceID, id)
	if err != nil {
		return nil, err
	}
	out := c.Clone()
	return &out, nil
}

func (m *Memory) ListCards(ctx context.Context, workspaceID, listID string) ([]domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(workspaceID, listID), nil
}

func (m *Memory) LastCard(ctx context.Context, workspaceID, listID string) (*domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.list(workspaceID, listID)
	if len(list) == 0 {
		return nil, nil
	}
	return &list[len(list)-1], nil
}

func (m *Memory) HasOtherCards(ctx context.Context, workspaceID, listID, excludeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cards {
		if c.WorkspaceID == workspaceID && c.ListID == listID && c.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) InsertCard(ctx context.Context, card domain.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[card.ID]; ok {
		return fmt.Errorf("card %s already exists", card.ID)
	}
	m.cards[card.ID] = card.Clone()
	return nil
}

func (m *Memory) UpdateCardIfVersion(ctx context.Context, workspaceID, id string, expected int64, patch domain.CardPatch) (*domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(workspaceID, id)
	if err != nil {
		return nil, err
	}
	if c.Version != expected {
		return nil, fmt.Errorf("card %s at version %d: %w", id, c.Version, domain.ErrVersionMismatch)
	}
	return m.apply(c, patch), nil
}

func (m *Memory) UpdateCard(ctx context.Context, workspaceID, id string, patch domain.CardPatch) (*domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(workspaceID, id)
	if err != nil {
		return nil, err
	}
	return m.apply(c, patch), nil
}

func (m *Memory) DeleteCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(workspaceID, id)
	if err != nil {
		return nil, err
	}
	delete(m.cards, id)
	return &c, nil
}

// AppendAudit stores rec.
func (m *Memory) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

// ListAudit returns records of a workspace ordered by timestamp then id,
// newest first.
func (m *Memory) ListAudit(ctx context.Context, workspaceID string, limit, offset int) ([]domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditRecord
	for _, r := range m.audit {
		if r.WorkspaceID == workspaceID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, limit, offset), nil
}

// SetUserStatus records the presence status of a user profile.
func (m *Memory) SetUserStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[userID] = status
	return nil
}

// UserStatus returns the last recorded status, if any.
func (m *Memory) UserStatus(userID string) (domain.UserStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[userID]
	return s, ok
}

// SetMember grants role to a user in a workspace.
func (m *Memory) SetMember(ctx context.Context, workspaceID, userID string, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[workspaceID] == nil {
		m.members[workspaceID] = map[string]domain.Role{}
	}
	m.members[workspaceID][userID] = role
	return nil
}

// MemberRole returns the role of a user in a workspace.
func (m *Memory) MemberRole(ctx context.Context, workspaceID, userID string) (domain.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.members[workspaceID][userID]
	if !ok {
		return "", fmt.Errorf("member %s of %s: %w", userID, workspaceID, domain.ErrNotFound)
	}
	return role, nil
}

func (m *Memory) lookup(workspaceID, id string) (domain.Card, error) {
	c, ok := m.cards[id]
	if !ok || c.WorkspaceID != workspaceID {
		return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) apply(c domain.Card, patch domain.CardPatch) *domain.Card {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}
	patch.Apply(&c)
	m.cards[c.ID] = c
	out := c.Clone()
	return &out
}

func (m *Memory) list(workspaceID, listID string) []domain.Card {
	out := []domain.Card{}
	for _, c := range m.cards {
		if c.WorkspaceID == workspaceID && c.ListID == listID {
			out = append(out, c.Clone())
		}
	}
	sortCards(out)
	return out
}

// sortCards orders cards by rank, then id.
func sortCards(cards []domain.Card) {
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].Order != cards[j].Order {
			return cards[i].Order < cards[j].Order
		}
		return cards[i].ID < cards[j].ID
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
