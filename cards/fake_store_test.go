package cards

import (
	"context"
	"errors"
	"sort"
	"sync"

	"board-api/domain"
)

type fakeStore struct {
	mu    sync.Mutex
	cards map[string]domain.Card

	// spuriousMismatches makes the next conditional updates fail with
	// ErrVersionMismatch without touching the card.
	spuriousMismatches int
	// bumpBeforeUpdate simulates a concurrent writer landing first.
	bumpBeforeUpdate bool

	conditionalWrites   int
	unconditionalWrites int
	failGet             error
}

func newFakeStore(cards ...domain.Card) *fakeStore {
	f := &fakeStore{cards: map[string]domain.Card{}}
	for _, c := range cards {
		f.cards[c.ID] = c
	}
	return f
}

func (f *fakeStore) GetCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	c, ok := f.cards[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, domain.ErrNotFound
	}
	c = c.Clone()
	return &c, nil
}

func (f *fakeStore) ListCards(ctx context.Context, workspaceID, listID string) ([]domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Card
	for _, c := range f.cards {
		if c.WorkspaceID == workspaceID && c.ListID == listID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) LastCard(ctx context.Context, workspaceID, listID string) (*domain.Card, error) {
	list, _ := f.ListCards(ctx, workspaceID, listID)
	if len(list) == 0 {
		return nil, nil
	}
	return &list[len(list)-1], nil
}

func (f *fakeStore) HasOtherCards(ctx context.Context, workspaceID, listID, excludeID string) (bool, error) {
	list, _ := f.ListCards(ctx, workspaceID, listID)
	for _, c := range list {
		if c.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertCard(ctx context.Context, card domain.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cards[card.ID]; ok {
		return errors.New("duplicate card")
	}
	f.cards[card.ID] = card.Clone()
	return nil
}

func (f *fakeStore) UpdateCardIfVersion(ctx context.Context, workspaceID, id string, expected int64, patch domain.CardPatch) (*domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditionalWrites++
	c, ok := f.cards[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, domain.ErrNotFound
	}
	if f.bumpBeforeUpdate {
		f.bumpBeforeUpdate = false
		c.Version++
		f.cards[id] = c
	}
	if f.spuriousMismatches > 0 {
		f.spuriousMismatches--
		return nil, domain.ErrVersionMismatch
	}
	if c.Version != expected {
		return nil, domain.ErrVersionMismatch
	}
	patch.Apply(&c)
	f.cards[id] = c
	out := c.Clone()
	return &out, nil
}

func (f *fakeStore) UpdateCard(ctx context.Context, workspaceID, id string, patch domain.CardPatch) (*domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unconditionalWrites++
	c, ok := f.cards[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, domain.ErrNotFound
	}
	patch.Apply(&c)
	f.cards[id] = c
	out := c.Clone()
	return &out, nil
}

func (f *fakeStore) DeleteCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, domain.ErrNotFound
	}
	delete(f.cards, id)
	return &c, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	err     error
}

func (a *fakeAudit) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *fakeAudit) ListAudit(ctx context.Context, workspaceID string, limit, offset int) ([]domain.AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditRecord
	for i := len(a.records) - 1; i >= 0; i-- {
		if a.records[i].WorkspaceID == workspaceID {
			out = append(out, a.records[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *fakeAudit) actions() []domain.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}
