package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type cardBackend interface {
	GetCard(ctx context.Context, workspaceID, id string) (*domain.Card, error)
	ListCards(ctx context.Context, workspaceID, listID string) ([]domain.Card, error)
	LastCard(ctx context.Context, workspaceID, listID string) (*domain.Card, error)
	HasOtherCards(ctx context.Context, workspaceID, listID, excludeID string) (bool, error)
	InsertCard(ctx context.Context, card domain.Card) error
	UpdateCardIfVersion(ctx context.Context, workspaceID, id string, expected int64, patch domain.CardPatch) (*domain.Card, error)
	UpdateCard(ctx context.Context, workspaceID, id string, patch domain.CardPatch) (*domain.Card, error)
	DeleteCard(ctx context.Context, workspaceID, id string) (*domain.Card, error)
}

// Cache wraps a card store with Redis-backed caching of list reads. Each
// workspace keeps one hash of list snapshots that is dropped on any write.
// Single card reads and the rank inputs LastCard and HasOtherCards always go
// to the backing store so version checks and new ranks see the stored state.
//
// Every write bumps a per-workspace generation counter before dropping the
// hash. A list read is only written back when the generation it observed
// before reading the store is still current.
type Cache struct {
	base  cardBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base cardBackend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	return c.base.GetCard(ctx, workspaceID, id)
}

func (c *Cache) ListCards(ctx context.Context, workspaceID, listID string) ([]domain.Card, error) {
	if cards, ok := c.loadList(ctx, workspaceID, listID); ok {
		return cards, nil
	}
	gen, genOK := c.generation(ctx, workspaceID)
	cards, err := c.base.ListCards(ctx, workspaceID, listID)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.storeList(ctx, workspaceID, listID, gen, cards)
	}
	return cards, nil
}

func (c *Cache) LastCard(ctx context.Context, workspaceID, listID string) (*domain.Card, error) {
	return c.base.LastCard(ctx, workspaceID, listID)
}

func (c *Cache) HasOtherCards(ctx context.Context, workspaceID, listID, excludeID string) (bool, error) {
	return c.base.HasOtherCards(ctx, workspaceID, listID, excludeID)
}

func (c *Cache) InsertCard(ctx context.Context, card domain.Card) error {
	if err := c.base.InsertCard(ctx, card); err != nil {
		return err
	}
	c.evict(ctx, card.WorkspaceID)
	return nil
}

func (c *Cache) UpdateCardIfVersion(ctx context.Context, workspaceID, id string, expected int64, patch domain.CardPatch) (*domain.Card, error) {
	out, err := c.base.UpdateCardIfVersion(ctx, workspaceID, id, expected, patch)
	if err != nil {
		return nil, err
	}
	c.evict(ctx, workspaceID)
	return out, nil
}

func (c *Cache) UpdateCard(ctx context.Context, workspaceID, id string, patch domain.CardPatch) (*domain.Card, error) {
	out, err := c.base.UpdateCard(ctx, workspaceID, id, patch)
	if err != nil {
		return nil, err
	}
	c.evict(ctx, workspaceID)
	return out, nil
}

func (c *Cache) DeleteCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	out, err := c.base.DeleteCard(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	c.evict(ctx, workspaceID)
	return out, nil
}

func (c *Cache) loadList(ctx context.Context, workspaceID, listID string) ([]domain.Card, bool) {
	if c.redis == nil || c.ttl == 0 {
		return nil, false
	}
	data, err := c.redis.HGet(ctx, listsCacheKey(workspaceID), listID).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, listsCacheKey(workspaceID)).Err()
		}
		return nil, false
	}
	var cards []domain.Card
	if err := sonic.Unmarshal(data, &cards); err != nil {
		_ = c.redis.HDel(ctx, listsCacheKey(workspaceID), listID).Err()
		return nil, false
	}
	return cards, true
}

// generation returns the current write generation of a workspace. Missing
// counters read as zero.
func (c *Cache) generation(ctx context.Context, workspaceID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, generationKey(workspaceID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

func (c *Cache) storeList(ctx context.Context, workspaceID, listID string, seen int64, cards []domain.Card) {
	data, err := sonic.Marshal(cards)
	if err != nil {
		return
	}
	key := listsCacheKey(workspaceID)
	genKey := generationKey(workspaceID)
	// A write landing between WATCH and EXEC aborts the transaction.
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		gen, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			gen, err = 0, nil
		}
		if err != nil || gen != seen {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, listID, data)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (c *Cache) evict(ctx context.Context, workspaceID string) {
	if c.redis == nil {
		return
	}
	genKey := generationKey(workspaceID)
	pipe := c.redis.TxPipeline()
	pipe.Incr(ctx, genKey)
	pipe.Expire(ctx, genKey, generationTTL)
	pipe.Del(ctx, listsCacheKey(workspaceID))
	_, _ = pipe.Exec(ctx)
}

// generationTTL keeps counters well beyond any in-flight list read.
const generationTTL = 24 * time.Hour

func listsCacheKey(workspaceID string) string {
	return "cards:" + workspaceID
}

func generationKey(workspaceID string) string {
	return "cards-gen:" + workspaceID
}
