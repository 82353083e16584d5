package realtime

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupCache remembers the accepted reply of recent move operations so a
// retried request is answered without touching storage again. Entries are
// evicted oldest-inserted first: reads use Peek and writes ContainsOrAdd, so
// neither refreshes an entry's recency.
type DedupCache struct {
	entries *lru.Cache[string, MoveAccepted]
}

// NewDedupCache returns a cache holding at most capacity operations.
func NewDedupCache(capacity int) (*DedupCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("dedup capacity must be positive, got %d", capacity)
	}
	c, err := lru.New[string, MoveAccepted](capacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &DedupCache{entries: c}, nil
}

// Lookup returns the reply recorded for operationID.
func (d *DedupCache) Lookup(operationID string) (MoveAccepted, bool) {
	return d.entries.Peek(operationID)
}

// Record stores the reply for operationID. The first recorded reply wins.
func (d *DedupCache) Record(operationID string, reply MoveAccepted) {
	d.entries.ContainsOrAdd(operationID, reply)
}

// Len reports the number of remembered operations.
func (d *DedupCache) Len() int {
	return d.entries.Len()
}
