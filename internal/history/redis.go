package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/model"
)

// CachedHistory wraps a primary History (PostgreSQL) with a Redis
// read-through cache. Reads check Redis first then fall back to the
// primary. Fills are never cached: the list grows with every trade.
type CachedHistory struct {
	primary History
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedHistory creates a cached wrapper around a primary history.
func NewCachedHistory(primary History, rdb *redis.Client, ttl time.Duration) *CachedHistory {
	return &CachedHistory{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (h *CachedHistory) GetAccount(ctx context.Context, id uint64) (*AccountRecord, error) {
	data, err := h.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a AccountRecord
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := h.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		h.rdb.Set(ctx, accountKey(id), data, h.ttl)
	}
	return a, nil
}

func (h *CachedHistory) ListAccountsByOwner(ctx context.Context, owner common.Address) ([]uint64, error) {
	data, err := h.rdb.Get(ctx, ownerKey(owner)).Bytes()
	if err == nil {
		var ids []uint64
		if json.Unmarshal(data, &ids) == nil {
			return ids, nil
		}
	}

	ids, err := h.primary.ListAccountsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(ids); err == nil {
		h.rdb.Set(ctx, ownerKey(owner), data, h.ttl)
	}
	return ids, nil
}

// Invalidate drops the cached record of an account, e.g. after the venue
// published a newer state for it.
func (h *CachedHistory) Invalidate(ctx context.Context, id uint64) {
	h.rdb.Del(ctx, accountKey(id))
}

// --- Passthrough (not cached) ---

func (h *CachedHistory) ListFills(ctx context.Context, accountID uint64, limit int) ([]model.Fill, error) {
	return h.primary.ListFills(ctx, accountID, limit)
}

// --- Cache helpers ---

func accountKey(id uint64) string         { return fmt.Sprintf("account:%d", id) }
func ownerKey(owner common.Address) string { return fmt.Sprintf("owner:%s", owner.Hex()) }
