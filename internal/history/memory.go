package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/margin-engine/internal/model"
)

// MemoryHistory implements History with in-memory maps. Used for testing
// and development; it holds whatever is put into it for the lifetime of
// the process.
type MemoryHistory struct {
	mu       sync.RWMutex
	accounts map[uint64]AccountRecord
	fills    []model.Fill
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{accounts: make(map[uint64]AccountRecord)}
}

// PutAccount stores a copy of a.
func (h *MemoryHistory) PutAccount(a AccountRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a.Positions = append([]PositionRecord(nil), a.Positions...)
	h.accounts[a.ID] = a
}

// AddFill appends a fill.
func (h *MemoryHistory) AddFill(f model.Fill) {
	h.mu.Lock()
	h.fills = append(h.fills, f)
	h.mu.Unlock()
}

func (h *MemoryHistory) GetAccount(_ context.Context, id uint64) (*AccountRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	a, ok := h.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	a.Positions = append([]PositionRecord(nil), a.Positions...)
	return &a, nil
}

func (h *MemoryHistory) ListAccountsByOwner(_ context.Context, owner common.Address) ([]uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []uint64
	for id, a := range h.accounts {
		if a.Owner == owner {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (h *MemoryHistory) ListFills(_ context.Context, accountID uint64, limit int) ([]model.Fill, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []model.Fill
	for i := len(h.fills) - 1; i >= 0; i-- {
		if h.fills[i].AccountID != accountID {
			continue
		}
		out = append(out, h.fills[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
