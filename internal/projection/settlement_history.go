package projection

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SettlementKind discriminates history entries.
type SettlementKind int32

const (
	SettlementKindMarketSell SettlementKind = iota
	SettlementKindLeveragedClose
)

// SettlementEntry records one payout to an account: a market sell or a
// leveraged close. Payout is the credited amount; PnL is signed and only
// meaningful for leveraged closes.
type SettlementEntry struct {
	Kind       SettlementKind
	Account    common.Address
	PositionID uint64
	Amount     int64
	PnL        int64
	Payout     int64
	Forced     bool
	Sequence   int64
	Timestamp  int64
}

// SettlementHistory maintains a queryable in-memory settlement history.
// Written by the projection worker, read by the query service.
type SettlementHistory struct {
	mu      sync.RWMutex
	entries []SettlementEntry
}

func NewSettlementHistory() *SettlementHistory {
	return &SettlementHistory{
		entries: make([]SettlementEntry, 0),
	}
}

// Add records a settlement
func (h *SettlementHistory) Add(entry SettlementEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

// QueryByAccount returns the most recent settlements for an account.
func (h *SettlementHistory) QueryByAccount(account common.Address, limit int) []SettlementEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]SettlementEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Account == account {
			result = append(result, h.entries[i])
		}
	}

	return result
}

// Len returns the number of recorded settlements.
func (h *SettlementHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
