package token

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// GatedToken is an in-memory value token with a per-holder transfer gate.
// It backs tests and local runs; production deployments wire an external
// token bridge behind the same interface.
type GatedToken struct {
	mu           sync.Mutex
	venue        common.Address
	balances     map[common.Address]int64
	allowances   map[common.Address]int64
	transferable map[common.Address]bool
	openByDefault bool
}

// NewGatedToken creates a token whose custody account is the venue address.
// When openByDefault is false, holders must be explicitly marked
// transferable before TransferFrom succeeds.
func NewGatedToken(venue common.Address, openByDefault bool) *GatedToken {
	return &GatedToken{
		venue:         venue,
		balances:      make(map[common.Address]int64),
		allowances:    make(map[common.Address]int64),
		transferable:  make(map[common.Address]bool),
		openByDefault: openByDefault,
	}
}

// Mint credits a holder out of thin air. Test and bootstrap helper.
func (t *GatedToken) Mint(holder common.Address, amount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[holder] += amount
}

// Approve grants the venue an allowance over the holder's balance.
func (t *GatedToken) Approve(holder common.Address, amount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[holder] = amount
}

func (t *GatedToken) SetTransferable(holder common.Address, allowed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferable[holder] = allowed
}

func (t *GatedToken) IsTransferable(holder common.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if allowed, ok := t.transferable[holder]; ok {
		return allowed
	}
	return t.openByDefault
}

func (t *GatedToken) TransferFrom(from, to common.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if allowed, ok := t.transferable[from]; (ok && !allowed) || (!ok && !t.openByDefault) {
		return fmt.Errorf("%w: holder %s is not transferable", ErrTransferRejected, from.Hex())
	}
	if t.allowances[from] < amount {
		return fmt.Errorf("%w: allowance %d < %d", ErrTransferRejected, t.allowances[from], amount)
	}
	if t.balances[from] < amount {
		return fmt.Errorf("%w: balance %d < %d", ErrTransferRejected, t.balances[from], amount)
	}

	t.allowances[from] -= amount
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}

func (t *GatedToken) Transfer(to common.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balances[t.venue] < amount {
		return fmt.Errorf("%w: venue balance %d < %d", ErrTransferRejected, t.balances[t.venue], amount)
	}
	t.balances[t.venue] -= amount
	t.balances[to] += amount
	return nil
}

func (t *GatedToken) BalanceOf(holder common.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[holder]
}
