package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"VenueLedger/internal/token"
)

// ErrInsufficientCredit is returned when a debit would push a user or
// platform balance below zero.
var ErrInsufficientCredit = errors.New("ledger: insufficient credit")

// ErrAmountOutOfBounds is returned when a topup is below the configured
// minimum or a withdrawal is outside the configured per-call bounds.
var ErrAmountOutOfBounds = errors.New("ledger: amount out of bounds")

// Limits are the per-call bounds on credit movement across the token
// boundary.
type Limits struct {
	MinTopup    int64
	MinWithdraw int64
	MaxWithdraw int64
}

// DefaultLimits mirrors the production deployment: 10 USDC minimum topup,
// 2000 USDC maximum withdrawal per call (6-decimal fixed point).
func DefaultLimits() Limits {
	return Limits{
		MinTopup:    10_000_000,
		MinWithdraw: 1,
		MaxWithdraw: 2_000_000_000,
	}
}

// CreditLedger is the double-entry credit book of the venue. Topups and
// withdrawals cross the value-token boundary; stakes and payouts move credit
// between user accounts and the platform pool. Every mutation produces a
// validated journal batch and is applied to the tracker before returning, so
// callers sequence: validate everything that can fail, move credit, then
// mutate engine state.
//
// Not safe for concurrent use; the deterministic core is the only writer.
type CreditLedger struct {
	tracker  *BalanceTracker
	token    token.ValueToken
	venue    common.Address
	assetID  AssetID
	limits   Limits
	sequence int64
}

func NewCreditLedger(tracker *BalanceTracker, tok token.ValueToken, venue common.Address, limits Limits) *CreditLedger {
	return &CreditLedger{
		tracker: tracker,
		token:   tok,
		venue:   venue,
		assetID: AssetUSDC,
		limits:  limits,
	}
}

// SetSequence aligns the journal sequence after restore.
func (cl *CreditLedger) SetSequence(seq int64) {
	cl.sequence = seq
}

// Topup pulls amount from the account through the value token and credits
// the account's spendable balance. The token transfer is the gate: a
// non-transferable holder or uncovered allowance yields ErrTransferRejected.
func (cl *CreditLedger) Topup(account common.Address, amount int64, ref string, timestamp int64) (*Batch, error) {
	if amount < cl.limits.MinTopup {
		return nil, fmt.Errorf("%w: topup %d below minimum %d", ErrAmountOutOfBounds, amount, cl.limits.MinTopup)
	}

	if err := cl.token.TransferFrom(account, cl.venue, amount); err != nil {
		return nil, fmt.Errorf("topup %s: %w", account.Hex(), err)
	}

	return cl.apply(
		NewUserAccountKey(account, cl.assetID),
		NewExternalAccountKey(cl.assetID),
		amount, JournalTypeTopup, ref, timestamp,
	)
}

// TopupSystem pulls amount from the funder and credits the platform pool.
// No minimum applies; this is the liquidity seeding path.
func (cl *CreditLedger) TopupSystem(funder common.Address, amount int64, ref string, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: system topup must be positive, got %d", ErrAmountOutOfBounds, amount)
	}

	if err := cl.token.TransferFrom(funder, cl.venue, amount); err != nil {
		return nil, fmt.Errorf("system topup from %s: %w", funder.Hex(), err)
	}

	return cl.apply(
		NewPlatformAccountKey(cl.venue, cl.assetID),
		NewExternalAccountKey(cl.assetID),
		amount, JournalTypeSystemTopup, ref, timestamp,
	)
}

// Withdraw burns credit from the account and transfers the value token back
// to it. Bounded per call by the configured limits.
func (cl *CreditLedger) Withdraw(account common.Address, amount int64, ref string, timestamp int64) (*Batch, error) {
	if amount < cl.limits.MinWithdraw || amount > cl.limits.MaxWithdraw {
		return nil, fmt.Errorf("%w: withdrawal %d outside [%d, %d]",
			ErrAmountOutOfBounds, amount, cl.limits.MinWithdraw, cl.limits.MaxWithdraw)
	}

	userKey := NewUserAccountKey(account, cl.assetID)
	if have := cl.tracker.GetBalance(userKey); have < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredit, have, amount)
	}

	if err := cl.token.Transfer(account, amount); err != nil {
		return nil, fmt.Errorf("withdraw %s: %w", account.Hex(), err)
	}

	return cl.apply(
		NewExternalAccountKey(cl.assetID),
		userKey,
		amount, JournalTypeWithdrawal, ref, timestamp,
	)
}

// Stake moves credit from the user into the platform pool. Engine-internal:
// buys and leveraged opens fund themselves through this path.
func (cl *CreditLedger) Stake(account common.Address, amount int64, ref string, journalType JournalType, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: stake must be positive, got %d", ErrAmountOutOfBounds, amount)
	}

	userKey := NewUserAccountKey(account, cl.assetID)
	if have := cl.tracker.GetBalance(userKey); have < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredit, have, amount)
	}

	return cl.apply(
		NewPlatformAccountKey(cl.venue, cl.assetID),
		userKey,
		amount, journalType, ref, timestamp,
	)
}

// Payout moves credit from the platform pool back to the user. Fails with
// ErrInsufficientCredit when the pool cannot cover the amount.
func (cl *CreditLedger) Payout(account common.Address, amount int64, ref string, journalType JournalType, timestamp int64) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: payout must be positive, got %d", ErrAmountOutOfBounds, amount)
	}

	poolKey := NewPlatformAccountKey(cl.venue, cl.assetID)
	if have := cl.tracker.GetBalance(poolKey); have < amount {
		return nil, fmt.Errorf("%w: platform pool has %d, need %d", ErrInsufficientCredit, have, amount)
	}

	return cl.apply(
		NewUserAccountKey(account, cl.assetID),
		poolKey,
		amount, journalType, ref, timestamp,
	)
}

// GetCredit returns the user's spendable credit balance.
func (cl *CreditLedger) GetCredit(account common.Address) int64 {
	return cl.tracker.GetUserCredit(account, cl.assetID)
}

// PlatformCredit returns the platform pool balance.
func (cl *CreditLedger) PlatformCredit() int64 {
	return cl.tracker.GetPlatformCredit(cl.venue, cl.assetID)
}

// Tracker exposes the underlying balance tracker for state hashing.
func (cl *CreditLedger) Tracker() *BalanceTracker {
	return cl.tracker
}

func (cl *CreditLedger) apply(debit, credit AccountKey, amount int64, jt JournalType, ref string, timestamp int64) (*Batch, error) {
	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  cl.sequence,
		Timestamp: timestamp,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      cl.sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       cl.assetID,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     timestamp,
		}},
	}

	if err := cl.tracker.ApplyBatch(batch); err != nil {
		return nil, err
	}
	cl.sequence++

	return batch, nil
}
