package command

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Topup moves value-token funds into an account's credit balance.
// Idempotency key: command_id (UUID minted by the submitting surface).
type Topup struct {
	CommandID uuid.UUID
	Account   common.Address
	Amount    int64 // Fixed-point, quote scale
	Sequence  int64
	Timestamp time.Time
}

func (c *Topup) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *Topup) CommandType() CommandType {
	return CommandTypeTopup
}

func (c *Topup) EventID() *uint64 {
	return nil // Global command
}

func (c *Topup) SourceSequence() int64 {
	return c.Sequence
}

// TopupSystem credits the platform pool directly.
type TopupSystem struct {
	CommandID uuid.UUID
	Funder    common.Address
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (c *TopupSystem) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *TopupSystem) CommandType() CommandType {
	return CommandTypeTopupSystem
}

func (c *TopupSystem) EventID() *uint64 {
	return nil
}

func (c *TopupSystem) SourceSequence() int64 {
	return c.Sequence
}

// Withdraw moves credit back out to the value token, bounded by the
// configured per-call limits.
type Withdraw struct {
	CommandID uuid.UUID
	Account   common.Address
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (c *Withdraw) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *Withdraw) CommandType() CommandType {
	return CommandTypeWithdraw
}

func (c *Withdraw) EventID() *uint64 {
	return nil
}

func (c *Withdraw) SourceSequence() int64 {
	return c.Sequence
}
