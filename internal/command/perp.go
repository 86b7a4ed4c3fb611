package command

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"VenueLedger/internal/perp"
)

// OpenLeveraged opens a single leveraged position outside a batch.
type OpenLeveraged struct {
	CommandID uuid.UUID
	Caller    common.Address
	Order     perp.OpenParams
	Sequence  int64
	Timestamp time.Time
}

func (c *OpenLeveraged) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *OpenLeveraged) CommandType() CommandType {
	return CommandTypeOpenLeveraged
}

func (c *OpenLeveraged) EventID() *uint64 {
	return nil
}

func (c *OpenLeveraged) SourceSequence() int64 {
	return c.Sequence
}

// CloseLeveraged settles one leveraged position at the given price.
type CloseLeveraged struct {
	CommandID uuid.UUID
	Caller    common.Address
	Position  uint64
	Price     int64
	Forced    bool
	Sequence  int64
	Timestamp time.Time
}

func (c *CloseLeveraged) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CloseLeveraged) CommandType() CommandType {
	return CommandTypeCloseLeveraged
}

func (c *CloseLeveraged) EventID() *uint64 {
	return nil
}

func (c *CloseLeveraged) SourceSequence() int64 {
	return c.Sequence
}

// SetLeveraged is the privileged backfill write with explicit derived fields.
type SetLeveraged struct {
	CommandID uuid.UUID
	Caller    common.Address
	Params    perp.SetParams
	Sequence  int64
	Timestamp time.Time
}

func (c *SetLeveraged) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *SetLeveraged) CommandType() CommandType {
	return CommandTypeSetLeveraged
}

func (c *SetLeveraged) EventID() *uint64 {
	return nil
}

func (c *SetLeveraged) SourceSequence() int64 {
	return c.Sequence
}

// OpenBatch applies a list of leveraged opens as one submission.
// Idempotency key: batch_id from the batcher.
type OpenBatch struct {
	BatchID   uuid.UUID
	Caller    common.Address
	Orders    []perp.OpenParams
	Sequence  int64
	Timestamp time.Time
}

func (c *OpenBatch) IdempotencyKey() string {
	return c.BatchID.String()
}

func (c *OpenBatch) CommandType() CommandType {
	return CommandTypeOpenBatch
}

func (c *OpenBatch) EventID() *uint64 {
	return nil
}

func (c *OpenBatch) SourceSequence() int64 {
	return c.Sequence
}

// CloseBatch settles a list of (position, price) pairs as one submission.
type CloseBatch struct {
	BatchID   uuid.UUID
	Caller    common.Address
	Positions []uint64
	Prices    []int64
	Forced    bool
	Sequence  int64
	Timestamp time.Time
}

func (c *CloseBatch) IdempotencyKey() string {
	return c.BatchID.String()
}

func (c *CloseBatch) CommandType() CommandType {
	return CommandTypeCloseBatch
}

func (c *CloseBatch) EventID() *uint64 {
	return nil
}

func (c *CloseBatch) SourceSequence() int64 {
	return c.Sequence
}
