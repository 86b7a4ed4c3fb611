package command

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"VenueLedger/internal/market"
)

// CreateEvent registers a market event with its outcomes, optionally
// seeding initial liquidity.
type CreateEvent struct {
	CommandID        uuid.UUID
	Caller           common.Address
	Event            uint64
	StartTime        int64
	ExpireTime       int64
	MarketIDs        []uint32
	Outcomes         []market.OutcomeID
	InitialLiquidity int64
	Sequence         int64
	Timestamp        time.Time
}

func (c *CreateEvent) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CreateEvent) CommandType() CommandType {
	return CommandTypeCreateEvent
}

func (c *CreateEvent) EventID() *uint64 {
	return &c.Event
}

func (c *CreateEvent) SourceSequence() int64 {
	return c.Sequence
}

// ResolveInitialPool establishes the per-outcome pricing baseline and
// opens the event for dynamically priced trading.
type ResolveInitialPool struct {
	CommandID uuid.UUID
	Caller    common.Address
	Event     uint64
	Sequence  int64
	Timestamp time.Time
}

func (c *ResolveInitialPool) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ResolveInitialPool) CommandType() CommandType {
	return CommandTypeResolveInitialPool
}

func (c *ResolveInitialPool) EventID() *uint64 {
	return &c.Event
}

func (c *ResolveInitialPool) SourceSequence() int64 {
	return c.Sequence
}

// ResolveEvent moves an event to its terminal state.
type ResolveEvent struct {
	CommandID uuid.UUID
	Caller    common.Address
	Event     uint64
	Sequence  int64
	Timestamp time.Time
}

func (c *ResolveEvent) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ResolveEvent) CommandType() CommandType {
	return CommandTypeResolveEvent
}

func (c *ResolveEvent) EventID() *uint64 {
	return &c.Event
}

func (c *ResolveEvent) SourceSequence() int64 {
	return c.Sequence
}

// BuyPosition is a signed buy intent against one outcome.
// Idempotency key: command_id; replay protection additionally binds the
// (account, outcome, nonce) tuple inside the engine.
type BuyPosition struct {
	CommandID uuid.UUID
	Account   common.Address
	Amount    int64
	Outcome   market.OutcomeID
	Nonce     uint64
	Signature []byte
	Sequence  int64
	Timestamp time.Time
}

func (c *BuyPosition) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *BuyPosition) CommandType() CommandType {
	return CommandTypeBuyPosition
}

func (c *BuyPosition) EventID() *uint64 {
	return &c.Outcome.EventID
}

func (c *BuyPosition) SourceSequence() int64 {
	return c.Sequence
}

// SellPosition is a signed sell intent against a ticket's positions.
type SellPosition struct {
	CommandID   uuid.UUID
	Account     common.Address
	Ticket      [32]byte
	Amount      int64
	PositionIDs []uint64
	Signature   []byte
	Event       uint64
	Sequence    int64
	Timestamp   time.Time
}

func (c *SellPosition) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *SellPosition) CommandType() CommandType {
	return CommandTypeSellPosition
}

func (c *SellPosition) EventID() *uint64 {
	return &c.Event
}

func (c *SellPosition) SourceSequence() int64 {
	return c.Sequence
}
