package command

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeTopup
	CommandTypeTopupSystem
	CommandTypeWithdraw
	CommandTypeCreateEvent
	CommandTypeResolveInitialPool
	CommandTypeResolveEvent
	CommandTypeBuyPosition
	CommandTypeSellPosition
	CommandTypeOpenLeveraged
	CommandTypeCloseLeveraged
	CommandTypeSetLeveraged
	CommandTypeOpenBatch
	CommandTypeCloseBatch
)

// Envelope wraps every processed command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Event context (nil for global commands like topup)
	EventID *uint64

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 when the source
	// carries no ordering, e.g. the HTTP surface)
	SourceSequence int64

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// EventID returns the market-event context (nil for global commands)
	EventID() *uint64

	// SourceSequence returns upstream ordering key (0 for unordered sources)
	SourceSequence() int64
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeTopup:
		return "Topup"
	case CommandTypeTopupSystem:
		return "TopupSystem"
	case CommandTypeWithdraw:
		return "Withdraw"
	case CommandTypeCreateEvent:
		return "CreateEvent"
	case CommandTypeResolveInitialPool:
		return "ResolveInitialPool"
	case CommandTypeResolveEvent:
		return "ResolveEvent"
	case CommandTypeBuyPosition:
		return "BuyPosition"
	case CommandTypeSellPosition:
		return "SellPosition"
	case CommandTypeOpenLeveraged:
		return "OpenLeveraged"
	case CommandTypeCloseLeveraged:
		return "CloseLeveraged"
	case CommandTypeSetLeveraged:
		return "SetLeveraged"
	case CommandTypeOpenBatch:
		return "OpenBatch"
	case CommandTypeCloseBatch:
		return "CloseBatch"
	default:
		return "Unknown"
	}
}
