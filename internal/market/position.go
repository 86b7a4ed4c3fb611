package market

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownPosition is returned when a position id does not exist or
	// does not belong to the acting ticket.
	ErrUnknownPosition = errors.New("market: unknown position")

	// ErrUnknownTicket is returned when a ticket id does not exist or is
	// not owned by the acting account.
	ErrUnknownTicket = errors.New("market: unknown ticket")

	// ErrPositionNotOpen is returned when a listed position has already
	// been closed.
	ErrPositionNotOpen = errors.New("market: position not open")

	// ErrAmountExceedsTicket is returned when a sell amount exceeds the
	// aggregate open stake of the listed positions.
	ErrAmountExceedsTicket = errors.New("market: amount exceeds ticket holdings")
)

// PositionStatus is the position lifecycle.
type PositionStatus int32

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "Open"
	case PositionStatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Position is one admitted stake on one outcome. Amount is the remaining
// open stake; sells reduce it and close the position at zero. Closed
// positions are retained.
type Position struct {
	ID         uint64
	Owner      common.Address
	Outcome    OutcomeID
	Amount     int64 // remaining open stake, quote scale
	EntryPrice int64 // admitted price, price scale
	Status     PositionStatus
	OpenedAt   int64 // epoch microseconds
	ClosedAt   int64 // epoch microseconds, zero while open
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = appendUint64LE(buf, p.ID)
	buf = append(buf, p.Owner.Bytes()...)

	word := p.Outcome.Word32()
	buf = append(buf, word[:]...)

	buf = appendInt64LE(buf, p.Amount)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = append(buf, byte(p.Status))
	buf = appendInt64LE(buf, p.OpenedAt)
	buf = appendInt64LE(buf, p.ClosedAt)

	return buf
}

// Ticket groups one account's positions under one outcome.
type Ticket struct {
	ID          [32]byte
	Owner       common.Address
	Outcome     OutcomeID
	PositionIDs []uint64
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
