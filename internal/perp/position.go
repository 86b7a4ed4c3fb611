package perp

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownPosition is returned when a position id does not exist.
	ErrUnknownPosition = errors.New("perp: unknown position")

	// ErrAlreadyClosed is returned when closing a position that is not open.
	ErrAlreadyClosed = errors.New("perp: position already closed")

	// ErrInvalidOrder is returned when an open request carries unusable
	// value, leverage or price.
	ErrInvalidOrder = errors.New("perp: invalid order")
)

// Direction is the position side.
type Direction int32

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "Long"
	case DirectionShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for long, -1 for short.
func (d Direction) Sign() int64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Status is the position lifecycle. Liquidated marks forced closes.
type Status int32

const (
	StatusOpen Status = iota
	StatusClosed
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClosed:
		return "Closed"
	case StatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// Pool identifies the traded pool, a right-padded ASCII tag ("BTC", "ETH").
type Pool [32]byte

// PoolFromString builds a pool tag from its name.
func PoolFromString(name string) Pool {
	var p Pool
	copy(p[:], name)
	return p
}

func (p Pool) String() string {
	end := 0
	for end < len(p) && p[end] != 0 {
		end++
	}
	return string(p[:end])
}

// Position is one leveraged position. Margin is the staked credit; notional
// is margin scaled by leverage. Closed positions are retained.
type Position struct {
	ID               uint64
	Owner            common.Address
	Pool             Pool
	Margin           int64 // staked credit, quote scale
	Leverage         int64 // 1e6 scale (1000000000 = 1000x)
	Notional         int64 // quote scale
	Direction        Direction
	EntryPrice       int64 // price scale
	LiquidationPrice int64 // price scale
	Status           Status
	ClientRef        uint64 // caller-supplied correlation id
	OpenedAt         int64  // epoch microseconds
	ClosedAt         int64
	ClosePrice       int64
	RealizedPnL      int64
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = appendUint64LE(buf, p.ID)
	buf = append(buf, p.Owner.Bytes()...)
	buf = append(buf, p.Pool[:]...)
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.Notional)
	buf = append(buf, byte(p.Direction))
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.LiquidationPrice)
	buf = append(buf, byte(p.Status))
	buf = appendUint64LE(buf, p.ClientRef)
	buf = appendInt64LE(buf, p.OpenedAt)
	buf = appendInt64LE(buf, p.ClosedAt)
	buf = appendInt64LE(buf, p.ClosePrice)
	buf = appendInt64LE(buf, p.RealizedPnL)

	return buf
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
