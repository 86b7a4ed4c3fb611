package perp

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"VenueLedger/internal/access"
	"VenueLedger/internal/ledger"
	fpmath "VenueLedger/internal/math"
)

// Leverage bounds, 1e6 fixed-point. The venue admits 1x through 1000x.
const (
	MinLeverage = 1_000_000
	MaxLeverage = 1_000_000_000
)

// DefaultMaintenanceFraction is the fraction of initial margin (1e6 scale)
// preserved at the liquidation price.
const DefaultMaintenanceFraction = 5_000

// Engine is the leveraged-position side of the venue. Orders arrive already
// priced by the admitted batch; the engine stakes margin, derives the
// liquidation price and settles closes through the shared credit ledger.
//
// Not safe for concurrent use; the deterministic core is the only writer.
type Engine struct {
	directory access.Directory
	credit    *ledger.CreditLedger

	positions map[uint64]*Position
	nextID    uint64

	maintenanceFraction int64
}

func NewEngine(directory access.Directory, credit *ledger.CreditLedger, maintenanceFraction int64) *Engine {
	if maintenanceFraction <= 0 || maintenanceFraction >= fpmath.LeverageConfig.Scale {
		maintenanceFraction = DefaultMaintenanceFraction
	}
	return &Engine{
		directory:           directory,
		credit:              credit,
		positions:           make(map[uint64]*Position),
		nextID:              1,
		maintenanceFraction: maintenanceFraction,
	}
}

// OpenParams is an admitted leveraged order.
type OpenParams struct {
	Account   common.Address
	Pool      Pool
	Value     int64 // margin to stake
	Leverage  int64 // 1e6 scale
	Price     int64 // admitted entry price
	Direction Direction
	ClientRef uint64
	Ref       string
	Timestamp int64
}

// OpenResult reports the admitted position.
type OpenResult struct {
	Position *Position
	Batch    *ledger.Batch
}

// Open stakes the order's value as margin and records the position. Callers
// need BATCHER_ROLE or OPERATOR_ROLE; end users reach this path through the
// batch coordinator only.
func (e *Engine) Open(caller common.Address, p OpenParams) (*OpenResult, error) {
	if !e.directory.HasRole(access.RoleBatcher, caller) && !e.directory.HasRole(access.RoleOperator, caller) {
		return nil, fmt.Errorf("%w: %s cannot open leveraged positions", access.ErrPermissionDenied, caller.Hex())
	}
	if err := validateOrder(p.Value, p.Leverage, p.Price); err != nil {
		return nil, err
	}

	batch, err := e.credit.Stake(p.Account, p.Value, p.Ref, ledger.JournalTypeMargin, p.Timestamp)
	if err != nil {
		return nil, err
	}

	pos := &Position{
		ID:               e.nextID,
		Owner:            p.Account,
		Pool:             p.Pool,
		Margin:           p.Value,
		Leverage:         p.Leverage,
		Notional:         fpmath.ComputeNotional(p.Value, p.Leverage),
		Direction:        p.Direction,
		EntryPrice:       p.Price,
		LiquidationPrice: fpmath.ComputeLiquidationPrice(p.Price, p.Leverage, e.maintenanceFraction, p.Direction.Sign()),
		Status:           StatusOpen,
		ClientRef:        p.ClientRef,
		OpenedAt:         p.Timestamp,
	}
	e.nextID++
	e.positions[pos.ID] = pos

	return &OpenResult{Position: pos, Batch: batch}, nil
}

// CloseResult reports a settled close.
type CloseResult struct {
	Position *Position
	PnL      int64
	Credited int64
	Batch    *ledger.Batch
}

// Close settles a position at the given price. Forced closes (liquidations)
// need BATCHER_BURN_ROLE; voluntary closes need BATCHER_CLOSE_ROLE or
// OPERATOR_ROLE. The owner receives margin plus PnL floored at zero;
// bankrupt positions forfeit the margin to the pool.
func (e *Engine) Close(caller common.Address, id uint64, settlePrice int64, forced bool, ref string, timestamp int64) (*CloseResult, error) {
	if forced {
		if !e.directory.HasRole(access.RoleBatchBurner, caller) {
			return nil, fmt.Errorf("%w: %s cannot force-close", access.ErrPermissionDenied, caller.Hex())
		}
	} else if !e.directory.HasRole(access.RoleBatchCloser, caller) && !e.directory.HasRole(access.RoleOperator, caller) {
		return nil, fmt.Errorf("%w: %s cannot close leveraged positions", access.ErrPermissionDenied, caller.Hex())
	}

	pos, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	if pos.Status != StatusOpen {
		return nil, fmt.Errorf("%w: %d is %s", ErrAlreadyClosed, id, pos.Status)
	}
	if settlePrice <= 0 {
		return nil, fmt.Errorf("%w: settlement price %d", ErrInvalidOrder, settlePrice)
	}

	pnl := fpmath.ComputeLeveragedPnL(pos.Direction.Sign(), pos.EntryPrice, settlePrice, pos.Notional)
	credited := pos.Margin + pnl
	if credited < 0 {
		credited = 0
	}

	var batch *ledger.Batch
	if credited > 0 {
		var err error
		batch, err = e.credit.Payout(pos.Owner, credited, ref, ledger.JournalTypeSettlement, timestamp)
		if err != nil {
			return nil, err
		}
	}

	pos.Status = StatusClosed
	if forced {
		pos.Status = StatusLiquidated
	}
	pos.ClosedAt = timestamp
	pos.ClosePrice = settlePrice
	pos.RealizedPnL = pnl

	return &CloseResult{Position: pos, PnL: pnl, Credited: credited, Batch: batch}, nil
}

// SetParams is the administrative backfill form of an open: every derived
// field is explicit.
type SetParams struct {
	Account          common.Address
	Pool             Pool
	Value            int64
	Leverage         int64
	Price            int64
	LiquidationPrice int64 // zero derives it from price and leverage
	Direction        Direction
	ClientRef        uint64
	Ref              string
	Timestamp        int64
}

// SetPosition records a position with operator-supplied fields. It stakes
// margin like a normal open and enforces the same invariants, including the
// liquidation price sitting on the loss side of entry. Requires
// OPERATOR_ROLE.
func (e *Engine) SetPosition(caller common.Address, p SetParams) (*OpenResult, error) {
	if !e.directory.HasRole(access.RoleOperator, caller) {
		return nil, fmt.Errorf("%w: %s lacks OPERATOR_ROLE", access.ErrPermissionDenied, caller.Hex())
	}
	if err := validateOrder(p.Value, p.Leverage, p.Price); err != nil {
		return nil, err
	}

	liq := p.LiquidationPrice
	if liq == 0 {
		liq = fpmath.ComputeLiquidationPrice(p.Price, p.Leverage, e.maintenanceFraction, p.Direction.Sign())
	}
	switch p.Direction {
	case DirectionLong:
		if liq >= p.Price {
			return nil, fmt.Errorf("%w: long liquidation price %d not below entry %d", ErrInvalidOrder, liq, p.Price)
		}
	case DirectionShort:
		if liq <= p.Price {
			return nil, fmt.Errorf("%w: short liquidation price %d not above entry %d", ErrInvalidOrder, liq, p.Price)
		}
	}

	batch, err := e.credit.Stake(p.Account, p.Value, p.Ref, ledger.JournalTypeMargin, p.Timestamp)
	if err != nil {
		return nil, err
	}

	pos := &Position{
		ID:               e.nextID,
		Owner:            p.Account,
		Pool:             p.Pool,
		Margin:           p.Value,
		Leverage:         p.Leverage,
		Notional:         fpmath.ComputeNotional(p.Value, p.Leverage),
		Direction:        p.Direction,
		EntryPrice:       p.Price,
		LiquidationPrice: liq,
		Status:           StatusOpen,
		ClientRef:        p.ClientRef,
		OpenedAt:         p.Timestamp,
	}
	e.nextID++
	e.positions[pos.ID] = pos

	return &OpenResult{Position: pos, Batch: batch}, nil
}

// GetPosition returns a position by id.
func (e *Engine) GetPosition(id uint64) (*Position, error) {
	pos, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return pos, nil
}

func validateOrder(value, leverage, price int64) error {
	if value <= 0 {
		return fmt.Errorf("%w: value %d", ErrInvalidOrder, value)
	}
	if leverage < MinLeverage || leverage > MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside [%d, %d]", ErrInvalidOrder, leverage, MinLeverage, MaxLeverage)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price %d", ErrInvalidOrder, price)
	}
	return nil
}

// CanonicalBytes returns a deterministic serialization of the engine state
// for the state-hash chain.
func (e *Engine) CanonicalBytes() []byte {
	buf := make([]byte, 0, 512)
	buf = appendUint64LE(buf, e.nextID)

	ids := make([]uint64, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		buf = append(buf, e.positions[id].CanonicalBytes()...)
	}

	return buf
}

// Snapshot captures the engine state in deterministic order.
func (e *Engine) Snapshot() *EngineSnapshot {
	snap := &EngineSnapshot{NextID: e.nextID}

	ids := make([]uint64, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		snap.Positions = append(snap.Positions, *e.positions[id])
	}

	return snap
}

// Restore replaces the engine state from a snapshot.
func (e *Engine) Restore(snap *EngineSnapshot) {
	e.nextID = snap.NextID
	if e.nextID == 0 {
		e.nextID = 1
	}
	e.positions = make(map[uint64]*Position, len(snap.Positions))
	for i := range snap.Positions {
		pos := snap.Positions[i]
		e.positions[pos.ID] = &pos
	}
}

// EngineSnapshot is the serializable form of the leveraged book.
type EngineSnapshot struct {
	NextID    uint64     `json:"next_id"`
	Positions []Position `json:"positions"`
}
