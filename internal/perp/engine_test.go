package perp

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"VenueLedger/internal/access"
	"VenueLedger/internal/ledger"
	"VenueLedger/internal/token"
)

var (
	testVenue = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	batcher   = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	operator  = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	funder    = common.HexToAddress("0x0000000000000000000000000000000000000f00")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a01")

	poolBTC = PoolFromString("BTC")
)

type perpRig struct {
	engine *Engine
	credit *ledger.CreditLedger
	token  *token.GatedToken
}

func newPerpRig(t *testing.T) *perpRig {
	t.Helper()

	registry := access.NewRegistry()
	registry.GrantRole(access.RoleBatcher, batcher)
	registry.GrantRole(access.RoleBatchCloser, batcher)
	registry.GrantRole(access.RoleBatchBurner, batcher)
	registry.GrantRole(access.RoleOperator, operator)

	tok := token.NewGatedToken(testVenue, true)
	credit := ledger.NewCreditLedger(ledger.NewBalanceTracker(), tok, testVenue, ledger.DefaultLimits())

	rig := &perpRig{
		engine: NewEngine(registry, credit, DefaultMaintenanceFraction),
		credit: credit,
		token:  tok,
	}

	tok.Mint(funder, 10_000_000_000_000)
	tok.Approve(funder, 10_000_000_000_000)
	if _, err := credit.TopupSystem(funder, 10_000_000_000_000, "sys", 1); err != nil {
		t.Fatalf("system topup: %v", err)
	}
	tok.Mint(alice, 10_000_000_000)
	tok.Approve(alice, 10_000_000_000)
	if _, err := credit.Topup(alice, 10_000_000_000, "topup", 1); err != nil {
		t.Fatalf("topup: %v", err)
	}

	return rig
}

func btcOrder() OpenParams {
	return OpenParams{
		Account:   alice,
		Pool:      poolBTC,
		Value:     100_000_000,    // 100 USDC margin
		Leverage:  1_000_000_000,  // 1000x
		Price:     42_938_000_000, // 42938.0
		Direction: DirectionLong,
		ClientRef: 777,
		Ref:       "open-1",
		Timestamp: 2_000,
	}
}

func TestOpenLong(t *testing.T) {
	rig := newPerpRig(t)

	res, err := rig.engine.Open(batcher, btcOrder())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pos := res.Position
	if pos.Notional != 100_000_000_000 {
		t.Fatalf("notional = %d, want 100000000000", pos.Notional)
	}
	if pos.LiquidationPrice >= pos.EntryPrice {
		t.Fatalf("long liquidation %d not below entry %d", pos.LiquidationPrice, pos.EntryPrice)
	}
	if pos.ClientRef != 777 {
		t.Fatalf("client ref = %d, want 777", pos.ClientRef)
	}
	if got := rig.credit.GetCredit(alice); got != 9_900_000_000 {
		t.Fatalf("credit after open = %d, want 9900000000", got)
	}
}

func TestOpenShortLiquidationAboveEntry(t *testing.T) {
	rig := newPerpRig(t)

	p := btcOrder()
	p.Direction = DirectionShort
	res, err := rig.engine.Open(batcher, p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Position.LiquidationPrice <= res.Position.EntryPrice {
		t.Fatalf("short liquidation %d not above entry %d", res.Position.LiquidationPrice, res.Position.EntryPrice)
	}
}

func TestOpenValidation(t *testing.T) {
	rig := newPerpRig(t)

	p := btcOrder()
	p.Value = 0
	if _, err := rig.engine.Open(batcher, p); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("zero value: got %v, want ErrInvalidOrder", err)
	}

	p = btcOrder()
	p.Leverage = 500_000 // below 1x
	if _, err := rig.engine.Open(batcher, p); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("low leverage: got %v, want ErrInvalidOrder", err)
	}

	p = btcOrder()
	p.Leverage = 2_000_000_000 // above 1000x
	if _, err := rig.engine.Open(batcher, p); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("high leverage: got %v, want ErrInvalidOrder", err)
	}

	p = btcOrder()
	if _, err := rig.engine.Open(alice, p); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("unauthorized caller: got %v, want ErrPermissionDenied", err)
	}

	p = btcOrder()
	p.Value = 100_000_000_000 // more than alice holds
	if _, err := rig.engine.Open(batcher, p); !errors.Is(err, ledger.ErrInsufficientCredit) {
		t.Fatalf("overdraft: got %v, want ErrInsufficientCredit", err)
	}
}

func TestCloseWithProfit(t *testing.T) {
	rig := newPerpRig(t)
	res, err := rig.engine.Open(batcher, btcOrder())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	before := rig.credit.GetCredit(alice)

	// +0.01% move earns notional/10000 = 10 USDC on 100 USDC margin.
	settle := int64(42_942_293_800) // entry * 1.0001
	closeRes, err := rig.engine.Close(batcher, res.Position.ID, settle, false, "close-1", 3_000)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closeRes.PnL <= 0 {
		t.Fatalf("pnl = %d, want positive", closeRes.PnL)
	}
	if closeRes.Credited != res.Position.Margin+closeRes.PnL {
		t.Fatalf("credited = %d, want margin+pnl = %d", closeRes.Credited, res.Position.Margin+closeRes.PnL)
	}
	if got := rig.credit.GetCredit(alice); got != before+closeRes.Credited {
		t.Fatalf("credit after close = %d, want %d", got, before+closeRes.Credited)
	}
	if closeRes.Position.Status != StatusClosed {
		t.Fatalf("status = %s, want Closed", closeRes.Position.Status)
	}
}

func TestCloseBankruptForfeitsMargin(t *testing.T) {
	rig := newPerpRig(t)
	res, err := rig.engine.Open(batcher, btcOrder())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	before := rig.credit.GetCredit(alice)

	// A -1% move at 1000x wipes ten times the margin.
	settle := int64(42_508_620_000)
	closeRes, err := rig.engine.Close(batcher, res.Position.ID, settle, true, "close-1", 3_000)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closeRes.Credited != 0 {
		t.Fatalf("credited = %d, want 0", closeRes.Credited)
	}
	if closeRes.PnL >= 0 {
		t.Fatalf("pnl = %d, want negative", closeRes.PnL)
	}
	if got := rig.credit.GetCredit(alice); got != before {
		t.Fatalf("credit changed on bankrupt close: %d -> %d", before, got)
	}
	if closeRes.Position.Status != StatusLiquidated {
		t.Fatalf("status = %s, want Liquidated", closeRes.Position.Status)
	}
}

func TestCloseErrors(t *testing.T) {
	rig := newPerpRig(t)
	res, err := rig.engine.Open(batcher, btcOrder())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := rig.engine.Close(batcher, 999, 42_938_000_000, false, "c", 3_000); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("unknown: got %v, want ErrUnknownPosition", err)
	}

	if _, err := rig.engine.Close(alice, res.Position.ID, 42_938_000_000, false, "c", 3_000); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("unauthorized: got %v, want ErrPermissionDenied", err)
	}

	if _, err := rig.engine.Close(operator, res.Position.ID, 42_938_000_000, true, "c", 3_000); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("forced close without burn role: got %v, want ErrPermissionDenied", err)
	}

	if _, err := rig.engine.Close(batcher, res.Position.ID, 42_938_000_000, false, "c", 3_000); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := rig.engine.Close(batcher, res.Position.ID, 42_938_000_000, false, "c2", 3_001); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("double close: got %v, want ErrAlreadyClosed", err)
	}
}

func TestSetPosition(t *testing.T) {
	rig := newPerpRig(t)

	res, err := rig.engine.SetPosition(operator, SetParams{
		Account:          alice,
		Pool:             poolBTC,
		Value:            100_000_000,
		Leverage:         100_000_000, // 100x
		Price:            42_938_000_000,
		LiquidationPrice: 42_600_000_000,
		Direction:        DirectionLong,
		ClientRef:        12,
		Ref:              "set-1",
		Timestamp:        2_000,
	})
	if err != nil {
		t.Fatalf("set position: %v", err)
	}
	if res.Position.LiquidationPrice != 42_600_000_000 {
		t.Fatalf("liquidation price = %d, want 42600000000", res.Position.LiquidationPrice)
	}

	// Derived liquidation price when not supplied.
	res2, err := rig.engine.SetPosition(operator, SetParams{
		Account: alice, Pool: poolBTC, Value: 100_000_000, Leverage: 100_000_000,
		Price: 42_938_000_000, Direction: DirectionShort, Ref: "set-2", Timestamp: 2_001,
	})
	if err != nil {
		t.Fatalf("set position derived: %v", err)
	}
	if res2.Position.LiquidationPrice <= res2.Position.EntryPrice {
		t.Fatal("derived short liquidation not above entry")
	}

	// Liquidation price on the wrong side of entry.
	_, err = rig.engine.SetPosition(operator, SetParams{
		Account: alice, Pool: poolBTC, Value: 100_000_000, Leverage: 100_000_000,
		Price: 42_938_000_000, LiquidationPrice: 43_000_000_000,
		Direction: DirectionLong, Ref: "set-3", Timestamp: 2_002,
	})
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("wrong-side liquidation: got %v, want ErrInvalidOrder", err)
	}

	// Operator role required.
	_, err = rig.engine.SetPosition(batcher, SetParams{
		Account: alice, Pool: poolBTC, Value: 100_000_000, Leverage: 100_000_000,
		Price: 42_938_000_000, Direction: DirectionLong, Ref: "set-4", Timestamp: 2_003,
	})
	if !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	rig := newPerpRig(t)
	res, err := rig.engine.Open(batcher, btcOrder())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	snap := rig.engine.Snapshot()

	restored := NewEngine(nil, rig.credit, DefaultMaintenanceFraction)
	restored.Restore(snap)

	if string(restored.CanonicalBytes()) != string(rig.engine.CanonicalBytes()) {
		t.Fatal("canonical bytes differ after restore")
	}
	pos, err := restored.GetPosition(res.Position.ID)
	if err != nil {
		t.Fatalf("restored position: %v", err)
	}
	if pos.Notional != res.Position.Notional {
		t.Fatalf("notional = %d, want %d", pos.Notional, res.Position.Notional)
	}
}
