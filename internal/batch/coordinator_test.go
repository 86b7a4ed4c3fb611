package batch

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"VenueLedger/internal/access"
	"VenueLedger/internal/ledger"
	"VenueLedger/internal/perp"
	"VenueLedger/internal/token"
)

var (
	testVenue = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	batcher   = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	funder    = common.HexToAddress("0x0000000000000000000000000000000000000f00")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000a02")

	poolBTC = perp.PoolFromString("BTC")
)

type batchRig struct {
	coord  *Coordinator
	engine *perp.Engine
	credit *ledger.CreditLedger
}

func newBatchRig(t *testing.T) *batchRig {
	t.Helper()

	registry := access.NewRegistry()
	registry.GrantRole(access.RoleBatcher, batcher)
	registry.GrantRole(access.RoleBatchCloser, batcher)
	registry.GrantRole(access.RoleBatchBurner, batcher)

	tok := token.NewGatedToken(testVenue, true)
	credit := ledger.NewCreditLedger(ledger.NewBalanceTracker(), tok, testVenue, ledger.DefaultLimits())
	engine := perp.NewEngine(registry, credit, perp.DefaultMaintenanceFraction)

	tok.Mint(funder, 10_000_000_000_000)
	tok.Approve(funder, 10_000_000_000_000)
	if _, err := credit.TopupSystem(funder, 10_000_000_000_000, "sys", 1); err != nil {
		t.Fatalf("system topup: %v", err)
	}
	for _, acct := range []common.Address{alice, bob} {
		tok.Mint(acct, 1_000_000_000)
		tok.Approve(acct, 1_000_000_000)
		if _, err := credit.Topup(acct, 1_000_000_000, "topup", 1); err != nil {
			t.Fatalf("topup %s: %v", acct.Hex(), err)
		}
	}

	return &batchRig{
		coord:  NewCoordinator(registry, engine),
		engine: engine,
		credit: credit,
	}
}

func order(acct common.Address, dir perp.Direction) perp.OpenParams {
	return perp.OpenParams{
		Account:   acct,
		Pool:      poolBTC,
		Value:     100_000_000,
		Leverage:  10_000_000, // 10x
		Price:     42_938_000_000,
		Direction: dir,
		Ref:       "batch-1",
		Timestamp: 2_000,
	}
}

func TestOpenBatchAllApplied(t *testing.T) {
	rig := newBatchRig(t)

	items, err := rig.coord.OpenBatch(batcher, []perp.OpenParams{
		order(alice, perp.DirectionLong),
		order(bob, perp.DirectionShort),
	})
	if err != nil {
		t.Fatalf("open batch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for _, item := range items {
		if item.Err != nil {
			t.Fatalf("item %d failed: %v", item.Index, item.Err)
		}
		if item.Position.Status != perp.StatusOpen {
			t.Fatalf("item %d status = %s, want Open", item.Index, item.Position.Status)
		}
	}
	if got := rig.credit.GetCredit(alice); got != 900_000_000 {
		t.Fatalf("alice credit = %d, want 900000000", got)
	}
}

func TestOpenBatchPartialSuccess(t *testing.T) {
	rig := newBatchRig(t)

	bad := order(bob, perp.DirectionLong)
	bad.Value = 5_000_000_000 // more than bob holds

	items, err := rig.coord.OpenBatch(batcher, []perp.OpenParams{
		order(alice, perp.DirectionLong),
		bad,
		order(bob, perp.DirectionShort),
	})
	if err != nil {
		t.Fatalf("open batch: %v", err)
	}
	if items[0].Err != nil || items[2].Err != nil {
		t.Fatalf("good items failed: %v, %v", items[0].Err, items[2].Err)
	}
	if !errors.Is(items[1].Err, ledger.ErrInsufficientCredit) {
		t.Fatalf("item 1: got %v, want ErrInsufficientCredit", items[1].Err)
	}
	if items[1].Position != nil {
		t.Fatal("failed item carries a position")
	}
	// The failed item must not have touched bob's balance.
	if got := rig.credit.GetCredit(bob); got != 900_000_000 {
		t.Fatalf("bob credit = %d, want 900000000", got)
	}
}

func TestOpenBatchAuthorization(t *testing.T) {
	rig := newBatchRig(t)

	_, err := rig.coord.OpenBatch(alice, []perp.OpenParams{order(alice, perp.DirectionLong)})
	if !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}

	if _, err := rig.coord.OpenBatch(batcher, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("got %v, want ErrEmptyBatch", err)
	}
}

func TestCloseBatchLengthMismatch(t *testing.T) {
	rig := newBatchRig(t)

	items, err := rig.coord.OpenBatch(batcher, []perp.OpenParams{
		order(alice, perp.DirectionLong),
		order(bob, perp.DirectionShort),
	})
	if err != nil {
		t.Fatalf("open batch: %v", err)
	}

	_, err = rig.coord.CloseBatch(batcher, []uint64{1, 2}, []int64{42_938_000_000}, false, "close", 3_000)
	if !errors.Is(err, ErrArrayLengthMismatch) {
		t.Fatalf("got %v, want ErrArrayLengthMismatch", err)
	}

	// Nothing was applied.
	for _, item := range items {
		pos, err := rig.engine.GetPosition(item.Position.ID)
		if err != nil {
			t.Fatalf("get position: %v", err)
		}
		if pos.Status != perp.StatusOpen {
			t.Fatalf("position %d status = %s after rejected batch", pos.ID, pos.Status)
		}
	}
}

func TestCloseBatchMixedResults(t *testing.T) {
	rig := newBatchRig(t)

	if _, err := rig.coord.OpenBatch(batcher, []perp.OpenParams{order(alice, perp.DirectionLong)}); err != nil {
		t.Fatalf("open batch: %v", err)
	}

	items, err := rig.coord.CloseBatch(batcher, []uint64{1, 99}, []int64{42_938_000_000, 42_938_000_000}, false, "close", 3_000)
	if err != nil {
		t.Fatalf("close batch: %v", err)
	}
	if items[0].Err != nil {
		t.Fatalf("item 0 failed: %v", items[0].Err)
	}
	if items[0].Position.Status != perp.StatusClosed {
		t.Fatalf("item 0 status = %s, want Closed", items[0].Position.Status)
	}
	if items[0].Credited != 100_000_000 {
		t.Fatalf("flat close credited %d, want 100000000", items[0].Credited)
	}
	if !errors.Is(items[1].Err, perp.ErrUnknownPosition) {
		t.Fatalf("item 1: got %v, want ErrUnknownPosition", items[1].Err)
	}
}

func TestCloseBatchForcedLiquidates(t *testing.T) {
	rig := newBatchRig(t)

	if _, err := rig.coord.OpenBatch(batcher, []perp.OpenParams{order(alice, perp.DirectionLong)}); err != nil {
		t.Fatalf("open batch: %v", err)
	}

	// -15% at 10x wipes the margin.
	items, err := rig.coord.CloseBatch(batcher, []uint64{1}, []int64{36_497_300_000}, true, "liq", 3_000)
	if err != nil {
		t.Fatalf("close batch: %v", err)
	}
	if items[0].Err != nil {
		t.Fatalf("item 0 failed: %v", items[0].Err)
	}
	if items[0].Position.Status != perp.StatusLiquidated {
		t.Fatalf("status = %s, want Liquidated", items[0].Position.Status)
	}
	if items[0].Credited != 0 {
		t.Fatalf("credited = %d, want 0", items[0].Credited)
	}
}
