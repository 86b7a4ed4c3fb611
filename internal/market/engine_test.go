package market

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"VenueLedger/internal/access"
	"VenueLedger/internal/intent"
	"VenueLedger/internal/ledger"
	"VenueLedger/internal/token"
)

var (
	testVenue = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	booker    = common.HexToAddress("0x0000000000000000000000000000000000000b00")
	resolver  = common.HexToAddress("0x0000000000000000000000000000000000000c00")
	funder    = common.HexToAddress("0x0000000000000000000000000000000000000f00")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a01")
)

type marketRig struct {
	engine    *Engine
	credit    *ledger.CreditLedger
	token     *token.GatedToken
	registry  *access.Registry
	signerKey *ecdsa.PrivateKey
}

func newMarketRig(t *testing.T) *marketRig {
	t.Helper()

	signerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate signer key: %v", err)
	}

	registry := access.NewRegistry()
	registry.GrantRole(access.RoleBooker, booker)
	registry.GrantRole(access.RoleResolver, resolver)
	registry.GrantRole(access.RoleSigner, crypto.PubkeyToAddress(signerKey.PublicKey))

	tok := token.NewGatedToken(testVenue, true)
	credit := ledger.NewCreditLedger(ledger.NewBalanceTracker(), tok, testVenue, ledger.DefaultLimits())

	engine := NewEngine(
		registry,
		intent.NewVerifier(registry, access.RoleSigner),
		intent.NewReplayGuard(),
		credit,
		testVenue,
	)

	return &marketRig{
		engine:    engine,
		credit:    credit,
		token:     tok,
		registry:  registry,
		signerKey: signerKey,
	}
}

func (r *marketRig) fundUser(t *testing.T, account common.Address, amount int64) {
	t.Helper()
	r.token.Mint(account, amount)
	r.token.Approve(account, amount)
	if _, err := r.credit.Topup(account, amount, "topup", 1); err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func (r *marketRig) fundPlatform(t *testing.T, amount int64) {
	t.Helper()
	r.token.Mint(funder, amount)
	r.token.Approve(funder, amount)
	if _, err := r.credit.TopupSystem(funder, amount, "sys-topup", 1); err != nil {
		t.Fatalf("system topup: %v", err)
	}
}

func (r *marketRig) signBuy(t *testing.T, p BuyParams) []byte {
	t.Helper()
	digest := intent.BuyIntent{
		Venue:   testVenue,
		Account: p.Account,
		Amount:  p.Amount,
		Outcome: p.Outcome.Word32(),
		Nonce:   p.Nonce,
	}.Digest()
	sig, err := crypto.Sign(intent.PersonalSignHash(digest).Bytes(), r.signerKey)
	if err != nil {
		t.Fatalf("sign buy: %v", err)
	}
	return sig
}

func (r *marketRig) signSell(t *testing.T, p SellParams) []byte {
	t.Helper()
	digest := intent.SellIntent{
		Venue:       testVenue,
		Account:     p.Account,
		Ticket:      p.TicketID,
		Amount:      p.Amount,
		PositionIDs: p.PositionIDs,
	}.Digest()
	sig, err := crypto.Sign(intent.PersonalSignHash(digest).Bytes(), r.signerKey)
	if err != nil {
		t.Fatalf("sign sell: %v", err)
	}
	return sig
}

func (r *marketRig) buy(t *testing.T, p BuyParams) *BuyResult {
	t.Helper()
	p.Signature = r.signBuy(t, p)
	res, err := r.engine.BuyPosition(p)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	return res
}

var (
	outcomeHome = OutcomeID{EventID: 25, MarketID: 1, Index: 0}
	outcomeAway = OutcomeID{EventID: 25, MarketID: 1, Index: 1}
)

func (r *marketRig) createSeededEvent(t *testing.T) *Event {
	t.Helper()
	evt, err := r.engine.CreateEvent(CreateEventParams{
		Caller:           booker,
		EventID:          25,
		StartTime:        1_000,
		ExpireTime:       1_000_000_000,
		MarketIDs:        []uint32{1},
		Outcomes:         []OutcomeID{outcomeHome, outcomeAway},
		InitialLiquidity: 1_000_000_000_000,
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return evt
}

func TestCreateEventLifecycle(t *testing.T) {
	rig := newMarketRig(t)

	evt := rig.createSeededEvent(t)
	if evt.Status != EventStateInitialPending {
		t.Fatalf("seeded event status = %s, want InitialPending", evt.Status)
	}

	plain, err := rig.engine.CreateEvent(CreateEventParams{
		Caller:     booker,
		EventID:    26,
		ExpireTime: 1_000_000_000,
		MarketIDs:  []uint32{1},
	})
	if err != nil {
		t.Fatalf("create plain event: %v", err)
	}
	if plain.Status != EventStateCreated {
		t.Fatalf("plain event status = %s, want Created", plain.Status)
	}

	_, err = rig.engine.CreateEvent(CreateEventParams{Caller: booker, EventID: 25})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("got %v, want ErrDuplicateEvent", err)
	}

	_, err = rig.engine.CreateEvent(CreateEventParams{Caller: alice, EventID: 27})
	if !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
}

func TestResolveInitialPool(t *testing.T) {
	rig := newMarketRig(t)
	rig.createSeededEvent(t)

	evt, err := rig.engine.ResolveInitialPool(resolver, 25)
	if err != nil {
		t.Fatalf("resolve initial: %v", err)
	}
	if evt.Status != EventStateInitialResolved {
		t.Fatalf("status = %s, want InitialResolved", evt.Status)
	}
	if int32(evt.Status) != 2 {
		t.Fatalf("status value = %d, want 2", evt.Status)
	}

	// Balanced book prices both outcomes at par over two.
	if got := evt.LastPrices[outcomeHome]; got != 500_000 {
		t.Fatalf("baseline price = %d, want 500000", got)
	}

	_, err = rig.engine.ResolveInitialPool(resolver, 25)
	if !errors.Is(err, ErrEventStateMismatch) {
		t.Fatalf("double resolve: got %v, want ErrEventStateMismatch", err)
	}

	_, err = rig.engine.ResolveInitialPool(booker, 25)
	if !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}

	_, err = rig.engine.ResolveInitialPool(resolver, 99)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("got %v, want ErrUnknownEvent", err)
	}
}

func TestResolveEventTerminal(t *testing.T) {
	rig := newMarketRig(t)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}

	evt, err := rig.engine.ResolveEvent(resolver, 25)
	if err != nil {
		t.Fatalf("resolve event: %v", err)
	}
	if evt.Status != EventStateResolved {
		t.Fatalf("status = %s, want Resolved", evt.Status)
	}

	_, err = rig.engine.ResolveEvent(resolver, 25)
	if !errors.Is(err, ErrEventStateMismatch) {
		t.Fatalf("double resolve: got %v, want ErrEventStateMismatch", err)
	}
}

func TestBuySellRoundTrip(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundPlatform(t, 1_000_000_000_000)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}

	res := rig.buy(t, BuyParams{
		Account: alice, Amount: 10_000_000, Outcome: outcomeHome,
		Nonce: 1, Ref: "buy-1", Timestamp: 2_000,
	})
	if got := rig.credit.GetCredit(alice); got != 990_000_000 {
		t.Fatalf("credit after buy = %d, want 990000000", got)
	}
	if res.Position.EntryPrice != 500_000 {
		t.Fatalf("entry price = %d, want 500000", res.Position.EntryPrice)
	}
	if got, _ := rig.engine.GetOutcomeVolume(outcomeHome); got != 10_000_000 {
		t.Fatalf("outcome volume = %d, want 10000000", got)
	}
	if got, _ := rig.engine.GetEventVolume(25); got != 10_000_000 {
		t.Fatalf("event volume = %d, want 10000000", got)
	}

	sellParams := SellParams{
		Account: alice, TicketID: res.TicketID, Amount: 10_000_000,
		PositionIDs: []uint64{res.Position.ID}, Ref: "sell-1", Timestamp: 3_000,
	}
	sellParams.Signature = rig.signSell(t, sellParams)
	sellRes, err := rig.engine.SellPosition(sellParams)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sellRes.Payout != 10_000_000 {
		t.Fatalf("payout = %d, want 10000000", sellRes.Payout)
	}
	if got := rig.credit.GetCredit(alice); got != 1_000_000_000 {
		t.Fatalf("credit after sell = %d, want 1000000000", got)
	}

	pos, err := rig.engine.GetPosition(res.Position.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Status != PositionStatusClosed || pos.Amount != 0 {
		t.Fatalf("position not closed: status=%s amount=%d", pos.Status, pos.Amount)
	}
	if got, _ := rig.engine.GetEventVolume(25); got != 0 {
		t.Fatalf("event volume after sell = %d, want 0", got)
	}
}

func TestBuyErrors(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundUser(t, alice, 100_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}

	// Insufficient credit.
	p := BuyParams{Account: alice, Amount: 200_000_000, Outcome: outcomeHome, Nonce: 1, Ref: "buy", Timestamp: 2_000}
	p.Signature = rig.signBuy(t, p)
	if _, err := rig.engine.BuyPosition(p); !errors.Is(err, ledger.ErrInsufficientCredit) {
		t.Fatalf("got %v, want ErrInsufficientCredit", err)
	}

	// Unauthorized signer.
	strangerKey, _ := crypto.GenerateKey()
	p2 := BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 2, Ref: "buy", Timestamp: 2_000}
	digest := intent.BuyIntent{
		Venue: testVenue, Account: alice, Amount: p2.Amount,
		Outcome: outcomeHome.Word32(), Nonce: p2.Nonce,
	}.Digest()
	p2.Signature, _ = crypto.Sign(intent.PersonalSignHash(digest).Bytes(), strangerKey)
	if _, err := rig.engine.BuyPosition(p2); !errors.Is(err, intent.ErrUnauthorizedSigner) {
		t.Fatalf("got %v, want ErrUnauthorizedSigner", err)
	}

	// Unknown event.
	p3 := BuyParams{
		Account: alice, Amount: 10_000_000,
		Outcome: OutcomeID{EventID: 99, MarketID: 1, Index: 0},
		Nonce:   3, Ref: "buy", Timestamp: 2_000,
	}
	p3.Signature = rig.signBuy(t, p3)
	if _, err := rig.engine.BuyPosition(p3); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("got %v, want ErrUnknownEvent", err)
	}
}

func TestBuyNonceReplay(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}

	p := BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 7, Ref: "buy-1", Timestamp: 2_000}
	p.Signature = rig.signBuy(t, p)
	if _, err := rig.engine.BuyPosition(p); err != nil {
		t.Fatalf("first buy: %v", err)
	}

	p.Ref = "buy-2"
	if _, err := rig.engine.BuyPosition(p); !errors.Is(err, intent.ErrReplayedIntent) {
		t.Fatalf("got %v, want ErrReplayedIntent", err)
	}

	// Same nonce on the other outcome is a distinct tuple.
	p2 := BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeAway, Nonce: 7, Ref: "buy-3", Timestamp: 2_000}
	p2.Signature = rig.signBuy(t, p2)
	if _, err := rig.engine.BuyPosition(p2); err != nil {
		t.Fatalf("buy on other outcome: %v", err)
	}
}

func TestBuyOnExpiredEvent(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}

	p := BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 1, Ref: "buy", Timestamp: 2_000_000_000}
	p.Signature = rig.signBuy(t, p)
	if _, err := rig.engine.BuyPosition(p); !errors.Is(err, ErrEventExpired) {
		t.Fatalf("got %v, want ErrEventExpired", err)
	}
}

func TestBuyOnUnopenedEvent(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundUser(t, alice, 1_000_000_000)

	if _, err := rig.engine.CreateEvent(CreateEventParams{
		Caller: booker, EventID: 30, ExpireTime: 1_000_000_000, MarketIDs: []uint32{1},
	}); err != nil {
		t.Fatalf("create event: %v", err)
	}

	p := BuyParams{
		Account: alice, Amount: 10_000_000,
		Outcome: OutcomeID{EventID: 30, MarketID: 1, Index: 0},
		Nonce:   1, Ref: "buy", Timestamp: 2_000,
	}
	p.Signature = rig.signBuy(t, p)
	if _, err := rig.engine.BuyPosition(p); !errors.Is(err, ErrEventStateMismatch) {
		t.Fatalf("got %v, want ErrEventStateMismatch", err)
	}
}

func TestBlindBidAdmitsAtPar(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)

	res := rig.buy(t, BuyParams{
		Account: alice, Amount: 10_000_000, Outcome: outcomeHome,
		Nonce: 1, Ref: "buy-blind", Timestamp: 2_000,
	})
	if res.Position.EntryPrice != 1_000_000 {
		t.Fatalf("blind bid entry price = %d, want 1000000", res.Position.EntryPrice)
	}
}

func TestSellPartialAcrossPositions(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundPlatform(t, 1_000_000_000_000)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}

	first := rig.buy(t, BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 1, Ref: "buy-1", Timestamp: 2_000})
	second := rig.buy(t, BuyParams{Account: alice, Amount: 20_000_000, Outcome: outcomeHome, Nonce: 2, Ref: "buy-2", Timestamp: 2_001})

	// Liquidate 15M: the first position closes fully, the second reduces.
	p := SellParams{
		Account: alice, TicketID: first.TicketID, Amount: 15_000_000,
		PositionIDs: []uint64{first.Position.ID, second.Position.ID},
		Ref:         "sell-1", Timestamp: 3_000,
	}
	p.Signature = rig.signSell(t, p)
	res, err := rig.engine.SellPosition(p)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if len(res.ClosedPositions) != 1 || res.ClosedPositions[0] != first.Position.ID {
		t.Fatalf("closed positions = %v, want [%d]", res.ClosedPositions, first.Position.ID)
	}

	pos2, _ := rig.engine.GetPosition(second.Position.ID)
	if pos2.Status != PositionStatusOpen || pos2.Amount != 15_000_000 {
		t.Fatalf("second position: status=%s amount=%d, want Open 15000000", pos2.Status, pos2.Amount)
	}

	// Volume invariant: outcome volume equals the sum of open amounts.
	vol, _ := rig.engine.GetOutcomeVolume(outcomeHome)
	if vol != 15_000_000 {
		t.Fatalf("outcome volume = %d, want 15000000", vol)
	}
}

func TestSellErrors(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundPlatform(t, 1_000_000_000_000)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}
	res := rig.buy(t, BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 1, Ref: "buy-1", Timestamp: 2_000})

	// Unknown ticket.
	p := SellParams{Account: alice, TicketID: [32]byte{1}, Amount: 1_000_000, PositionIDs: []uint64{res.Position.ID}, Ref: "s", Timestamp: 3_000}
	p.Signature = rig.signSell(t, p)
	if _, err := rig.engine.SellPosition(p); !errors.Is(err, ErrUnknownTicket) {
		t.Fatalf("got %v, want ErrUnknownTicket", err)
	}

	// Amount exceeds listed open stake.
	p = SellParams{Account: alice, TicketID: res.TicketID, Amount: 20_000_000, PositionIDs: []uint64{res.Position.ID}, Ref: "s", Timestamp: 3_000}
	p.Signature = rig.signSell(t, p)
	if _, err := rig.engine.SellPosition(p); !errors.Is(err, ErrAmountExceedsTicket) {
		t.Fatalf("got %v, want ErrAmountExceedsTicket", err)
	}

	// Full liquidation, then the position is no longer open.
	p = SellParams{Account: alice, TicketID: res.TicketID, Amount: 10_000_000, PositionIDs: []uint64{res.Position.ID}, Ref: "s1", Timestamp: 3_000}
	p.Signature = rig.signSell(t, p)
	if _, err := rig.engine.SellPosition(p); err != nil {
		t.Fatalf("sell: %v", err)
	}

	p = SellParams{Account: alice, TicketID: res.TicketID, Amount: 1_000_000, PositionIDs: []uint64{res.Position.ID}, Ref: "s2", Timestamp: 3_001}
	p.Signature = rig.signSell(t, p)
	if _, err := rig.engine.SellPosition(p); !errors.Is(err, ErrPositionNotOpen) {
		t.Fatalf("got %v, want ErrPositionNotOpen", err)
	}
}

func TestSellReplay(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundPlatform(t, 1_000_000_000_000)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}

	first := rig.buy(t, BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 1, Ref: "buy-1", Timestamp: 2_000})
	rig.buy(t, BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 2, Ref: "buy-2", Timestamp: 2_001})

	p := SellParams{Account: alice, TicketID: first.TicketID, Amount: 5_000_000, PositionIDs: []uint64{first.Position.ID}, Ref: "s1", Timestamp: 3_000}
	p.Signature = rig.signSell(t, p)
	if _, err := rig.engine.SellPosition(p); err != nil {
		t.Fatalf("sell: %v", err)
	}

	// The identical ticket and id list is consumed even though stake remains.
	p.Ref = "s2"
	if _, err := rig.engine.SellPosition(p); !errors.Is(err, intent.ErrReplayedIntent) {
		t.Fatalf("got %v, want ErrReplayedIntent", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	rig := newMarketRig(t)
	rig.fundPlatform(t, 1_000_000_000_000)
	rig.fundUser(t, alice, 1_000_000_000)
	rig.createSeededEvent(t)
	if _, err := rig.engine.ResolveInitialPool(resolver, 25); err != nil {
		t.Fatalf("resolve initial: %v", err)
	}
	res := rig.buy(t, BuyParams{Account: alice, Amount: 10_000_000, Outcome: outcomeHome, Nonce: 1, Ref: "buy-1", Timestamp: 2_000})

	snap := rig.engine.Snapshot()

	restored := NewEngine(rig.registry, intent.NewVerifier(rig.registry, access.RoleSigner), intent.NewReplayGuard(), rig.credit, testVenue)
	restored.Restore(snap)

	if string(restored.CanonicalBytes()) != string(rig.engine.CanonicalBytes()) {
		t.Fatal("canonical bytes differ after restore")
	}

	pos, err := restored.GetPosition(res.Position.ID)
	if err != nil {
		t.Fatalf("restored position: %v", err)
	}
	if pos.Amount != 10_000_000 || pos.EntryPrice != 500_000 {
		t.Fatalf("restored position mismatch: %+v", pos)
	}
}
