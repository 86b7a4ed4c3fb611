package core

import (
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"VenueLedger/internal/access"
	"VenueLedger/internal/command"
	"VenueLedger/internal/intent"
	"VenueLedger/internal/ledger"
	"VenueLedger/internal/market"
	"VenueLedger/internal/perp"
	"VenueLedger/internal/token"
)

var (
	testVenue = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	booker    = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	batcher   = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	funder    = common.HexToAddress("0x0000000000000000000000000000000000000f00")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a01")

	outcomeHome = market.OutcomeID{EventID: 25, MarketID: 1, Index: 0}
	outcomeAway = market.OutcomeID{EventID: 25, MarketID: 1, Index: 1}
)

type coreRig struct {
	core       *VenueCore
	token      *token.GatedToken
	persist    chan CoreOutput
	projection chan CoreOutput
	signerKey  *ecdsa.PrivateKey
}

func newCoreRig(t *testing.T) *coreRig {
	t.Helper()

	signerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	registry := access.NewRegistry()
	registry.GrantRole(access.RoleBooker, booker)
	registry.GrantRole(access.RoleResolver, booker)
	registry.GrantRole(access.RoleBatcher, batcher)
	registry.GrantRole(access.RoleBatchCloser, batcher)
	registry.GrantRole(access.RoleSigner, crypto.PubkeyToAddress(signerKey.PublicKey))

	tok := token.NewGatedToken(testVenue, true)
	tok.Mint(funder, 10_000_000_000_000)
	tok.Approve(funder, 10_000_000_000_000)
	tok.Mint(alice, 10_000_000_000)
	tok.Approve(alice, 10_000_000_000)

	persist := make(chan CoreOutput, 256)
	projection := make(chan CoreOutput, 256)

	c := NewVenueCore(Config{
		StartSequence:       1,
		Venue:               testVenue,
		Directory:           registry,
		Token:               tok,
		Limits:              ledger.DefaultLimits(),
		IdempotencyCapacity: 1_000,
	}, persist, projection, nil, nil)

	return &coreRig{core: c, token: tok, persist: persist, projection: projection, signerKey: signerKey}
}

func (r *coreRig) signBuy(account common.Address, amount int64, outcome market.OutcomeID, nonce uint64) []byte {
	digest := intent.BuyIntent{
		Venue:   testVenue,
		Account: account,
		Amount:  amount,
		Outcome: outcome.Word32(),
		Nonce:   nonce,
	}.Digest()
	sig, err := crypto.Sign(intent.PersonalSignHash(digest).Bytes(), r.signerKey)
	if err != nil {
		panic(err)
	}
	return sig
}

func (r *coreRig) signSell(account common.Address, ticket [32]byte, amount int64, ids []uint64) []byte {
	digest := intent.SellIntent{
		Venue:       testVenue,
		Account:     account,
		Ticket:      ticket,
		Amount:      amount,
		PositionIDs: ids,
	}.Digest()
	sig, err := crypto.Sign(intent.PersonalSignHash(digest).Bytes(), r.signerKey)
	if err != nil {
		panic(err)
	}
	return sig
}

func ts(micros int64) time.Time {
	return time.UnixMicro(micros)
}

func (r *coreRig) mustProcess(t *testing.T, cmd command.Command) any {
	t.Helper()
	value, err := r.core.Process(cmd)
	if err != nil {
		t.Fatalf("process %s: %v", cmd.CommandType(), err)
	}
	return value
}

func (r *coreRig) seed(t *testing.T) {
	t.Helper()
	r.mustProcess(t, &command.TopupSystem{CommandID: uuid.New(), Funder: funder, Amount: 1_000_000_000_000, Timestamp: ts(1)})
	r.mustProcess(t, &command.Topup{CommandID: uuid.New(), Account: alice, Amount: 1_000_000_000, Timestamp: ts(2)})
	r.mustProcess(t, &command.CreateEvent{
		CommandID:        uuid.New(),
		Caller:           booker,
		Event:            25,
		StartTime:        10,
		ExpireTime:       10_000_000,
		MarketIDs:        []uint32{1},
		Outcomes:         []market.OutcomeID{outcomeHome, outcomeAway},
		InitialLiquidity: 100_000_000,
		Timestamp:        ts(3),
	})
	r.mustProcess(t, &command.ResolveInitialPool{CommandID: uuid.New(), Caller: booker, Event: 25, Timestamp: ts(4)})
}

func TestProcessBuySellRoundTrip(t *testing.T) {
	rig := newCoreRig(t)
	rig.seed(t)

	buyValue := rig.mustProcess(t, &command.BuyPosition{
		CommandID: uuid.New(),
		Account:   alice,
		Amount:    10_000_000,
		Outcome:   outcomeHome,
		Nonce:     1,
		Signature: rig.signBuy(alice, 10_000_000, outcomeHome, 1),
		Timestamp: ts(100),
	})
	buy := buyValue.(*market.BuyResult)
	if buy.Position.Amount != 10_000_000 {
		t.Fatalf("position amount = %d, want 10000000", buy.Position.Amount)
	}

	sellValue := rig.mustProcess(t, &command.SellPosition{
		CommandID:   uuid.New(),
		Account:     alice,
		Ticket:      buy.TicketID,
		Amount:      10_000_000,
		PositionIDs: []uint64{buy.Position.ID},
		Signature:   rig.signSell(alice, buy.TicketID, 10_000_000, []uint64{buy.Position.ID}),
		Event:       25,
		Timestamp:   ts(101),
	})
	sell := sellValue.(*market.SellResult)
	if sell.Payout != 10_000_000 {
		t.Fatalf("payout = %d, want 10000000", sell.Payout)
	}
	if got := rig.core.Credit().GetCredit(alice); got != 1_000_000_000 {
		t.Fatalf("alice credit = %d, want full restore 1000000000", got)
	}
}

func TestEnvelopeChainLinks(t *testing.T) {
	rig := newCoreRig(t)
	rig.seed(t)

	var outputs []CoreOutput
	for {
		select {
		case out := <-rig.persist:
			outputs = append(outputs, out)
			continue
		default:
		}
		break
	}
	if len(outputs) != 4 {
		t.Fatalf("got %d outputs, want 4", len(outputs))
	}

	for i, out := range outputs {
		if out.Envelope.Sequence != int64(i+1) {
			t.Fatalf("output %d sequence = %d, want %d", i, out.Envelope.Sequence, i+1)
		}
		if i > 0 && out.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Fatalf("output %d prev hash does not link to predecessor", i)
		}
		if out.Envelope.StateHash == ([32]byte{}) {
			t.Fatalf("output %d has zero state hash", i)
		}
	}
}

func TestDuplicateCommandSkipped(t *testing.T) {
	rig := newCoreRig(t)

	cmd := &command.TopupSystem{CommandID: uuid.New(), Funder: funder, Amount: 1_000_000_000_000, Timestamp: ts(1)}
	rig.mustProcess(t, cmd)
	before := rig.core.Credit().PlatformCredit()
	seqBefore := rig.core.GetSequence()

	value, err := rig.core.Process(cmd)
	if err != nil {
		t.Fatalf("duplicate process: %v", err)
	}
	if value != nil {
		t.Fatal("duplicate produced a value")
	}
	if got := rig.core.Credit().PlatformCredit(); got != before {
		t.Fatalf("platform credit changed on duplicate: %d -> %d", before, got)
	}
	if rig.core.GetSequence() != seqBefore {
		t.Fatal("sequence advanced on duplicate")
	}
}

func TestBatchPartitionOrdering(t *testing.T) {
	rig := newCoreRig(t)
	rig.seed(t)

	open := func(seq int64) *command.OpenBatch {
		return &command.OpenBatch{
			BatchID: uuid.New(),
			Caller:  batcher,
			Orders: []perp.OpenParams{{
				Account:   alice,
				Pool:      perp.PoolFromString("BTC"),
				Value:     10_000_000,
				Leverage:  10_000_000,
				Price:     42_938_000_000,
				Direction: perp.DirectionLong,
			}},
			Sequence:  seq,
			Timestamp: ts(200),
		}
	}

	rig.mustProcess(t, open(5)) // establishes the partition baseline

	if _, err := rig.core.Process(open(7)); err == nil {
		t.Fatal("sequence gap accepted")
	}
	rig.mustProcess(t, open(6))
	if _, err := rig.core.Process(open(4)); err == nil {
		t.Fatal("out-of-order command accepted")
	}
}

func TestIntentRejectionPaths(t *testing.T) {
	rig := newCoreRig(t)
	rig.seed(t)

	strangerKey, _ := crypto.GenerateKey()
	digest := intent.BuyIntent{
		Venue:   testVenue,
		Account: alice,
		Amount:  10_000_000,
		Outcome: outcomeHome.Word32(),
		Nonce:   9,
	}.Digest()
	sig, _ := crypto.Sign(intent.PersonalSignHash(digest).Bytes(), strangerKey)

	_, err := rig.core.Process(&command.BuyPosition{
		CommandID: uuid.New(),
		Account:   alice,
		Amount:    10_000_000,
		Outcome:   outcomeHome,
		Nonce:     9,
		Signature: sig,
		Timestamp: ts(100),
	})
	if !errors.Is(err, intent.ErrUnauthorizedSigner) {
		t.Fatalf("got %v, want ErrUnauthorizedSigner", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	rig := newCoreRig(t)
	rig.seed(t)

	buy := rig.mustProcess(t, &command.BuyPosition{
		CommandID: uuid.New(),
		Account:   alice,
		Amount:    10_000_000,
		Outcome:   outcomeHome,
		Nonce:     1,
		Signature: rig.signBuy(alice, 10_000_000, outcomeHome, 1),
		Timestamp: ts(100),
	}).(*market.BuyResult)

	snap := rig.core.CreateSnapshotState()

	restored := newCoreRig(t)
	restored.core.RestoreFromSnapshot(snap)

	if restored.core.GetStateHash() != rig.core.GetStateHash() {
		t.Fatal("state hash differs after restore")
	}
	if restored.core.GetSequence() != rig.core.GetSequence() {
		t.Fatalf("sequence = %d, want %d", restored.core.GetSequence(), rig.core.GetSequence())
	}
	if got := restored.core.Credit().GetCredit(alice); got != rig.core.Credit().GetCredit(alice) {
		t.Fatalf("alice credit = %d after restore", got)
	}
	pos, err := restored.core.Market().GetPosition(buy.Position.ID)
	if err != nil {
		t.Fatalf("restored position: %v", err)
	}
	if pos.Amount != 10_000_000 {
		t.Fatalf("restored amount = %d, want 10000000", pos.Amount)
	}

	// The consumed nonce survives the restore.
	_, err = restored.core.Process(&command.BuyPosition{
		CommandID: uuid.New(),
		Account:   alice,
		Amount:    10_000_000,
		Outcome:   outcomeHome,
		Nonce:     1,
		Signature: rig.signBuy(alice, 10_000_000, outcomeHome, 1),
		Timestamp: ts(101),
	})
	if !errors.Is(err, intent.ErrReplayedIntent) {
		t.Fatalf("got %v, want ErrReplayedIntent", err)
	}
}

func TestSubmitRunLoop(t *testing.T) {
	rig := newCoreRig(t)
	go rig.core.Run()
	defer rig.core.Stop()

	outcome := rig.core.Submit(&command.TopupSystem{
		CommandID: uuid.New(),
		Funder:    funder,
		Amount:    1_000_000_000_000,
		Timestamp: ts(1),
	})
	if outcome.Err != nil {
		t.Fatalf("submit: %v", outcome.Err)
	}
	if got := rig.core.Credit().PlatformCredit(); got != 1_000_000_000_000 {
		t.Fatalf("platform credit = %d, want 1000000000000", got)
	}
}
