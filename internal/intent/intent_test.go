package intent

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"VenueLedger/internal/access"
)

var (
	testVenue   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testAccount = common.HexToAddress("0x0000000000000000000000000000000000000a01")
)

func newSigner(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func sign(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash) []byte {
	t.Helper()
	sig, err := crypto.Sign(PersonalSignHash(digest).Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func testBuyIntent() BuyIntent {
	var outcome [32]byte
	outcome[31] = 7
	return BuyIntent{
		Venue:   testVenue,
		Account: testAccount,
		Amount:  10_000_000,
		Outcome: outcome,
		Nonce:   1,
	}
}

func TestPackDeterministic(t *testing.T) {
	buy := testBuyIntent()
	if buy.Digest() != buy.Digest() {
		t.Fatal("buy digest is not deterministic")
	}

	other := buy
	other.Nonce = 2
	if buy.Digest() == other.Digest() {
		t.Fatal("distinct nonces produced the same digest")
	}

	sell := SellIntent{
		Venue:       testVenue,
		Account:     testAccount,
		Ticket:      buy.Outcome,
		Amount:      10_000_000,
		PositionIDs: []uint64{1, 2},
	}
	reordered := sell
	reordered.PositionIDs = []uint64{2, 1}
	if sell.Digest() == reordered.Digest() {
		t.Fatal("position-id order did not change the digest")
	}
}

func TestBuyAndSellDomainsDiffer(t *testing.T) {
	// A signature over a buy must not validate as a sell even when the
	// remaining fields line up byte for byte.
	buy := BuyIntent{Venue: testVenue, Account: testAccount, Amount: 5}
	sell := SellIntent{Venue: testVenue, Account: testAccount, Amount: 5}
	if buy.Digest() == sell.Digest() {
		t.Fatal("buy and sell domains collided")
	}
}

func TestVerifyRecoversAuthorizedSigner(t *testing.T) {
	key, signerAddr := newSigner(t)
	reg := access.NewRegistry()
	reg.GrantRole(access.RoleSigner, signerAddr)
	v := NewVerifier(reg, access.RoleSigner)

	digest := testBuyIntent().Digest()
	got, err := v.Verify(digest, sign(t, key, digest))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != signerAddr {
		t.Fatalf("recovered %s, want %s", got.Hex(), signerAddr.Hex())
	}
}

func TestVerifyAcceptsWalletStyleRecoveryID(t *testing.T) {
	key, signerAddr := newSigner(t)
	reg := access.NewRegistry()
	reg.GrantRole(access.RoleSigner, signerAddr)
	v := NewVerifier(reg, access.RoleSigner)

	digest := testBuyIntent().Digest()
	sig := sign(t, key, digest)
	sig[64] += 27 // wallets emit v ∈ {27, 28}

	got, err := v.Verify(digest, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != signerAddr {
		t.Fatalf("recovered %s, want %s", got.Hex(), signerAddr.Hex())
	}
}

func TestVerifyRejectsUnauthorizedSigner(t *testing.T) {
	key, _ := newSigner(t)
	v := NewVerifier(access.NewRegistry(), access.RoleSigner)

	digest := testBuyIntent().Digest()
	_, err := v.Verify(digest, sign(t, key, digest))
	if !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("got %v, want ErrUnauthorizedSigner", err)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	v := NewVerifier(access.NewRegistry(), access.RoleSigner)
	digest := testBuyIntent().Digest()

	if _, err := v.Verify(digest, []byte{1, 2, 3}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("short signature: got %v, want ErrInvalidSignature", err)
	}

	bad := make([]byte, SignatureLength)
	bad[64] = 9
	if _, err := v.Verify(digest, bad); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("bad recovery id: got %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	key, signerAddr := newSigner(t)
	reg := access.NewRegistry()
	reg.GrantRole(access.RoleSigner, signerAddr)
	v := NewVerifier(reg, access.RoleSigner)

	buy := testBuyIntent()
	sig := sign(t, key, buy.Digest())

	tampered := buy
	tampered.Amount += 1
	// Recovery yields a different address, which holds no role.
	if _, err := v.Verify(tampered.Digest(), sig); err == nil {
		t.Fatal("tampered intent verified")
	}
}

func TestReplayGuard(t *testing.T) {
	g := NewReplayGuard()
	var outcome [32]byte
	outcome[31] = 7

	if err := g.CheckNonce(testAccount, outcome, 1); err != nil {
		t.Fatalf("fresh nonce rejected: %v", err)
	}
	g.ConsumeNonce(testAccount, outcome, 1)

	if err := g.CheckNonce(testAccount, outcome, 1); !errors.Is(err, ErrReplayedIntent) {
		t.Fatalf("got %v, want ErrReplayedIntent", err)
	}
	if err := g.CheckNonce(testAccount, outcome, 2); err != nil {
		t.Fatalf("new nonce rejected: %v", err)
	}

	sell := SellIntent{Venue: testVenue, Account: testAccount, Ticket: outcome, Amount: 5, PositionIDs: []uint64{1}}
	key := sell.ConsumedKey()
	if err := g.CheckSell(key); err != nil {
		t.Fatalf("fresh sell rejected: %v", err)
	}
	g.ConsumeSell(key)
	if err := g.CheckSell(key); !errors.Is(err, ErrReplayedIntent) {
		t.Fatalf("got %v, want ErrReplayedIntent", err)
	}
}

func TestReplayGuardSnapshotRestore(t *testing.T) {
	g := NewReplayGuard()
	var outcome [32]byte
	outcome[31] = 3
	g.ConsumeNonce(testAccount, outcome, 42)
	g.ConsumeSell(common.HexToHash("0xdead"))

	nonces, sells := g.Snapshot()

	restored := NewReplayGuard()
	restored.Restore(nonces, sells)

	if err := restored.CheckNonce(testAccount, outcome, 42); !errors.Is(err, ErrReplayedIntent) {
		t.Fatalf("restored nonce not consumed: %v", err)
	}
	if err := restored.CheckSell(common.HexToHash("0xdead")); !errors.Is(err, ErrReplayedIntent) {
		t.Fatalf("restored sell key not consumed: %v", err)
	}
}
