package intent

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Canonical intent encoding, version 1.
//
// Every digest is domain-separated by a version tag so that a signature over
// a buy intent can never be replayed as a sell intent, and future encoding
// revisions invalidate old signatures instead of silently changing meaning.
const (
	buyDomainV1  = "VenueLedger:intent:v1:buy"
	sellDomainV1 = "VenueLedger:intent:v1:sell"
)

// amountBytes is the width of the amount field (88-bit unsigned).
const amountBytes = 11

// BuyIntent is the canonical form of an attested buy/open request.
type BuyIntent struct {
	Venue   common.Address
	Account common.Address
	Amount  int64
	Outcome [32]byte
	Nonce   uint64
}

// Pack returns the canonical byte encoding:
// domain ‖ venue(20) ‖ account(20) ‖ amount(11, BE) ‖ outcome(32) ‖ nonce(32, BE).
func (b BuyIntent) Pack() []byte {
	out := make([]byte, 0, len(buyDomainV1)+20+20+amountBytes+32+32)
	out = append(out, buyDomainV1...)
	out = append(out, b.Venue.Bytes()...)
	out = append(out, b.Account.Bytes()...)
	out = appendUint88(out, b.Amount)
	out = append(out, b.Outcome[:]...)
	out = appendUint256(out, b.Nonce)
	return out
}

// Digest returns the Keccak-256 hash of the packed intent.
func (b BuyIntent) Digest() common.Hash {
	return crypto.Keccak256Hash(b.Pack())
}

// SellIntent is the canonical form of an attested sell/close request.
type SellIntent struct {
	Venue       common.Address
	Account     common.Address
	Ticket      [32]byte
	Amount      int64
	PositionIDs []uint64
}

// Pack returns the canonical byte encoding:
// domain ‖ venue(20) ‖ account(20) ‖ ticket(32) ‖ amount(11, BE) ‖ ids(32 each, BE).
func (s SellIntent) Pack() []byte {
	out := make([]byte, 0, len(sellDomainV1)+20+20+32+amountBytes+32*len(s.PositionIDs))
	out = append(out, sellDomainV1...)
	out = append(out, s.Venue.Bytes()...)
	out = append(out, s.Account.Bytes()...)
	out = append(out, s.Ticket[:]...)
	out = appendUint88(out, s.Amount)
	for _, id := range s.PositionIDs {
		out = appendUint256(out, id)
	}
	return out
}

// Digest returns the Keccak-256 hash of the packed intent.
func (s SellIntent) Digest() common.Hash {
	return crypto.Keccak256Hash(s.Pack())
}

// ConsumedKey identifies a sell intent for replay tracking: the hash of the
// ticket and the exact position-id list.
func (s SellIntent) ConsumedKey() common.Hash {
	buf := make([]byte, 0, 32+32*len(s.PositionIDs))
	buf = append(buf, s.Ticket[:]...)
	for _, id := range s.PositionIDs {
		buf = appendUint256(buf, id)
	}
	return crypto.Keccak256Hash(buf)
}

func appendUint88(out []byte, v int64) []byte {
	var word [amountBytes]byte
	binary.BigEndian.PutUint64(word[3:], uint64(v))
	return append(out, word[:]...)
}

func appendUint256(out []byte, v uint64) []byte {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return append(out, word[:]...)
}
