package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OutcomeID identifies one outcome of one market under one event. The
// legacy wire form packs the three components into a single 256-bit word:
//
//	word = ((eventID << 32) | marketID) << 32 | outcomeIndex
//
// Internally the components stay explicit; the packed word exists only at
// encoding boundaries (intent digests, ticket derivation, transport).
type OutcomeID struct {
	EventID  uint64
	MarketID uint32
	Index    uint32
}

// Word returns the packed 256-bit form.
func (o OutcomeID) Word() *big.Int {
	w := new(big.Int).SetUint64(o.EventID)
	w.Lsh(w, 32)
	w.Or(w, big.NewInt(int64(o.MarketID)))
	w.Lsh(w, 32)
	w.Or(w, big.NewInt(int64(o.Index)))
	return w
}

// Word32 returns the packed form as a 32-byte big-endian array, the shape
// used in canonical intent encodings.
func (o OutcomeID) Word32() [32]byte {
	var out [32]byte
	o.Word().FillBytes(out[:])
	return out
}

// OutcomeFromWord decodes the packed 256-bit form. Words whose event
// component exceeds 64 bits are rejected.
func OutcomeFromWord(w *big.Int) (OutcomeID, error) {
	if w.Sign() < 0 || w.BitLen() > 128 {
		return OutcomeID{}, fmt.Errorf("outcome word out of range: %s", w.String())
	}

	mask32 := big.NewInt(0xFFFFFFFF)
	rest := new(big.Int).Set(w)

	index := new(big.Int).And(rest, mask32).Uint64()
	rest.Rsh(rest, 32)
	marketID := new(big.Int).And(rest, mask32).Uint64()
	rest.Rsh(rest, 32)

	if !rest.IsUint64() {
		return OutcomeID{}, fmt.Errorf("event component out of range: %s", w.String())
	}

	return OutcomeID{
		EventID:  rest.Uint64(),
		MarketID: uint32(marketID),
		Index:    uint32(index),
	}, nil
}

// OutcomeFromWord32 decodes the 32-byte big-endian packed form.
func OutcomeFromWord32(w [32]byte) (OutcomeID, error) {
	return OutcomeFromWord(new(big.Int).SetBytes(w[:]))
}

func (o OutcomeID) String() string {
	return fmt.Sprintf("%d/%d/%d", o.EventID, o.MarketID, o.Index)
}

// TicketID derives the ticket key for an account's holdings under one
// outcome: Keccak-256(account ‖ outcome word).
func TicketID(account common.Address, outcome OutcomeID) [32]byte {
	word := outcome.Word32()
	return [32]byte(crypto.Keccak256Hash(account.Bytes(), word[:]))
}
