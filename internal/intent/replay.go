package intent

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type nonceKey struct {
	Account common.Address
	Outcome [32]byte
	Nonce   uint64
}

// ReplayGuard tracks consumed buy nonces and sell keys. Check and Consume
// are split so engines can reject replays before any mutation and mark the
// intent consumed only once the whole command has applied.
//
// Not safe for concurrent use; the deterministic core is the only writer.
type ReplayGuard struct {
	nonces map[nonceKey]struct{}
	sells  map[common.Hash]struct{}
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		nonces: make(map[nonceKey]struct{}),
		sells:  make(map[common.Hash]struct{}),
	}
}

// CheckNonce returns ErrReplayedIntent when the (account, outcome, nonce)
// tuple has already been admitted.
func (g *ReplayGuard) CheckNonce(account common.Address, outcome [32]byte, nonce uint64) error {
	if _, seen := g.nonces[nonceKey{account, outcome, nonce}]; seen {
		return fmt.Errorf("%w: nonce %d for %s", ErrReplayedIntent, nonce, account.Hex())
	}
	return nil
}

// ConsumeNonce marks the tuple admitted.
func (g *ReplayGuard) ConsumeNonce(account common.Address, outcome [32]byte, nonce uint64) {
	g.nonces[nonceKey{account, outcome, nonce}] = struct{}{}
}

// CheckSell returns ErrReplayedIntent when the sell key has already been
// admitted.
func (g *ReplayGuard) CheckSell(key common.Hash) error {
	if _, seen := g.sells[key]; seen {
		return fmt.Errorf("%w: sell key %s", ErrReplayedIntent, key.Hex())
	}
	return nil
}

// ConsumeSell marks the sell key admitted.
func (g *ReplayGuard) ConsumeSell(key common.Hash) {
	g.sells[key] = struct{}{}
}

// Snapshot captures the consumed sets for persistence.
func (g *ReplayGuard) Snapshot() ([]ConsumedNonce, []common.Hash) {
	nonces := make([]ConsumedNonce, 0, len(g.nonces))
	for k := range g.nonces {
		nonces = append(nonces, ConsumedNonce{Account: k.Account, Outcome: k.Outcome, Nonce: k.Nonce})
	}
	sells := make([]common.Hash, 0, len(g.sells))
	for k := range g.sells {
		sells = append(sells, k)
	}
	return nonces, sells
}

// Restore replaces the consumed sets from a snapshot.
func (g *ReplayGuard) Restore(nonces []ConsumedNonce, sells []common.Hash) {
	g.nonces = make(map[nonceKey]struct{}, len(nonces))
	for _, n := range nonces {
		g.nonces[nonceKey{n.Account, n.Outcome, n.Nonce}] = struct{}{}
	}
	g.sells = make(map[common.Hash]struct{}, len(sells))
	for _, s := range sells {
		g.sells[s] = struct{}{}
	}
}

// ConsumedNonce is the serializable form of an admitted buy nonce.
type ConsumedNonce struct {
	Account common.Address `json:"account"`
	Outcome [32]byte       `json:"outcome"`
	Nonce   uint64         `json:"nonce"`
}
