package token

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransferRejected is returned when the value token refuses a transfer,
// either because the holder is not transferable or the balance/allowance
// does not cover the amount.
var ErrTransferRejected = errors.New("token: transfer rejected")

// ValueToken is the credit ledger's funding boundary. Topups pull value in
// via TransferFrom; withdrawals push value back out via Transfer. The venue
// holds custody between the two.
type ValueToken interface {
	// TransferFrom moves amount from the holder to the recipient using the
	// venue's allowance. Returns ErrTransferRejected when the token refuses.
	TransferFrom(from, to common.Address, amount int64) error

	// Transfer moves amount from the venue's own holdings to the recipient.
	Transfer(to common.Address, amount int64) error

	BalanceOf(holder common.Address) int64
}

// Transferable is implemented by tokens with a per-holder transfer gate.
type Transferable interface {
	SetTransferable(holder common.Address, allowed bool)
	IsTransferable(holder common.Address) bool
}
