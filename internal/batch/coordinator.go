// Package batch applies lists of leveraged open and close orders as one
// logical submission. Items are validated and applied independently; a bad
// item reports its own failure without reverting the rest of the batch.
package batch

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"VenueLedger/internal/access"
	"VenueLedger/internal/ledger"
	"VenueLedger/internal/perp"
)

// ErrArrayLengthMismatch is returned when a close batch's id and price lists
// differ in length. No item is applied in that case.
var ErrArrayLengthMismatch = errors.New("batch: id and price array lengths differ")

// ErrEmptyBatch is returned when a batch carries no orders.
var ErrEmptyBatch = errors.New("batch: no orders")

// Coordinator drives the leveraged-position engine for batched submissions.
// Role checks happen once per batch; per-item failures are collected, not
// propagated.
type Coordinator struct {
	directory access.Directory
	engine    *perp.Engine
}

func NewCoordinator(directory access.Directory, engine *perp.Engine) *Coordinator {
	return &Coordinator{directory: directory, engine: engine}
}

// OpenItem is the per-order outcome of an open batch.
type OpenItem struct {
	Index    int
	Position *perp.Position
	Batch    *ledger.Batch
	Err      error
}

// OpenBatch applies each order through the engine's open path. Requires
// BATCHER_ROLE. The returned slice has one entry per order, in order; the
// error is batch-level only (authorization, empty input).
func (c *Coordinator) OpenBatch(caller common.Address, orders []perp.OpenParams) ([]OpenItem, error) {
	if !c.directory.HasRole(access.RoleBatcher, caller) {
		return nil, fmt.Errorf("%w: %s lacks BATCHER_ROLE", access.ErrPermissionDenied, caller.Hex())
	}
	if len(orders) == 0 {
		return nil, ErrEmptyBatch
	}

	items := make([]OpenItem, len(orders))
	for i, order := range orders {
		res, err := c.engine.Open(caller, order)
		items[i] = OpenItem{Index: i, Err: err}
		if err == nil {
			items[i].Position = res.Position
			items[i].Batch = res.Batch
		}
	}
	return items, nil
}

// CloseItem is the per-position outcome of a close batch.
type CloseItem struct {
	Index    int
	Position *perp.Position
	PnL      int64
	Credited int64
	Batch    *ledger.Batch
	Err      error
}

// CloseBatch settles each (id, price) pair through the engine's close path.
// The length check runs before any item is applied. Requires
// BATCHER_CLOSE_ROLE, or BATCHER_BURN_ROLE when forced (liquidations).
func (c *Coordinator) CloseBatch(caller common.Address, ids []uint64, prices []int64, forced bool, ref string, timestamp int64) ([]CloseItem, error) {
	if len(ids) != len(prices) {
		return nil, fmt.Errorf("%w: %d ids, %d prices", ErrArrayLengthMismatch, len(ids), len(prices))
	}
	role := access.RoleBatchCloser
	if forced {
		role = access.RoleBatchBurner
	}
	if !c.directory.HasRole(role, caller) {
		return nil, fmt.Errorf("%w: %s cannot close batches", access.ErrPermissionDenied, caller.Hex())
	}
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}

	items := make([]CloseItem, len(ids))
	for i, id := range ids {
		res, err := c.engine.Close(caller, id, prices[i], forced, ref, timestamp)
		items[i] = CloseItem{Index: i, Err: err}
		if err == nil {
			items[i].Position = res.Position
			items[i].PnL = res.PnL
			items[i].Credited = res.Credited
			items[i].Batch = res.Batch
		}
	}
	return items, nil
}
