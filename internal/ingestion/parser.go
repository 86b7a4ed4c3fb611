package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"VenueLedger/internal/command"
	"VenueLedger/internal/perp"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed command. The ingestion shell validates and parses before
// anything reaches the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (command.Command, error) {
	switch commandType {
	case "OpenBatch":
		return parseOpenBatch(raw.Data)
	case "CloseBatch":
		return parseCloseBatch(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type batchOrderJSON struct {
	Account   string `json:"account"`
	Pool      string `json:"pool"`
	Value     int64  `json:"value"`
	Leverage  int64  `json:"leverage"`
	Price     int64  `json:"price"`
	Direction string `json:"direction"` // "long" or "short"
	ClientRef uint64 `json:"client_ref"`
}

type openBatchJSON struct {
	BatchID     string           `json:"batch_id"`
	Caller      string           `json:"caller"`
	Orders      []batchOrderJSON `json:"orders"`
	Sequence    int64            `json:"sequence"`
	TimestampUs int64            `json:"timestamp_us"`
}

func parseOpenBatch(data []byte) (*command.OpenBatch, error) {
	var j openBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenBatch: %w", err)
	}

	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	if !common.IsHexAddress(j.Caller) {
		return nil, fmt.Errorf("parse caller: %q is not an address", j.Caller)
	}
	if len(j.Orders) == 0 {
		return nil, fmt.Errorf("parse OpenBatch: empty orders")
	}

	orders := make([]perp.OpenParams, 0, len(j.Orders))
	for i, o := range j.Orders {
		if !common.IsHexAddress(o.Account) {
			return nil, fmt.Errorf("parse orders[%d].account: %q is not an address", i, o.Account)
		}

		direction := perp.DirectionLong
		if o.Direction == "short" {
			direction = perp.DirectionShort
		}

		orders = append(orders, perp.OpenParams{
			Account:   common.HexToAddress(o.Account),
			Pool:      perp.PoolFromString(o.Pool),
			Value:     o.Value,
			Leverage:  o.Leverage,
			Price:     o.Price,
			Direction: direction,
			ClientRef: o.ClientRef,
		})
	}

	return &command.OpenBatch{
		BatchID:   batchID,
		Caller:    common.HexToAddress(j.Caller),
		Orders:    orders,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type closeBatchJSON struct {
	BatchID     string   `json:"batch_id"`
	Caller      string   `json:"caller"`
	Positions   []uint64 `json:"positions"`
	Prices      []int64  `json:"prices"`
	Forced      bool     `json:"forced"`
	Sequence    int64    `json:"sequence"`
	TimestampUs int64    `json:"timestamp_us"`
}

func parseCloseBatch(data []byte) (*command.CloseBatch, error) {
	var j closeBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CloseBatch: %w", err)
	}

	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	if !common.IsHexAddress(j.Caller) {
		return nil, fmt.Errorf("parse caller: %q is not an address", j.Caller)
	}
	if len(j.Positions) == 0 {
		return nil, fmt.Errorf("parse CloseBatch: empty positions")
	}

	// A length mismatch is a domain error the coordinator reports; only a
	// missing prices array is malformed at the wire level.
	if j.Prices == nil {
		return nil, fmt.Errorf("parse CloseBatch: missing prices")
	}

	return &command.CloseBatch{
		BatchID:   batchID,
		Caller:    common.HexToAddress(j.Caller),
		Positions: j.Positions,
		Prices:    j.Prices,
		Forced:    j.Forced,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
