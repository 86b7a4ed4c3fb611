package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"VenueLedger/internal/core"
	"VenueLedger/internal/intent"
	"VenueLedger/internal/ledger"
	"VenueLedger/internal/market"
	"VenueLedger/internal/perp"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots are taken periodically and verified by replaying commands from
// the snapshot sequence forward before being trusted for restarts.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64                  `json:"sequence"`
	StateHash       []byte                 `json:"state_hash"`
	Balances        []BalanceSnap          `json:"balances"`
	Market          *market.EngineSnapshot `json:"market"`
	Perp            *perp.EngineSnapshot   `json:"perp"`
	ConsumedNonces  []intent.ConsumedNonce `json:"consumed_nonces"`
	ConsumedSells   []common.Hash          `json:"consumed_sells"`
	SequenceState   map[string]int64       `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string               `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time              `json:"created_at"`
}

// BalanceSnap is a serializable account balance.
type BalanceSnap struct {
	Scope   uint8  `json:"scope"`
	Entity  string `json:"entity"`
	SubType uint8  `json:"sub_type"`
	AssetID uint16 `json:"asset_id"`
	Balance int64  `json:"balance"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotFromCore converts the core's in-memory state into its serializable
// form. Balances are sorted so snapshots of identical state are byte-identical.
func SnapshotFromCore(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make([]BalanceSnap, 0, len(state.Balances))
	for key, balance := range state.Balances {
		balances = append(balances, BalanceSnap{
			Scope:   uint8(key.Scope),
			Entity:  key.EntityID.Hex(),
			SubType: uint8(key.SubType),
			AssetID: uint16(key.AssetID),
			Balance: balance,
		})
	}
	sort.Slice(balances, func(i, j int) bool {
		a, b := balances[i], balances[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.SubType != b.SubType {
			return a.SubType < b.SubType
		}
		return a.AssetID < b.AssetID
	})

	return &SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       append([]byte(nil), state.StateHash[:]...),
		Balances:        balances,
		Market:          state.Market,
		Perp:            state.Perp,
		ConsumedNonces:  state.ConsumedNonces,
		ConsumedSells:   state.ConsumedSells,
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// ToCoreState converts a loaded snapshot back into restorable core state.
func (sd *SnapshotData) ToCoreState() *core.SnapshotState {
	balances := make(map[ledger.AccountKey]int64, len(sd.Balances))
	for _, b := range sd.Balances {
		key := ledger.AccountKey{
			Scope:    ledger.AccountScope(b.Scope),
			EntityID: common.HexToAddress(b.Entity),
			SubType:  ledger.AccountSubType(b.SubType),
			AssetID:  ledger.AssetID(b.AssetID),
		}
		balances[key] = b.Balance
	}

	var stateHash [32]byte
	copy(stateHash[:], sd.StateHash)

	return &core.SnapshotState{
		Sequence:        sd.Sequence,
		StateHash:       stateHash,
		Balances:        balances,
		Market:          sd.Market,
		Perp:            sd.Perp,
		ConsumedNonces:  sd.ConsumedNonces,
		ConsumedSells:   sd.ConsumedSells,
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
	}
}

// SaveSnapshot persists a snapshot to Postgres. New snapshots are unverified
// until an integrity check replays the log past them and calls MarkVerified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO command_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm restart,
// load the latest snapshot then replay commands from snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM command_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot, cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE command_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads command rows from a given sequence for replay.
// Used for warm restart (replay past a snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, event_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM command_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.EventID,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.Timestamp, &c.SourceSequence,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM command_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty command log
	}
	return seq.Int64, nil
}
