package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"VenueLedger/internal/ledger"
	"VenueLedger/internal/projection"
)

// QueryService provides read-only access to the projection tables and the
// in-memory settlement history. All responses include as_of_sequence, the
// projection watermark at read time, for freshness semantics.
type QueryService struct {
	db      *sql.DB
	history *projection.SettlementHistory
}

func NewQueryService(db *sql.DB, history *projection.SettlementHistory) *QueryService {
	return &QueryService{db: db, history: history}
}

// GetCredit returns an account's spendable credit for an asset.
func (qs *QueryService) GetCredit(
	ctx context.Context,
	account common.Address,
	asset string,
) (*CreditResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", asset)
	}

	path := ledger.NewUserAccountKey(account, assetID).AccountPath()
	balance, err := qs.getProjectedBalance(ctx, path, assetID)
	if err != nil {
		return nil, err
	}

	return &CreditResponse{
		Account:      account.Hex(),
		Asset:        asset,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetPositions returns an account's positions, optionally filtered by kind
// ("market" or "leveraged") and restricted to open positions.
func (qs *QueryService) GetPositions(
	ctx context.Context,
	account common.Address,
	kind string,
	openOnly bool,
) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT position_id, kind, account, event_id, status, detail
		FROM projections.positions
		WHERE account = $1
	`
	args := []interface{}{account.Hex()}
	argIdx := 2

	if kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, kind)
		argIdx++
	}
	if openOnly {
		query += " AND status = 0"
	}
	query += " ORDER BY position_id"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.PositionID, &p.Kind, &p.Account, &p.EventID, &p.Status, &p.Detail,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetEvent returns one projected market event.
func (qs *QueryService) GetEvent(ctx context.Context, eventID uint64) (*EventResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var e EventResponse
	e.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT event_id, status, start_time, expire_time, volume
		FROM projections.events
		WHERE event_id = $1
	`, int64(eventID)).Scan(&e.EventID, &e.Status, &e.StartTime, &e.ExpireTime, &e.Volume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &e, nil
}

// ListEvents returns projected events, newest first.
func (qs *QueryService) ListEvents(ctx context.Context, limit int) ([]EventResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT event_id, status, start_time, expire_time, volume
		FROM projections.events
		ORDER BY event_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		e.AsOfSequence = asOfSeq
		if err := rows.Scan(&e.EventID, &e.Status, &e.StartTime, &e.ExpireTime, &e.Volume); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetSettlements returns the most recent payouts for an account from the
// in-memory settlement history.
func (qs *QueryService) GetSettlements(account common.Address, limit int) []SettlementResponse {
	if qs.history == nil {
		return nil
	}

	entries := qs.history.QueryByAccount(account, limit)
	results := make([]SettlementResponse, 0, len(entries))
	for _, e := range entries {
		results = append(results, SettlementResponse{
			Kind:       int32(e.Kind),
			Account:    e.Account.Hex(),
			PositionID: e.PositionID,
			Amount:     e.Amount,
			PnL:        e.PnL,
			Payout:     e.Payout,
			Forced:     e.Forced,
			Sequence:   e.Sequence,
			Timestamp:  e.Timestamp,
		})
	}
	return results
}

// GetJournalHistory returns journal entries touching an account, newest
// first, with cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM command_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the command log and the
// global zero-sum invariant over projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.AsOfSequence = asOfSeq

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM command_log.commands c1
		LEFT JOIN command_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.sequence > 0 AND c1.prev_hash != COALESCE(c2.state_hash, c1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Check global balance (sums to zero across all accounts per asset)
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string, assetID ledger.AssetID) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, uint16(assetID)).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
