package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"VenueLedger/internal/batch"
	"VenueLedger/internal/command"
	"VenueLedger/internal/core"
	"VenueLedger/internal/market"
	"VenueLedger/internal/observability"
	"VenueLedger/internal/perp"
)

// ProjectionWorker updates the read-side tables from applied commands.
// The projection channel is non-blocking with drop: if this worker falls
// behind, balances catch up via RebuildProjections from the journal.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *SettlementHistory
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	history *SettlementHistory,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Continue. Projections are eventually consistent and
				// rebuildable from the command log.
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Envelope.Sequence
			pw.recordHistory(output)
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Balances follow the journal: debit gains, credit loses.
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := pw.applyJournal(ctx, tx, seq, j.DebitAccount.AccountPath(), uint16(j.AssetID), j.Amount); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := pw.applyJournal(ctx, tx, seq, j.CreditAccount.AccountPath(), uint16(j.AssetID), -j.Amount); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := pw.applyResult(ctx, tx, output); err != nil {
		return err
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) applyJournal(ctx context.Context, tx *sql.Tx, seq int64, accountPath string, assetID uint16, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, accountPath, assetID, delta, seq)
	return err
}

// applyResult projects the entity a command mutated. Batch commands emit one
// output per applied item with the same result slice; position upserts are
// idempotent so the repeats are harmless.
func (pw *ProjectionWorker) applyResult(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	switch v := output.Result.(type) {
	case *market.Event:
		return pw.upsertEvent(ctx, tx, seq, v)

	case *market.BuyResult:
		if err := pw.upsertMarketPosition(ctx, tx, seq, v.Position); err != nil {
			return err
		}
		return pw.addEventVolume(ctx, tx, seq, v.Position.Outcome.EventID, v.Position.Amount)

	case *market.SellResult:
		if len(v.ClosedPositions) > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE projections.positions
				SET status = $1, last_sequence = $2
				WHERE kind = 'market' AND position_id = ANY($3)
			`, int32(market.PositionStatusClosed), seq, pq.Array(v.ClosedPositions)); err != nil {
				return fmt.Errorf("close positions: %w", err)
			}
		}
		if sell, ok := output.Command.(*command.SellPosition); ok {
			return pw.addEventVolume(ctx, tx, seq, sell.Event, -sell.Amount)
		}
		return nil

	case *perp.OpenResult:
		return pw.upsertLeveragedPosition(ctx, tx, seq, v.Position)

	case *perp.CloseResult:
		return pw.upsertLeveragedPosition(ctx, tx, seq, v.Position)

	case []batch.OpenItem:
		for _, item := range v {
			if item.Err != nil || item.Position == nil {
				continue
			}
			if err := pw.upsertLeveragedPosition(ctx, tx, seq, item.Position); err != nil {
				return err
			}
		}
		return nil

	case []batch.CloseItem:
		for _, item := range v {
			if item.Err != nil || item.Position == nil {
				continue
			}
			if err := pw.upsertLeveragedPosition(ctx, tx, seq, item.Position); err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}

func (pw *ProjectionWorker) upsertEvent(ctx context.Context, tx *sql.Tx, seq int64, e *market.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.events (event_id, status, start_time, expire_time, volume, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id)
		DO UPDATE SET status = $2, volume = $5, last_sequence = $6
	`, int64(e.ID), int32(e.Status), e.StartTime, e.ExpireTime, e.Volume, seq)
	return err
}

func (pw *ProjectionWorker) addEventVolume(ctx context.Context, tx *sql.Tx, seq int64, eventID uint64, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.events
		SET volume = volume + $2, last_sequence = $3
		WHERE event_id = $1
	`, int64(eventID), delta, seq)
	return err
}

func (pw *ProjectionWorker) upsertMarketPosition(ctx context.Context, tx *sql.Tx, seq int64, p *market.Position) error {
	detail, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.positions (position_id, kind, account, event_id, status, detail, last_sequence)
		VALUES ($1, 'market', $2, $3, $4, $5, $6)
		ON CONFLICT (kind, position_id)
		DO UPDATE SET status = $4, detail = $5, last_sequence = $6
	`, int64(p.ID), p.Owner.Hex(), int64(p.Outcome.EventID), int32(p.Status), detail, seq)
	return err
}

func (pw *ProjectionWorker) upsertLeveragedPosition(ctx context.Context, tx *sql.Tx, seq int64, p *perp.Position) error {
	detail, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.positions (position_id, kind, account, event_id, status, detail, last_sequence)
		VALUES ($1, 'leveraged', $2, NULL, $3, $4, $5)
		ON CONFLICT (kind, position_id)
		DO UPDATE SET status = $3, detail = $4, last_sequence = $5
	`, int64(p.ID), p.Owner.Hex(), int32(p.Status), detail, seq)
	return err
}

// recordHistory feeds the in-memory settlement history. Batch close items
// repeat per output, so only the output whose journal batch matches the item
// records the entry.
func (pw *ProjectionWorker) recordHistory(output core.CoreOutput) {
	if pw.history == nil {
		return
	}
	seq := output.Envelope.Sequence
	ts := output.Envelope.Timestamp.UnixMicro()

	switch v := output.Result.(type) {
	case *market.SellResult:
		if sell, ok := output.Command.(*command.SellPosition); ok {
			pw.history.Add(SettlementEntry{
				Kind:      SettlementKindMarketSell,
				Account:   sell.Account,
				Amount:    sell.Amount,
				Payout:    v.Payout,
				Sequence:  seq,
				Timestamp: ts,
			})
		}

	case *perp.CloseResult:
		pw.history.Add(SettlementEntry{
			Kind:       SettlementKindLeveragedClose,
			Account:    v.Position.Owner,
			PositionID: v.Position.ID,
			Amount:     v.Position.Margin,
			PnL:        v.PnL,
			Payout:     v.Credited,
			Forced:     v.Position.Status == perp.StatusLiquidated,
			Sequence:   seq,
			Timestamp:  ts,
		})

	case []batch.CloseItem:
		for _, item := range v {
			if item.Err != nil || item.Position == nil || item.Batch == nil {
				continue
			}
			if output.Batch == nil || item.Batch.BatchID != output.Batch.BatchID {
				continue
			}
			pw.history.Add(SettlementEntry{
				Kind:       SettlementKindLeveragedClose,
				Account:    item.Position.Owner,
				PositionID: item.Position.ID,
				Amount:     item.Position.Margin,
				PnL:        item.PnL,
				Payout:     item.Credited,
				Forced:     item.Position.Status == perp.StatusLiquidated,
				Sequence:   seq,
				Timestamp:  ts,
			})
		}
	}
}

// RebuildProjections rebuilds the balance projection from the journal and
// truncates the entity tables; those repopulate as commands flow.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.events`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit side: balances increase
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM command_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credit side: balances decrease
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM command_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
