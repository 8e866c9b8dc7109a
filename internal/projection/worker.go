package projection

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker maintains the read-side tables from core outputs:
// balances from journals, fills from FillOrder virtual ops and one row per
// market-issued asset. The projection channel drops when this worker is
// behind; projections can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lastHeight int64
	// journal legs of recent blocks, for reversing popped balances
	recent    map[int64][]BalanceDelta
	maxRecent int
}

// BalanceDelta is one account movement derived from a journal leg
type BalanceDelta struct {
	AccountPath string
	AssetID     uint32
	Delta       int64
}

// FillRow is a row in projections.fills
type FillRow struct {
	Height     int64
	OpIndex    int
	OrderKind  string
	OrderID    uint64
	Account    string
	PaysAsset  uint32
	PaysAmount int64
	RecvAsset  uint32
	RecvAmount int64
	FeeAmount  int64
	IsMaker    bool
	Timestamp  time.Time
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, maxRecent int, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	if maxRecent <= 0 {
		maxRecent = 64
	}
	return &ProjectionWorker{
		db:         db,
		inputChan:  inputChan,
		metrics:    metrics,
		logger:     logger,
		recent:     make(map[int64][]BalanceDelta),
		maxRecent:  maxRecent,
		lastHeight: -1,
	}
}

// LoadWatermark reads the last projected height, so outputs re-emitted by
// a replay are not applied twice.
func (pw *ProjectionWorker) LoadWatermark(ctx context.Context) error {
	var h int64
	err := pw.db.QueryRowContext(ctx,
		`SELECT last_height FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastHeight = h
	return nil
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

			if !output.Popped && output.Envelope.Height <= pw.lastHeight {
				continue
			}

			start := time.Now()
			var err error
			if output.Popped {
				err = pw.processPopped(ctx, output)
			} else {
				err = pw.processOutput(ctx, output)
			}
			if err != nil {
				// Projections are eventually consistent and can be rebuilt
				pw.logger.Warn().Err(err).Int64("height", output.Envelope.Height).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}
		}
	}
}

// BalanceDeltas turns journal legs into per-account deltas. The debit side
// gains and the credit side loses, as in the in-memory tracker.
func BalanceDeltas(batches []*ledger.Batch) []BalanceDelta {
	var out []BalanceDelta
	for _, b := range batches {
		for _, j := range b.Journals {
			out = append(out,
				BalanceDelta{AccountPath: j.DebitAccount.AccountPath(), AssetID: uint32(j.AssetID), Delta: j.Amount},
				BalanceDelta{AccountPath: j.CreditAccount.AccountPath(), AssetID: uint32(j.AssetID), Delta: -j.Amount},
			)
		}
	}
	return out
}

// FillRows lists the FillOrder virtual ops of a block
func FillRows(out core.CoreOutput) []FillRow {
	if out.Result == nil {
		return nil
	}
	var rows []FillRow
	for i, v := range out.Result.VirtualOps {
		f, ok := v.(*event.FillOrder)
		if !ok {
			continue
		}
		rows = append(rows, FillRow{
			Height:     out.Envelope.Height,
			OpIndex:    i,
			OrderKind:  f.OrderKind.String(),
			OrderID:    f.OrderID,
			Account:    f.Account.String(),
			PaysAsset:  uint32(f.Pays.AssetID),
			PaysAmount: f.Pays.Amount,
			RecvAsset:  uint32(f.Receives.AssetID),
			RecvAmount: f.Receives.Amount,
			FeeAmount:  f.Fee.Amount,
			IsMaker:    f.IsMaker,
			Timestamp:  out.Envelope.Timestamp,
		})
	}
	return rows
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	height := output.Envelope.Height
	var deltas []BalanceDelta
	if output.Result != nil {
		deltas = BalanceDeltas(output.Result.Batches)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range deltas {
		if err := applyDelta(ctx, tx, d, height); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	for _, f := range FillRows(output) {
		if err := insertFill(ctx, tx, f); err != nil {
			return fmt.Errorf("fill projection: %w", err)
		}
	}
	if err := upsertBitassets(ctx, tx, output.Bitassets, height); err != nil {
		return fmt.Errorf("bitasset projection: %w", err)
	}
	if err := setWatermark(ctx, tx, height); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pw.remember(height, deltas)
	pw.lastHeight = height
	return nil
}

// processPopped reverses the popped block's balance deltas and drops its
// fills. A pop older than the retained window cannot be reversed here and
// needs RebuildBalances.
func (pw *ProjectionWorker) processPopped(ctx context.Context, output core.CoreOutput) error {
	height := output.Envelope.Height
	deltas, ok := pw.recent[height]
	if !ok && height <= pw.lastHeight {
		pw.logger.Warn().Int64("height", height).Msg("popped block outside projection window, balances need rebuild")
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range deltas {
		d.Delta = -d.Delta
		if err := applyDelta(ctx, tx, d, height-1); err != nil {
			return fmt.Errorf("reverse balance: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.fills WHERE height >= $1`, height); err != nil {
		return fmt.Errorf("delete fills: %w", err)
	}
	if err := upsertBitassets(ctx, tx, output.Bitassets, height-1); err != nil {
		return fmt.Errorf("bitasset projection: %w", err)
	}
	if err := setWatermark(ctx, tx, height-1); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	delete(pw.recent, height)
	pw.lastHeight = height - 1
	return nil
}

func (pw *ProjectionWorker) remember(height int64, deltas []BalanceDelta) {
	pw.recent[height] = deltas
	delete(pw.recent, height-int64(pw.maxRecent))
}

func applyDelta(ctx context.Context, tx *sql.Tx, d BalanceDelta, height int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, height)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, height = $4
	`, d.AccountPath, int64(d.AssetID), d.Delta, height)
	return err
}

func insertFill(ctx context.Context, tx *sql.Tx, f FillRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.fills
			(height, op_index, order_kind, order_id, account, pays_asset, pays_amount,
			 recv_asset, recv_amount, fee_amount, is_maker, block_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (height, op_index) DO NOTHING
	`, f.Height, f.OpIndex, f.OrderKind, int64(f.OrderID), f.Account,
		int64(f.PaysAsset), f.PaysAmount, int64(f.RecvAsset), f.RecvAmount,
		f.FeeAmount, f.IsMaker, f.Timestamp)
	return err
}

// upsertBitassets replaces the bitasset rows with the views of the current
// head. Assets no longer present (popped creation) are removed.
func upsertBitassets(ctx context.Context, tx *sql.Tx, views []core.BitassetView, height int64) error {
	ids := make([]int64, 0, len(views))
	for _, v := range views {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.bitassets (asset_id, symbol, state, view, height, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (asset_id) DO UPDATE
				SET symbol = $2, state = $3, view = $4, height = $5, updated_at = NOW()
		`, int64(v.AssetID), v.Symbol, v.State, data, height); err != nil {
			return err
		}
		ids = append(ids, int64(v.AssetID))
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM projections.bitassets WHERE NOT (asset_id = ANY($1))`, pq.Array(ids))
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, height int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_height, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_height = $2, updated_at = NOW()
	`, workerID, height); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildBalances rebuilds projections.balances from event_log.journals.
// Fills and bitassets come from virtual ops and core state, which the event
// log does not hold; replaying blocks refills them.
func RebuildBalances(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, height)
		SELECT account_path, asset_id, SUM(delta), MAX(height)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, height
			FROM event_log.journals
			UNION ALL
			SELECT credit_account, asset_id, -amount, height
			FROM event_log.journals
		) legs
		GROUP BY account_path, asset_id
		HAVING SUM(delta) != 0
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(height) FROM event_log.blocks`).Scan(&head); err != nil {
		return err
	}
	if head.Valid {
		if err := setWatermark(ctx, tx, head.Int64); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int64("head", head.Int64).Msg("balance projection rebuilt")
	return nil
}
