package query

import (
	"PegLedger/internal/core"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// BalanceRow is a projected balance of one account path
type BalanceRow struct {
	AccountPath string
	AssetID     uint32
	Balance     int64
}

// Store is the read side the query service depends on
type Store interface {
	Watermark(ctx context.Context) (int64, error)
	Balances(ctx context.Context, account uuid.UUID) ([]BalanceRow, error)
	Bitassets(ctx context.Context) ([]core.BitassetView, error)
	Bitasset(ctx context.Context, symbol string) (*core.BitassetView, error)
	Fills(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]FillResponse, error)
	Journals(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]JournalHistoryEntry, error)
	Block(ctx context.Context, height int64) (*BlockResponse, error)
	Integrity(ctx context.Context) (*IntegrityReport, error)
}

// PostgresStore reads projection and event log tables
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var h int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_height FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return h, err
}

func (s *PostgresStore) Balances(ctx context.Context, account uuid.UUID) ([]BalanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance
		FROM projections.balances
		WHERE account_path LIKE $1 AND balance != 0
		ORDER BY asset_id, account_path
	`, fmt.Sprintf("user:%s:%%", account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceRow
	for rows.Next() {
		var r BalanceRow
		var asset int64
		if err := rows.Scan(&r.AccountPath, &asset, &r.Balance); err != nil {
			return nil, err
		}
		r.AssetID = uint32(asset)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Bitassets(ctx context.Context) ([]core.BitassetView, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT view FROM projections.bitassets ORDER BY asset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.BitassetView
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v core.BitassetView
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode bitasset view: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Bitasset(ctx context.Context, symbol string) (*core.BitassetView, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT view FROM projections.bitassets WHERE symbol = $1`, strings.ToUpper(symbol),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v core.BitassetView
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode bitasset view: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) Fills(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]FillResponse, error) {
	query := `
		SELECT height, op_index, order_kind, order_id, account, pays_asset, pays_amount,
		       recv_asset, recv_amount, fee_amount, is_maker, block_time
		FROM projections.fills
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeHeight != nil {
		query += fmt.Sprintf(" AND height < $%d", argIdx)
		args = append(args, *beforeHeight)
		argIdx++
	}

	query += " ORDER BY height DESC, op_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillResponse
	for rows.Next() {
		var f FillResponse
		var orderID, pays, recv int64
		if err := rows.Scan(
			&f.Height, &f.OpIndex, &f.OrderKind, &orderID, &f.Account, &pays, &f.PaysAmount,
			&recv, &f.RecvAmount, &f.FeeAmount, &f.IsMaker, &f.Timestamp,
		); err != nil {
			return nil, err
		}
		f.OrderID, f.PaysAsset, f.RecvAsset = uint64(orderID), uint32(pays), uint32(recv)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) Journals(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, height,
		       debit_account, credit_account, asset_id, amount, journal_type, block_time
		FROM event_log.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeHeight != nil {
		query += fmt.Sprintf(" AND height < $%d", argIdx)
		args = append(args, *beforeHeight)
		argIdx++
	}

	query += " ORDER BY height DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var asset int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Height,
			&e.DebitAccount, &e.CreditAccount, &asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.AssetID = uint32(asset)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Block(ctx context.Context, height int64) (*BlockResponse, error) {
	var b BlockResponse
	var stateHash, prevHash []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT height, state_hash, prev_hash, block_time, operation_count, rejected_count
		FROM event_log.blocks WHERE height = $1
	`, height).Scan(&b.Height, &stateHash, &prevHash, &b.Timestamp, &b.OperationCount, &b.RejectedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.StateHash, b.PrevHash = hex.EncodeToString(stateHash), hex.EncodeToString(prevHash)

	if b.RejectedCount == 0 {
		return &b, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_index, op_type, idempotency_key, kind, message
		FROM event_log.rejections WHERE height = $1 ORDER BY op_index
	`, height)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r RejectedOp
		if err := rows.Scan(&r.OpIndex, &r.OpType, &r.IdempotencyKey, &r.Kind, &r.Message); err != nil {
			return nil, err
		}
		b.Rejected = append(b.Rejected, r)
	}
	return &b, rows.Err()
}

// Integrity checks hash chain continuity in the block log and that
// projected balances sum to zero per asset.
func (s *PostgresStore) Integrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT b1.height
		FROM event_log.blocks b1
		JOIN event_log.blocks b2 ON b2.height = b1.height - 1
		WHERE b1.prev_hash != b2.state_hash
		ORDER BY b1.height
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var asset, total int64
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   uint32(asset),
			Imbalance: total,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, balanceRows.Err()
}
