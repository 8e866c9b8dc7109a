package persistence

import (
	"PegLedger/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BlockLogWriter writes blocks and everything they produced using
// multi-row INSERTs. Every write is idempotent so replays and retries are
// harmless.
type BlockLogWriter struct {
	db *sql.DB
}

// BlockRow is a row in event_log.blocks
type BlockRow struct {
	Height         int64
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	OperationCount int
	RejectedCount  int
	Payload        []byte // block JSON as received
}

// JournalRow is a row in event_log.journals
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Height        int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint32
	Amount        int64
	JournalType   string
	Timestamp     time.Time
}

// RejectionRow is a row in event_log.rejections
type RejectionRow struct {
	Height         int64
	OpIndex        int
	OpType         string
	IdempotencyKey string
	Kind           string
	Message        string
}

// IdempotencyRow is a row in event_log.idempotency_keys
type IdempotencyRow struct {
	OpType         string
	IdempotencyKey string
	Height         int64
}

// BlockRows is everything one core output writes
type BlockRows struct {
	Block      BlockRow
	Journals   []JournalRow
	Rejections []RejectionRow
	Applied    []IdempotencyRow
}

// RowsFromOutput flattens a core output into table rows
func RowsFromOutput(out core.CoreOutput) BlockRows {
	env := out.Envelope
	rows := BlockRows{
		Block: BlockRow{
			Height:         env.Height,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
			OperationCount: env.OperationCount,
			RejectedCount:  env.RejectedCount,
			Payload:        env.Payload,
		},
	}
	if len(rows.Block.Payload) == 0 {
		rows.Block.Payload = []byte("{}")
	}
	if out.Result == nil {
		return rows
	}

	for _, b := range out.Result.Batches {
		for _, j := range b.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Height:        env.Height,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint32(j.AssetID),
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     time.UnixMicro(j.Timestamp).UTC(),
			})
		}
	}

	for _, op := range out.Result.Ops {
		if op.Applied() {
			rows.Applied = append(rows.Applied, IdempotencyRow{
				OpType:         op.Type.String(),
				IdempotencyKey: op.Key,
				Height:         env.Height,
			})
			continue
		}
		rows.Rejections = append(rows.Rejections, RejectionRow{
			Height:         env.Height,
			OpIndex:        op.Index,
			OpType:         op.Type.String(),
			IdempotencyKey: op.Key,
			Kind:           core.RejectionKind(op.Err),
			Message:        op.Err.Error(),
		})
	}
	return rows
}

func NewBlockLogWriter(db *sql.DB) *BlockLogWriter {
	return &BlockLogWriter{db: db}
}

// maxParams is the Postgres bind parameter limit per statement
const maxParams = 65535

// insertRows runs multi-row INSERTs, split to stay under maxParams
func insertRows(ctx context.Context, ex execer, head, conflict string, cols, n int, row func(i int) []interface{}) error {
	perStmt := maxParams / cols
	for start := 0; start < n; start += perStmt {
		end := start + perStmt
		if end > n {
			end = n
		}
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			ph := make([]string, cols)
			for c := range ph {
				ph[c] = fmt.Sprintf("$%d", (i-start)*cols+c+1)
			}
			values = append(values, "("+strings.Join(ph, ", ")+")")
			args = append(args, row(i)...)
		}
		query := head + " VALUES " + strings.Join(values, ", ") + " " + conflict
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlockBatch writes blocks to event_log.blocks
func (w *BlockLogWriter) WriteBlockBatch(ctx context.Context, ex execer, blocks []BlockRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO event_log.blocks
		(height, state_hash, prev_hash, block_time, operation_count, rejected_count, payload)`,
		"ON CONFLICT (height) DO NOTHING",
		7, len(blocks), func(i int) []interface{} {
			b := blocks[i]
			return []interface{}{b.Height, b.StateHash, b.PrevHash, b.Timestamp,
				b.OperationCount, b.RejectedCount, b.Payload}
		})
}

// WriteJournalBatch writes journal entries to event_log.journals
func (w *BlockLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO event_log.journals
		(journal_id, batch_id, event_ref, height, debit_account, credit_account, asset_id, amount, journal_type, block_time)`,
		"ON CONFLICT (journal_id) DO NOTHING",
		10, len(journals), func(i int) []interface{} {
			j := journals[i]
			return []interface{}{j.JournalID, j.BatchID, j.EventRef, j.Height,
				j.DebitAccount, j.CreditAccount, int64(j.AssetID), j.Amount, j.JournalType, j.Timestamp}
		})
}

// WriteRejectionBatch writes rejected operations to event_log.rejections
func (w *BlockLogWriter) WriteRejectionBatch(ctx context.Context, ex execer, rejections []RejectionRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO event_log.rejections
		(height, op_index, op_type, idempotency_key, kind, message)`,
		"ON CONFLICT (height, op_index) DO NOTHING",
		6, len(rejections), func(i int) []interface{} {
			r := rejections[i]
			return []interface{}{r.Height, r.OpIndex, r.OpType, r.IdempotencyKey, r.Kind, r.Message}
		})
}

// WriteIdempotencyBatch records applied operation ids for tier-2 dedup
func (w *BlockLogWriter) WriteIdempotencyBatch(ctx context.Context, ex execer, keys []IdempotencyRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO event_log.idempotency_keys
		(op_type, idempotency_key, height)`,
		"ON CONFLICT (op_type, idempotency_key) DO NOTHING",
		3, len(keys), func(i int) []interface{} {
			k := keys[i]
			return []interface{}{k.OpType, k.IdempotencyKey, k.Height}
		})
}

// TruncateFrom removes a popped block and everything above it
func (w *BlockLogWriter) TruncateFrom(ctx context.Context, ex execer, height int64) error {
	for _, table := range []string{
		"event_log.idempotency_keys",
		"event_log.rejections",
		"event_log.journals",
		"event_log.blocks",
	} {
		if _, err := ex.ExecContext(ctx, `DELETE FROM `+table+` WHERE height >= $1`, height); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
