package persistence

import (
	"PegLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// snapshotFormatVersion 1: JSON-encoded core.SnapshotState
const snapshotFormatVersion = 1

// SnapshotStore saves and loads core snapshots. Load returns nil, nil when
// there is no snapshot (cold start).
type SnapshotStore interface {
	Save(ctx context.Context, snap *core.SnapshotState) (int, error)
	LoadLatest(ctx context.Context) (*core.SnapshotState, error)
	Close() error
}

func encodeSnapshot(snap *core.SnapshotState) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// PostgresSnapshotStore keeps snapshots in event_log.snapshots
type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// Save persists a snapshot and returns its encoded size
func (s *PostgresSnapshotStore) Save(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(height, state_hash, format_version, size_bytes, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (height) DO UPDATE SET data = $5, state_hash = $2, size_bytes = $4
	`, snap.Height, snap.StateHash[:], snapshotFormatVersion, len(data), data, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Height, err)
	}
	return len(data), nil
}

// LoadLatest loads the highest snapshot whose block is still in the log,
// so a snapshot above a truncated head is never used.
func (s *PostgresSnapshotStore) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.format_version, s.data
		FROM event_log.snapshots s
		JOIN event_log.blocks b ON b.height = s.height AND b.state_hash = s.state_hash
		ORDER BY s.height DESC
		LIMIT 1
	`)

	var version int
	var data []byte
	if err := row.Scan(&version, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format %d", version)
	}
	return decodeSnapshot(data)
}

func (s *PostgresSnapshotStore) Close() error { return nil }

// BlockReader reads the block log for replay and verification
type BlockReader struct {
	db *sql.DB
}

func NewBlockReader(db *sql.DB) *BlockReader {
	return &BlockReader{db: db}
}

// LoadBlocksFrom loads up to limit blocks at or above fromHeight, in order
func (r *BlockReader) LoadBlocksFrom(ctx context.Context, fromHeight int64, limit int) ([]BlockRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT height, state_hash, prev_hash, block_time, operation_count, rejected_count, payload
		FROM event_log.blocks
		WHERE height >= $1
		ORDER BY height ASC
		LIMIT $2
	`, fromHeight, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []BlockRow
	for rows.Next() {
		var b BlockRow
		if err := rows.Scan(
			&b.Height, &b.StateHash, &b.PrevHash, &b.Timestamp,
			&b.OperationCount, &b.RejectedCount, &b.Payload,
		); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// GetLatestHeight returns the highest persisted height, or -1 for an empty log
func (r *BlockReader) GetLatestHeight(ctx context.Context) (int64, error) {
	var h sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(height) FROM event_log.blocks`).Scan(&h); err != nil {
		return 0, err
	}
	if !h.Valid {
		return -1, nil
	}
	return h.Int64, nil
}

// GetStateHash returns the stored hash of a block
func (r *BlockReader) GetStateHash(ctx context.Context, height int64) ([]byte, error) {
	var hash []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT state_hash FROM event_log.blocks WHERE height = $1`, height,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return hash, err
}
