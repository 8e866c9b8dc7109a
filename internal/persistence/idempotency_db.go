package persistence

import (
	"PegLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the tier-2 dedup lookup against
// event_log.idempotency_keys
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
	metrics *observability.Metrics
}

func NewPostgresIdempotencyChecker(db *sql.DB, metrics *observability.Metrics) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
		metrics: metrics,
	}
}

// IsDuplicate reports whether the operation id was applied in a persisted
// block below belowHeight
func (pic *PostgresIdempotencyChecker) IsDuplicate(opType string, idempotencyKey string, belowHeight int64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if pic.metrics != nil {
			pic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
	}()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.idempotency_keys
		WHERE op_type = $1 AND idempotency_key = $2 AND height < $3
		LIMIT 1
	`, opType, idempotencyKey, belowHeight).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns composite keys of the most recent applied operations,
// oldest first, for warming the LRU on a cold start without a snapshot.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT op_type || ':' || idempotency_key
		FROM (
			SELECT op_type, idempotency_key, height
			FROM event_log.idempotency_keys
			ORDER BY height DESC
			LIMIT $1
		) recent
		ORDER BY height ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
