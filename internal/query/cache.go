package query

import (
	"PegLedger/internal/core"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// bitasset lookups, which every balance and price query touches. Account
// scoped reads pass through. Entries expire after ttl; there is no write
// path to invalidate from.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	onHit   func(result string)
}

// NewCachedStore creates a cached wrapper around a primary store. onHit, if
// set, is called with "hit" or "miss" on every cached lookup.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, onHit func(result string)) *CachedStore {
	if onHit == nil {
		onHit = func(string) {}
	}
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl, onHit: onHit}
}

// --- Read-through ---

func (s *CachedStore) Bitassets(ctx context.Context) ([]core.BitassetView, error) {
	var views []core.BitassetView
	if s.get(ctx, bitassetsKey(), &views) {
		return views, nil
	}
	views, err := s.primary.Bitassets(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, bitassetsKey(), views)
	return views, nil
}

func (s *CachedStore) Bitasset(ctx context.Context, symbol string) (*core.BitassetView, error) {
	var v core.BitassetView
	if s.get(ctx, bitassetKey(symbol), &v) {
		return &v, nil
	}
	got, err := s.primary.Bitasset(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.set(ctx, bitassetKey(symbol), got)
	return got, nil
}

// --- Passthrough ---

func (s *CachedStore) Watermark(ctx context.Context) (int64, error) {
	return s.primary.Watermark(ctx)
}

func (s *CachedStore) Balances(ctx context.Context, account uuid.UUID) ([]BalanceRow, error) {
	return s.primary.Balances(ctx, account)
}

func (s *CachedStore) Fills(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]FillResponse, error) {
	return s.primary.Fills(ctx, account, limit, beforeHeight)
}

func (s *CachedStore) Journals(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]JournalHistoryEntry, error) {
	return s.primary.Journals(ctx, account, limit, beforeHeight)
}

func (s *CachedStore) Block(ctx context.Context, height int64) (*BlockResponse, error) {
	return s.primary.Block(ctx, height)
}

func (s *CachedStore) Integrity(ctx context.Context) (*IntegrityReport, error) {
	return s.primary.Integrity(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, into interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(data, into) == nil {
		s.onHit("hit")
		return true
	}
	s.onHit("miss")
	return false
}

func (s *CachedStore) set(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func bitassetsKey() string           { return "peg:bitassets" }
func bitassetKey(sym string) string { return fmt.Sprintf("peg:bitasset:%s", strings.ToUpper(sym)) }
