package query

import (
	"PegLedger/internal/core"
	"context"
	"strings"

	"github.com/google/uuid"
)

// fakeStore serves canned rows and counts bitasset lookups
type fakeStore struct {
	watermark int64
	balances  []BalanceRow
	views     []core.BitassetView
	fills     []FillResponse
	blocks    map[int64]*BlockResponse
	report    *IntegrityReport
	err       error

	bitassetCalls int
	lastLimit     int
}

func (f *fakeStore) Watermark(ctx context.Context) (int64, error) { return f.watermark, f.err }

func (f *fakeStore) Balances(ctx context.Context, account uuid.UUID) ([]BalanceRow, error) {
	var rows []BalanceRow
	for _, r := range f.balances {
		if strings.Contains(r.AccountPath, account.String()) {
			rows = append(rows, r)
		}
	}
	return rows, f.err
}

func (f *fakeStore) Bitassets(ctx context.Context) ([]core.BitassetView, error) {
	f.bitassetCalls++
	return f.views, f.err
}

func (f *fakeStore) Bitasset(ctx context.Context, symbol string) (*core.BitassetView, error) {
	f.bitassetCalls++
	for _, v := range f.views {
		if strings.EqualFold(v.Symbol, symbol) {
			v := v
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) Fills(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]FillResponse, error) {
	f.lastLimit = limit
	var out []FillResponse
	for _, fl := range f.fills {
		if fl.Account == account && (beforeHeight == nil || fl.Height < *beforeHeight) {
			out = append(out, fl)
		}
	}
	return out, f.err
}

func (f *fakeStore) Journals(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) ([]JournalHistoryEntry, error) {
	f.lastLimit = limit
	return nil, f.err
}

func (f *fakeStore) Block(ctx context.Context, height int64) (*BlockResponse, error) {
	if b, ok := f.blocks[height]; ok {
		return b, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) Integrity(ctx context.Context) (*IntegrityReport, error) {
	if f.report == nil {
		return &IntegrityReport{IsHealthy: true}, f.err
	}
	r := *f.report
	return &r, f.err
}
