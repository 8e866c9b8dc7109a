package query

import (
	"PegLedger/internal/core"
	"PegLedger/internal/observability"
	"PegLedger/internal/protocol"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// QueryService provides read-only access to projections and the block log,
// served over HTTP/JSON by the gateway mux. Responses carry as_of_height,
// the projection watermark, for freshness.
type QueryService struct {
	store   Store
	metrics *observability.Metrics
}

func NewQueryService(store Store, metrics *observability.Metrics) *QueryService {
	return &QueryService{store: store, metrics: metrics}
}

// observe records request metrics for one endpoint call
func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		code := "internal"
		if errors.Is(err, ErrNotFound) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// GetBalances returns every asset balance of an account, grouped by asset.
func (qs *QueryService) GetBalances(ctx context.Context, account uuid.UUID) (resp *BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("balances", start, err) }(time.Now())

	asOf, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rows, err := qs.store.Balances(ctx, account)
	if err != nil {
		return nil, err
	}
	prec, err := qs.precisions(ctx)
	if err != nil {
		return nil, err
	}

	resp = &BalanceResponse{Account: account, AsOfHeight: asOf, Assets: []AssetBalance{}}
	byAsset := make(map[uint32]int)
	for _, r := range rows {
		idx, ok := byAsset[r.AssetID]
		if !ok {
			idx = len(resp.Assets)
			byAsset[r.AssetID] = idx
			resp.Assets = append(resp.Assets, AssetBalance{AssetID: r.AssetID})
		}
		b := &resp.Assets[idx]
		switch subTypeOf(r.AccountPath) {
		case "available":
			b.Available += r.Balance
		case "orders":
			b.Orders += r.Balance
		case "collateral":
			b.Collateral += r.Balance
		case "settling":
			b.Settling += r.Balance
		}
		b.Total += r.Balance
	}
	for i := range resp.Assets {
		b := &resp.Assets[i]
		if p, ok := prec.of(b.AssetID); ok {
			b.DisplayTotal = FormatAmount(b.Total, p)
			b.DisplayAvailable = FormatAmount(b.Available, p)
		}
	}
	return resp, nil
}

// GetBitasset returns the projected state of a market-issued asset by symbol.
func (qs *QueryService) GetBitasset(ctx context.Context, symbol string) (resp *BitassetResponse, err error) {
	defer func(start time.Time) { qs.observe("bitasset", start, err) }(time.Now())

	asOf, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	v, err := qs.store.Bitasset(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return describe(*v, asOf), nil
}

// ListBitassets returns every market-issued asset in id order.
func (qs *QueryService) ListBitassets(ctx context.Context) (resp []BitassetResponse, err error) {
	defer func(start time.Time) { qs.observe("bitassets", start, err) }(time.Now())

	asOf, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	views, err := qs.store.Bitassets(ctx)
	if err != nil {
		return nil, err
	}
	resp = make([]BitassetResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, *describe(v, asOf))
	}
	return resp, nil
}

// GetFills returns an account's fills, newest first. beforeHeight is the
// pagination cursor.
func (qs *QueryService) GetFills(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) (fills []FillResponse, err error) {
	defer func(start time.Time) { qs.observe("fills", start, err) }(time.Now())
	return qs.store.Fills(ctx, account, pageSize(limit), beforeHeight)
}

// GetJournalHistory returns journal legs touching an account, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, beforeHeight *int64) (entries []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("journals", start, err) }(time.Now())
	return qs.store.Journals(ctx, account, pageSize(limit), beforeHeight)
}

// GetBlock returns a persisted block header and its rejected operations.
func (qs *QueryService) GetBlock(ctx context.Context, height int64) (b *BlockResponse, err error) {
	defer func(start time.Time) { qs.observe("block", start, err) }(time.Now())
	return qs.store.Block(ctx, height)
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain and global balance invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { qs.observe("integrity", start, err) }(time.Now())

	asOf, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	report, err = qs.store.Integrity(ctx)
	if err != nil {
		return nil, err
	}
	report.AsOfHeight = asOf
	return report, nil
}

// --- helpers ---

func (qs *QueryService) precisions(ctx context.Context) (precisions, error) {
	views, err := qs.store.Bitassets(ctx)
	if err != nil {
		return nil, err
	}
	p := make(precisions, 2*len(views))
	for _, v := range views {
		p[uint32(v.AssetID)] = v.Precision
		p[uint32(v.BackingAsset)] = v.BackingPrecision
	}
	return p, nil
}

func describe(v core.BitassetView, asOf int64) *BitassetResponse {
	p := precisions{
		uint32(v.AssetID):      v.Precision,
		uint32(v.BackingAsset): v.BackingPrecision,
	}
	display := func(pr protocol.Price) string {
		return FormatPrice(pr, p[uint32(pr.Base.AssetID)], p[uint32(pr.Quote.AssetID)])
	}
	return &BitassetResponse{
		BitassetView:           v,
		DisplaySupply:          FormatAmount(v.CurrentSupply, v.Precision),
		DisplayMedianPrice:     display(v.MedianPrice),
		DisplaySettlementPrice: display(v.SettlementPrice),
		AsOfHeight:             asOf,
	}
}

// subTypeOf extracts the purpose segment of a user account path,
// user:{id}:{subtype}:{asset}.
func subTypeOf(path string) string {
	parts := strings.Split(path, ":")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}
