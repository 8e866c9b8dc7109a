package query

import (
	"PegLedger/internal/core"
	"PegLedger/internal/observability"
	"PegLedger/internal/protocol"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
)

func usdView() core.BitassetView {
	return core.BitassetView{
		AssetID:          1,
		Symbol:           "USD",
		Precision:        4,
		BackingAsset:     protocol.CoreAssetID,
		BackingPrecision: 5,
		State:            "normal",
		CurrentSupply:    1_234_500,
		// 0.2500 USD = 1.00000 CORE, so 4 CORE per USD
		MedianPrice: protocol.NewPrice(protocol.NewAmount(2_500, 1), protocol.NewAmount(100_000, protocol.CoreAssetID)),
	}
}

func newTestService(store Store) (*QueryService, *observability.Metrics) {
	m := observability.NewMetricsWith(prometheus.NewRegistry())
	return NewQueryService(store, m), m
}

func TestGetBalances_GroupsBySubType(t *testing.T) {
	a := alice.String()
	store := &fakeStore{
		watermark: 42,
		views:     []core.BitassetView{usdView()},
		balances: []BalanceRow{
			{AccountPath: "user:" + a + ":available:0", AssetID: 0, Balance: 150_000},
			{AccountPath: "user:" + a + ":collateral:0", AssetID: 0, Balance: 50_000},
			{AccountPath: "user:" + a + ":available:1", AssetID: 1, Balance: 12_345},
			{AccountPath: "user:" + a + ":orders:1", AssetID: 1, Balance: 5},
			{AccountPath: "user:" + bob.String() + ":available:0", AssetID: 0, Balance: 999},
		},
	}
	qs, m := newTestService(store)

	resp, err := qs.GetBalances(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.AsOfHeight)
	require.Len(t, resp.Assets, 2)

	cb := resp.Assets[0]
	assert.Equal(t, uint32(0), cb.AssetID)
	assert.Equal(t, int64(150_000), cb.Available)
	assert.Equal(t, int64(50_000), cb.Collateral)
	assert.Equal(t, int64(200_000), cb.Total)
	assert.Equal(t, "2.00000", cb.DisplayTotal)

	usd := resp.Assets[1]
	assert.Equal(t, int64(12_345), usd.Available)
	assert.Equal(t, int64(5), usd.Orders)
	assert.Equal(t, "1.2350", usd.DisplayTotal)
	assert.Equal(t, "1.2345", usd.DisplayAvailable)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryRequests.WithLabelValues("balances", "ok")))
}

func TestGetBalances_EmptyAccount(t *testing.T) {
	qs, _ := newTestService(&fakeStore{})
	resp, err := qs.GetBalances(context.Background(), alice)
	require.NoError(t, err)
	assert.NotNil(t, resp.Assets)
	assert.Empty(t, resp.Assets)
}

func TestGetBitasset_DisplayFields(t *testing.T) {
	qs, _ := newTestService(&fakeStore{watermark: 7, views: []core.BitassetView{usdView()}})

	resp, err := qs.GetBitasset(context.Background(), "usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", resp.Symbol)
	assert.Equal(t, "123.4500", resp.DisplaySupply)
	assert.Equal(t, "4", resp.DisplayMedianPrice)
	assert.Empty(t, resp.DisplaySettlementPrice, "null settlement price has no display")
	assert.Equal(t, int64(7), resp.AsOfHeight)
}

func TestGetBitasset_NotFoundCounted(t *testing.T) {
	qs, m := newTestService(&fakeStore{})

	_, err := qs.GetBitasset(context.Background(), "EUR")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryErrors.WithLabelValues("bitasset", "not_found")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryRequests.WithLabelValues("bitasset", "error")))
}

func TestGetFills_PageSizeAndCursor(t *testing.T) {
	store := &fakeStore{fills: []FillResponse{
		{Height: 9, Account: alice},
		{Height: 5, Account: alice},
		{Height: 4, Account: bob},
	}}
	qs, _ := newTestService(store)

	before := int64(9)
	fills, err := qs.GetFills(context.Background(), alice, 0, &before)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(5), fills[0].Height)
	assert.Equal(t, defaultPageSize, store.lastLimit)

	_, err = qs.GetJournalHistory(context.Background(), alice, 10_000, nil)
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, store.lastLimit)
}

func TestVerifyIntegrity_StampsWatermark(t *testing.T) {
	store := &fakeStore{
		watermark: 100,
		report: &IntegrityReport{
			IsHealthy:        false,
			UnbalancedAssets: []UnbalancedAsset{{AssetID: 1, Imbalance: 3}},
		},
	}
	qs, _ := newTestService(store)

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, int64(100), report.AsOfHeight)
}

func TestWatermarkErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	qs, m := newTestService(&fakeStore{err: boom})

	_, err := qs.GetBalances(context.Background(), alice)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryErrors.WithLabelValues("balances", "internal")))
}

func TestSubTypeOf(t *testing.T) {
	assert.Equal(t, "collateral", subTypeOf("user:"+alice.String()+":collateral:3"))
	assert.Equal(t, "", subTypeOf("system:supply:1"))
	assert.Equal(t, "", subTypeOf("garbage"))
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, defaultPageSize, pageSize(-1))
	assert.Equal(t, 20, pageSize(20))
	assert.Equal(t, maxPageSize, pageSize(maxPageSize+1))
}

func TestCachedStore_FallsThroughWhenRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	primary := &fakeStore{views: []core.BitassetView{usdView()}}
	var results []string
	cached := NewCachedStore(primary, rdb, time.Second, func(r string) { results = append(results, r) })

	views, err := cached.Bitassets(context.Background())
	require.NoError(t, err)
	assert.Len(t, views, 1)

	v, err := cached.Bitasset(context.Background(), "usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", v.Symbol)

	assert.Equal(t, []string{"miss", "miss"}, results)
	assert.Equal(t, 2, primary.bitassetCalls)
}

func TestBitassetKeyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, bitassetKey("USD"), bitassetKey("usd"))
}
