package market_test

import (
	"testing"
	"time"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/market"
	"PegLedger/internal/protocol"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eur = protocol.AssetID(1)

// createEUR registers a user-issued asset charging a 1% market fee and
// issues 1000 of it to alice
func (h *harness) createEUR() {
	h.t.Helper()
	h.mustApply(&event.AssetCreate{
		OperationID: uuid.New(),
		Issuer:      issuer,
		Symbol:      "EUR",
		Precision:   2,
		Options: protocol.AssetOptions{
			MaxSupply:         1_000_000,
			MarketFeePercent:  100,
			MaxMarketFee:      1_000,
			IssuerPermissions: protocol.PermChargeMarketFee,
			Flags:             protocol.PermChargeMarketFee,
		},
	})
	h.mustApply(&event.AssetIssue{OperationID: uuid.New(), Issuer: issuer, Amount: amt(1000, eur), To: alice})
}

func TestLimitOrders_MatchAtMakerPriceWithMarketFee(t *testing.T) {
	h := newHarness(t, 1)
	h.createEUR()

	h.mustApply(h.sell(alice, amt(100, eur), amt(200, core)))
	// carol would pay up to 3 CORE per EUR but gets alice's 2
	res := h.mustApply(h.sell(carol, amt(300, core), amt(100, eur)))

	fs := fills(res.VirtualOps)
	require.Len(t, fs, 2)
	taker, maker := fs[0], fs[1]
	assert.Equal(t, carol, taker.Account)
	assert.False(t, taker.IsMaker)
	assert.Equal(t, amt(200, core), taker.Pays)
	assert.Equal(t, amt(100, eur), taker.Receives)
	assert.Equal(t, amt(1, eur), taker.Fee)
	assert.True(t, taker.FillPrice.Equal(price(100, eur, 200, core)))

	assert.Equal(t, alice, maker.Account)
	assert.True(t, maker.IsMaker)
	assert.Equal(t, amt(100, eur), maker.Pays)
	assert.Equal(t, amt(200, core), maker.Receives)
	assert.Zero(t, maker.Fee.Amount)

	assert.Equal(t, int64(99), h.available(carol, eur))
	assert.Equal(t, int64(1), h.balance(ledger.MarketFeeAccount(eur)))
	assert.Equal(t, startingCore+200, h.available(alice, core))
	assert.Equal(t, startingCore-300, h.available(carol, core))

	// the rest of carol's order rests
	assert.Empty(t, h.store().Book(eur, core))
	book := h.store().Book(core, eur)
	require.Len(t, book, 1)
	assert.Equal(t, int64(100), book[0].ForSale)
	assert.Equal(t, int64(100), h.balance(ledger.NewUserAccountKey(carol, ledger.SubTypeOrders, core)))
	h.requireBalanced()
}

func TestLimitOrders_SmallerSideRoundsInFavorOfLarger(t *testing.T) {
	h := newHarness(t, 1)
	h.createEUR()
	h.mustApply(h.sell(alice, amt(10, eur), amt(30, core)))

	// 20 CORE buys 6 EUR at 3 CORE each; the taker pays 18 and its 2 CORE
	// remainder is refunded
	res := h.mustApply(h.sell(carol, amt(20, core), amt(6, eur)))
	fs := fills(res.VirtualOps)
	require.Len(t, fs, 2)
	assert.Equal(t, amt(18, core), fs[0].Pays)
	assert.Equal(t, amt(6, eur), fs[0].Receives)
	assert.Equal(t, amt(6, eur), fs[1].Pays)
	assert.Equal(t, amt(18, core), fs[1].Receives)

	cancelled, ok := findVop[*event.OrderCancelled](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, event.CancelReasonDust, cancelled.Reason)
	assert.Equal(t, amt(2, core), cancelled.Refund)
	assert.Empty(t, h.store().Book(core, eur))
	assert.Equal(t, startingCore-18, h.available(carol, core))

	book := h.store().Book(eur, core)
	require.Len(t, book, 1)
	assert.Equal(t, int64(4), book[0].ForSale)
	h.requireBalanced()
}

func TestLimitOrders_DustRemainderIsCulled(t *testing.T) {
	h := newHarness(t, 1)
	h.createEUR()
	h.mustApply(h.sell(alice, amt(10, eur), amt(30, core)))

	// carol fills alice completely; 1 CORE left at 3.1 per EUR buys nothing
	res := h.mustApply(h.sell(carol, amt(31, core), amt(10, eur)))
	require.Len(t, fills(res.VirtualOps), 2)
	cancelled, ok := findVop[*event.OrderCancelled](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, amt(1, core), cancelled.Refund)
	assert.Empty(t, h.store().Book(core, eur))
	assert.Empty(t, h.store().Book(eur, core))
	assert.Equal(t, startingCore-30, h.available(carol, core))
	h.requireBalanced()
}

func TestLimitOrders_DustThresholdCullsOnCreate(t *testing.T) {
	h := newHarness(t, 10)
	h.createEUR()

	res := h.mustApply(h.sell(carol, amt(100, core), amt(5, eur)))
	cancelled, ok := findVop[*event.OrderCancelled](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, event.CancelReasonDust, cancelled.Reason)
	assert.Empty(t, h.store().Book(core, eur))
	assert.Equal(t, startingCore, h.available(carol, core))
}

func TestLimitOrders_FillOrKill(t *testing.T) {
	h := newHarness(t, 1)
	h.createEUR()

	op := h.sell(carol, amt(300, core), amt(100, eur))
	op.FillOrKill = true
	assert.ErrorIs(t, h.reject(op), market.ErrValidation)
	assert.Empty(t, h.store().Book(core, eur))
	assert.Equal(t, startingCore, h.available(carol, core))
}

func TestLimitOrders_CancelAndExpire(t *testing.T) {
	h := newHarness(t, 1)
	h.createEUR()
	h.mustApply(h.sell(alice, amt(10, eur), amt(30, core)))
	id := h.store().Book(eur, core)[0].ID

	cancel := &event.LimitOrderCancel{OperationID: uuid.New(), FeePayingAccount: carol, OrderID: id}
	assert.ErrorIs(t, h.reject(cancel), market.ErrAuthorization)

	missing := &event.LimitOrderCancel{OperationID: uuid.New(), FeePayingAccount: alice, OrderID: id + 100}
	assert.ErrorIs(t, h.reject(missing), market.ErrObjectNotFound)

	cancel.OperationID, cancel.FeePayingAccount = uuid.New(), alice
	res := h.mustApply(cancel)
	cancelled, ok := findVop[*event.OrderCancelled](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, event.CancelReasonUser, cancelled.Reason)
	assert.Equal(t, int64(1000), h.available(alice, eur))

	// expiration must lie ahead of the head block
	stale := h.sell(alice, amt(10, eur), amt(30, core))
	stale.Expiration = h.now
	assert.ErrorIs(t, h.reject(stale), market.ErrValidation)

	short := h.sell(alice, amt(10, eur), amt(30, core))
	short.Expiration = h.now.Add(30 * time.Second)
	h.mustApply(short)
	require.Len(t, h.store().Book(eur, core), 1)

	res = h.blockAt(h.now.Add(time.Minute))
	cancelled, ok = findVop[*event.OrderCancelled](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, event.CancelReasonExpired, cancelled.Reason)
	assert.Empty(t, h.store().Book(eur, core))
	assert.Equal(t, int64(1000), h.available(alice, eur))
	h.requireBalanced()
}

func TestLimitOrders_InsufficientBalance(t *testing.T) {
	h := newHarness(t, 1)
	h.createEUR()

	err := h.reject(h.sell(bob, amt(10, eur), amt(30, core)))
	assert.ErrorIs(t, err, market.ErrInsufficientBalance)
	assert.True(t, market.IsRejection(err))
}
