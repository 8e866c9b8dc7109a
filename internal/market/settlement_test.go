package market_test

import (
	"testing"
	"time"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/market"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceSettle_CarriesOverToNextCall(t *testing.T) {
	h := newHarness(t, 1)
	opts, bopts := usdOptions(protocol.BSRMGlobalSettlement)
	h.createUSD(opts, bopts)
	h.mustApply(publish(witnesses[0], feed(1, 1, 1750, 1100)))
	h.mustApply(
		borrow(alice, 100, 300),
		borrow(bob, 100, 400),
	)
	h.mustApply(
		transfer(alice, carol, amt(100, usd)),
		transfer(bob, carol, amt(50, usd)),
	)

	h.mustApply(settle(carol, amt(150, usd)))
	queue := h.store().SettleQueue(usd)
	require.Len(t, queue, 1)
	due := queue[0].SettlementDate
	assert.Equal(t, h.now.Add(60*time.Second), due)
	assert.Equal(t, int64(150), h.balance(ledger.NewUserAccountKey(carol, ledger.SubTypeSettling, usd)))

	// not yet due
	res := h.mustApply()
	assert.Empty(t, fills(res.VirtualOps))

	res = h.blockAt(due)
	fs := fills(res.VirtualOps)
	require.Len(t, fs, 4)

	// alice (3.0) is the least collateralized and is closed first
	assert.Equal(t, protocol.OrderKindSettlement, fs[0].OrderKind)
	assert.Equal(t, amt(100, usd), fs[0].Pays)
	assert.Equal(t, amt(100, core), fs[0].Receives)
	assert.Equal(t, alice, fs[1].Account)

	// the remaining 50 comes out of bob in the same pass
	assert.Equal(t, amt(50, usd), fs[2].Pays)
	assert.Equal(t, amt(50, core), fs[2].Receives)
	assert.Equal(t, bob, fs[3].Account)

	assert.Empty(t, h.store().SettleQueue(usd))
	_, ok := h.store().CallOrderOf(alice, usd)
	assert.False(t, ok)
	assert.Equal(t, startingCore-100, h.available(alice, core))

	call, ok := h.store().CallOrderOf(bob, usd)
	require.True(t, ok)
	assert.Equal(t, int64(50), call.Debt)
	assert.Equal(t, int64(350), call.Collateral)

	assert.Equal(t, startingCore+150, h.available(carol, core))
	assert.Zero(t, h.available(carol, usd))
	assert.Equal(t, int64(50), h.supply(usd))
	assert.Equal(t, int64(150), h.bitasset(usd).ForceSettledVolume)
	h.requireBalanced()
}

func TestForceSettle_VolumeCapDefersRemainder(t *testing.T) {
	h := newHarness(t, 1)
	opts, bopts := usdOptions(protocol.BSRMGlobalSettlement)
	bopts.MaximumForceSettlementVolume = 2000
	bopts.ForceSettlementOffsetPercent = 100
	h.createUSD(opts, bopts)
	h.mustApply(publish(witnesses[0], feed(1, 1, 1750, 1100)))
	h.mustApply(borrow(alice, 1000, 4000))
	h.mustApply(transfer(alice, carol, amt(300, usd)))
	h.mustApply(settle(carol, amt(300, usd)))
	due := h.store().SettleQueue(usd)[0].SettlementDate

	// 20% of 1000 settles now, at 1% below the feed
	res := h.blockAt(due)
	fs := fills(res.VirtualOps)
	require.Len(t, fs, 2)
	assert.Equal(t, amt(200, usd), fs[0].Pays)
	assert.Equal(t, amt(198, core), fs[0].Receives)

	queue := h.store().SettleQueue(usd)
	require.Len(t, queue, 1)
	assert.Equal(t, int64(100), queue[0].Balance.Amount)
	assert.Equal(t, int64(200), h.bitasset(usd).ForceSettledVolume)
	h.requireBalanced()

	// the volume resets at the next maintenance
	res = h.blockAt(genesisTime.Add(time.Hour))
	require.Len(t, fills(res.VirtualOps), 2)
	assert.Empty(t, h.store().SettleQueue(usd))
	assert.Equal(t, startingCore+198+99, h.available(carol, core))
	h.requireBalanced()
}

func TestForceSettle_DisabledByIssuer(t *testing.T) {
	h := newHarness(t, 1)
	opts, bopts := usdOptions(protocol.BSRMGlobalSettlement)
	opts.IssuerPermissions |= protocol.PermDisableForceSettle
	opts.Flags |= protocol.PermDisableForceSettle
	h.createUSD(opts, bopts)
	h.mustApply(publish(witnesses[0], feed(1, 1, 1750, 1100)))
	h.mustApply(borrow(alice, 100, 300))

	err := h.reject(settle(alice, amt(50, usd)))
	assert.ErrorIs(t, err, market.ErrValidation)
	assert.Equal(t, int64(100), h.available(alice, usd))
}

func TestBlackSwan_FreezesAssetAndPaysClaims(t *testing.T) {
	h := newHarness(t, 1)
	opts, bopts := usdOptions(protocol.BSRMGlobalSettlement)
	h.createUSD(opts, bopts)
	h.mustApply(publish(witnesses[0], feed(1, 1, 1750, 1100)))
	h.mustApply(
		borrow(alice, 100, 200),
		borrow(bob, 100, 400),
	)
	h.mustApply(transfer(alice, carol, amt(100, usd)))
	h.mustApply(h.sell(bob, amt(10, usd), amt(100, core)))
	require.Len(t, h.store().Book(usd, core), 1)

	// at 2.5 CORE per USD alice's 200 CORE cannot cover 100 USD
	res := h.mustApply(publish(witnesses[0], feed(2, 5, 1750, 1100)))
	swan, ok := findVop[*event.BlackSwan](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, usd, swan.AssetID)
	gs, ok := findVop[*event.GlobalSettlement](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, int64(400), gs.SettlementFund)
	assert.Equal(t, 2, gs.ClosedCalls)

	b := h.bitasset(usd)
	assert.True(t, b.IsGloballySettled())
	assert.Equal(t, state.BitassetStateGloballySettled, b.State())
	assert.True(t, b.SettlementPrice.Equal(price(200, usd, 400, core)))
	assert.Equal(t, int64(400), h.balance(ledger.SettlementFundAccount(usd, core)))

	// every position is gone: alice lost all her collateral, bob got back
	// what his debt did not need at the swan price
	assert.Empty(t, h.store().CallOrders(usd))
	assert.Equal(t, startingCore-200, h.available(alice, core))
	assert.Equal(t, startingCore-200, h.available(bob, core))
	assert.Empty(t, h.store().Book(usd, core))
	assert.Equal(t, int64(100), h.available(bob, usd))
	h.requireBalanced()

	assert.ErrorIs(t, h.reject(borrow(alice, 10, 100)), market.ErrAssetFrozen)
	assert.ErrorIs(t, h.reject(h.sell(carol, amt(10, usd), amt(10, core))), market.ErrAssetFrozen)
	assert.ErrorIs(t, h.reject(h.sell(alice, amt(10, core), amt(10, usd))), market.ErrAssetFrozen)

	// claims are pro rata at supply/fund
	res = h.mustApply(settle(carol, amt(100, usd)))
	claim, ok := findVop[*event.SettlementClaimed](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, amt(100, usd), claim.Paid)
	assert.Equal(t, amt(200, core), claim.Received)
	assert.Equal(t, startingCore+200, h.available(carol, core))
	assert.Equal(t, int64(200), h.bitasset(usd).SettlementFund)
	assert.True(t, h.bitasset(usd).IsGloballySettled())
	h.requireBalanced()

	// the last holder takes the whole fund and the emptied asset revives
	res = h.mustApply(settle(bob, amt(100, usd)))
	claim, ok = findVop[*event.SettlementClaimed](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, amt(200, core), claim.Received)
	_, revived := findVop[*event.AssetRevived](res.VirtualOps)
	assert.True(t, revived)
	assert.False(t, h.bitasset(usd).IsGloballySettled())
	assert.Zero(t, h.supply(usd))
	assert.Zero(t, h.balance(ledger.SettlementFundAccount(usd, core)))
	h.requireBalanced()
}

func TestBlackSwan_RevivesWhenFundCoversSupply(t *testing.T) {
	h := newHarness(t, 1)
	opts, bopts := usdOptions(protocol.BSRMGlobalSettlement)
	h.createUSD(opts, bopts)
	h.mustApply(publish(witnesses[0], feed(1, 1, 1750, 1100)))
	h.mustApply(
		borrow(alice, 100, 200),
		borrow(bob, 100, 400),
	)
	h.mustApply(publish(witnesses[0], feed(2, 5, 1750, 1100)))
	require.True(t, h.bitasset(usd).IsGloballySettled())

	// a fund of 400 against 200 USD is 2.0, above 1.75 at parity
	res := h.mustApply(publish(witnesses[0], feed(1, 1, 1750, 1100)))
	rev, ok := findVop[*event.AssetRevived](res.VirtualOps)
	require.True(t, ok)
	assert.Equal(t, int64(200), rev.Debt)
	assert.Equal(t, int64(400), rev.Collateral)

	b := h.bitasset(usd)
	assert.False(t, b.IsGloballySettled())
	assert.Zero(t, b.SettlementFund)
	call, ok := h.store().CallOrderOf(issuer, usd)
	require.True(t, ok)
	assert.Equal(t, int64(200), call.Debt)
	assert.Equal(t, int64(400), call.Collateral)
	assert.Equal(t, int64(400), h.balance(ledger.NewUserAccountKey(issuer, ledger.SubTypeCollateral, core)))
	h.requireBalanced()

	// trading resumes
	h.mustApply(borrow(carol, 10, 100))
}

func TestGlobalSettle_IssuerChoosesPrice(t *testing.T) {
	h := newHarness(t, 1)
	opts, bopts := usdOptions(protocol.BSRMGlobalSettlement)
	h.createUSD(opts, bopts)
	h.mustApply(publish(witnesses[0], feed(1, 1, 1750, 1100)))
	h.mustApply(borrow(alice, 100, 300))

	op := &event.AssetGlobalSettle{
		OperationID: uuid.New(),
		Issuer:      alice,
		AssetID:     usd,
		SettlePrice: price(1, usd, 2, core),
	}
	assert.ErrorIs(t, h.reject(op), market.ErrAuthorization)

	// 4 CORE per USD is more than alice's collateral
	op = &event.AssetGlobalSettle{
		OperationID: uuid.New(),
		Issuer:      issuer,
		AssetID:     usd,
		SettlePrice: price(1, usd, 4, core),
	}
	assert.ErrorIs(t, h.reject(op), market.ErrInsufficientCollateral)

	// 1.5 CORE per USD leaves the fund below maintenance so it stays settled
	op.OperationID, op.SettlePrice = uuid.New(), price(2, usd, 3, core)
	h.mustApply(op)
	assert.Equal(t, int64(150), h.bitasset(usd).SettlementFund)
	assert.Equal(t, startingCore-150, h.available(alice, core))
	h.requireBalanced()

	op.OperationID = uuid.New()
	assert.ErrorIs(t, h.reject(op), market.ErrAssetFrozen)
}
