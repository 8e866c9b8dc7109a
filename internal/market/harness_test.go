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
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	core = protocol.CoreAssetID
	usd  = protocol.AssetID(1)

	startingCore = int64(1_000_000_000)
)

var (
	issuer = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	alice  = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	bob    = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
	carol  = uuid.MustParse("00000000-0000-0000-0000-0000000000b3")

	witnesses = []uuid.UUID{
		uuid.MustParse("00000000-0000-0000-0000-0000000000f1"),
		uuid.MustParse("00000000-0000-0000-0000-0000000000f2"),
		uuid.MustParse("00000000-0000-0000-0000-0000000000f3"),
		uuid.MustParse("00000000-0000-0000-0000-0000000000f4"),
	}

	genesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type harness struct {
	t      *testing.T
	engine *market.Engine
	height int64
	now    time.Time
}

func newHarness(t *testing.T, dust int64) *harness {
	t.Helper()
	store := state.NewStore(state.NewUndoLog(16))
	engine := market.NewEngine(store, ledger.NewBalanceTracker(), zerolog.Nop())
	_, err := engine.InitGenesis(market.Genesis{
		Timestamp:     genesisTime,
		DustThreshold: dust,
		Witnesses:     witnesses,
		Balances: []market.GenesisBalance{
			{Account: issuer, Amount: startingCore},
			{Account: alice, Amount: startingCore},
			{Account: bob, Amount: startingCore},
			{Account: carol, Amount: startingCore},
		},
	})
	require.NoError(t, err)
	return &harness{t: t, engine: engine, now: genesisTime}
}

// block applies ops in the next block, 10 seconds after the previous one
func (h *harness) block(ops ...event.Operation) *market.BlockResult {
	return h.blockAt(h.now.Add(10*time.Second), ops...)
}

func (h *harness) blockAt(ts time.Time, ops ...event.Operation) *market.BlockResult {
	h.t.Helper()
	res, err := h.engine.ApplyBlock(event.Block{Height: h.height + 1, Timestamp: ts, Operations: ops}, nil)
	require.NoError(h.t, err)
	h.height, h.now = res.Height, res.Timestamp
	return res
}

// mustApply applies ops in one block and requires every one to succeed
func (h *harness) mustApply(ops ...event.Operation) *market.BlockResult {
	h.t.Helper()
	res := h.block(ops...)
	for _, op := range res.Ops {
		require.NoError(h.t, op.Err, "op %d (%s)", op.Index, op.Type)
	}
	return res
}

// reject applies op alone and returns its rejection
func (h *harness) reject(op event.Operation) error {
	h.t.Helper()
	res := h.block(op)
	require.Len(h.t, res.Ops, 1)
	require.Error(h.t, res.Ops[0].Err)
	return res.Ops[0].Err
}

func (h *harness) store() *state.Store { return h.engine.Store() }

func (h *harness) available(account uuid.UUID, asset protocol.AssetID) int64 {
	return h.engine.Balances().GetUserAvailableBalance(account, asset)
}

func (h *harness) balance(key ledger.AccountKey) int64 {
	return h.engine.Balances().GetBalance(key)
}

func (h *harness) bitasset(id protocol.AssetID) *state.BitassetData {
	h.t.Helper()
	b, ok := h.store().GetBitasset(id)
	require.True(h.t, ok)
	return b
}

func (h *harness) supply(id protocol.AssetID) int64 {
	h.t.Helper()
	a, ok := h.store().GetAsset(id)
	require.True(h.t, ok)
	return a.CurrentSupply
}

func u16(v uint16) *uint16 { return &v }

func amt(v int64, id protocol.AssetID) protocol.AssetAmount { return protocol.NewAmount(v, id) }

func price(base int64, baseID protocol.AssetID, quote int64, quoteID protocol.AssetID) protocol.Price {
	return protocol.NewPrice(amt(base, baseID), amt(quote, quoteID))
}

// usdOptions is a witness-fed MPA backed by CORE with no fees and an
// uncapped force settlement volume
func usdOptions(bsrm protocol.BlackSwanResponseMethod) (protocol.AssetOptions, protocol.BitassetOptions) {
	perms := protocol.PermGlobalSettle | protocol.PermWitnessFedAsset | protocol.PermUpdateBSRM |
		protocol.PermUpdateMCR | protocol.PermUpdateICR | protocol.PermUpdateMSSR
	opts := protocol.AssetOptions{
		MaxSupply:         1_000_000_000_000,
		IssuerPermissions: perms,
		Flags:             protocol.PermWitnessFedAsset,
	}
	bopts := protocol.DefaultBitassetOptions()
	bopts.ForceSettlementDelaySec = 60
	bopts.MaximumForceSettlementVolume = 10_000
	bopts.BlackSwanResponseMethod = bsrm
	return opts, bopts
}

func (h *harness) createUSD(opts protocol.AssetOptions, bopts protocol.BitassetOptions) {
	h.t.Helper()
	h.mustApply(&event.AssetCreate{
		OperationID:     uuid.New(),
		Issuer:          issuer,
		Symbol:          "USD",
		Precision:       4,
		Options:         opts,
		BitassetOptions: &bopts,
	})
	a, ok := h.store().AssetBySymbol("USD")
	require.True(h.t, ok)
	require.Equal(h.t, usd, a.ID)
}

// feed builds a feed of usdAmount USD per coreAmount CORE
func feed(usdAmount, coreAmount int64, mcr, mssr uint16) protocol.PriceFeed {
	return protocol.PriceFeed{
		SettlementPrice:            price(usdAmount, usd, coreAmount, core),
		MaintenanceCollateralRatio: mcr,
		MaximumShortSqueezeRatio:   mssr,
	}
}

func publish(producer uuid.UUID, f protocol.PriceFeed) *event.AssetPublishFeed {
	return &event.AssetPublishFeed{OperationID: uuid.New(), Publisher: producer, AssetID: usd, Feed: f}
}

func borrow(account uuid.UUID, debt, collateral int64) *event.CallOrderUpdate {
	return &event.CallOrderUpdate{
		OperationID:     uuid.New(),
		FundingAccount:  account,
		DeltaDebt:       amt(debt, usd),
		DeltaCollateral: amt(collateral, core),
	}
}

func transfer(from, to uuid.UUID, a protocol.AssetAmount) *event.Transfer {
	return &event.Transfer{OperationID: uuid.New(), From: from, To: to, Amount: a}
}

func (h *harness) sell(seller uuid.UUID, sell, receive protocol.AssetAmount) *event.LimitOrderCreate {
	return &event.LimitOrderCreate{
		OperationID:  uuid.New(),
		Seller:       seller,
		AmountToSell: sell,
		MinToReceive: receive,
		Expiration:   h.now.Add(24 * time.Hour),
	}
}

func settle(owner uuid.UUID, a protocol.AssetAmount) *event.AssetSettle {
	return &event.AssetSettle{OperationID: uuid.New(), Owner: owner, Amount: a}
}

func fills(vops []event.VirtualOp) []*event.FillOrder {
	var out []*event.FillOrder
	for _, v := range vops {
		if f, ok := v.(*event.FillOrder); ok {
			out = append(out, f)
		}
	}
	return out
}

func findVop[T event.VirtualOp](vops []event.VirtualOp) (T, bool) {
	for _, v := range vops {
		if t, ok := v.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// requireBalanced checks the ledger is zero-sum per asset and consistent
// with the object store
func (h *harness) requireBalanced() {
	h.t.Helper()
	for asset, total := range h.engine.Balances().ComputeGlobalBalance() {
		require.Zero(h.t, total, "asset %d", asset)
	}
	require.NoError(h.t, h.engine.CheckInvariants())
}
