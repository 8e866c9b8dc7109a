package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
)

// checkBlackSwan globally settles the asset if its least collateralized
// position holds less collateral than its debt is worth at the current feed.
// With enable unset the condition is reported as a ratio violation instead.
func (e *Engine) checkBlackSwan(a *state.Asset, b *state.BitassetData, enable bool) (bool, error) {
	if b.IsGloballySettled() {
		return true, nil
	}
	if b.Options.BlackSwanResponseMethod != protocol.BSRMGlobalSettlement || b.IsPredictionMarket || b.CurrentFeed.IsNull() {
		return false, nil
	}
	call, ok := e.store.LeastCollateralizedCall(a.ID)
	if !ok {
		return false, nil
	}

	sp := b.CurrentFeed.SettlementPrice
	// collateral * sp.base < debt * sp.quote
	if fpmath.CompareProducts(call.Collateral, sp.Base.Amount, call.Debt, sp.Quote.Amount) >= 0 {
		return false, nil
	}
	if !enable {
		return false, reject(ErrRatioViolation, "%s position %d cannot cover its debt at the feed price", a.Symbol, call.ID)
	}

	lc := call.Collateralization()
	e.emit(&event.BlackSwan{
		AssetID:         a.ID,
		CallOrderID:     call.ID,
		LeastCollateral: lc,
		FeedSettlePrice: sp,
	})
	e.logger.Warn().
		Str("asset", a.Symbol).
		Uint64("call_order", uint64(call.ID)).
		Str("least_collateral", lc.String()).
		Str("feed_price", sp.String()).
		Msg("black swan detected")

	if err := e.globallySettle(a, b, lc.Invert()); err != nil {
		return false, err
	}
	return true, nil
}

// globallySettle closes every position at price (debt/collateral), moving
// what each owes into the settlement fund, and cancels all open orders on
// the asset
func (e *Engine) globallySettle(a *state.Asset, b *state.BitassetData, price protocol.Price) error {
	backing := b.Options.ShortBackingAsset
	fundAccount := ledger.SettlementFundAccount(a.ID, backing)

	var fund int64
	calls := e.store.CallOrders(a.ID)
	for _, call := range calls {
		pays, err := call.DebtAmount().MultiplyRoundUp(price)
		if err != nil {
			return internal(err)
		}
		if pays.Amount > call.Collateral {
			pays.Amount = call.Collateral
		}
		if err := e.move(ledger.JournalTypeSettlementFund, fundAccount, asCollateral(call.Borrower, backing), pays.Amount); err != nil {
			return err
		}
		fund += pays.Amount
		e.store.ModifyCallOrder(call, func(c *state.CallOrder) {
			c.Debt = 0
			c.Collateral -= pays.Amount
		})
		if err := e.closeCall(call); err != nil {
			return err
		}
	}

	for _, o := range e.store.AllLimitOrders() {
		if o.SellAsset() == a.ID || o.ReceiveAsset() == a.ID {
			if err := e.cancelLimitOrder(o, event.CancelReasonSettlement); err != nil {
				return err
			}
		}
	}
	for _, f := range e.store.SettleQueue(a.ID) {
		if err := e.cancelSettlement(f, event.CancelReasonSettlement); err != nil {
			return err
		}
	}

	if fund <= 0 {
		return reject(ErrInternal, "global settlement of %s produced an empty fund", a.Symbol)
	}
	settlement := protocol.NewPrice(a.Amount(a.CurrentSupply), protocol.NewAmount(fund, backing))
	e.store.ModifyBitasset(b, func(b *state.BitassetData) {
		b.SettlementPrice = settlement
		b.SettlementFund = fund
	})

	e.emit(&event.GlobalSettlement{
		AssetID:         a.ID,
		SettlementPrice: settlement,
		SettlementFund:  fund,
		ClosedCalls:     len(calls),
	})
	e.logger.Warn().
		Str("asset", a.Symbol).
		Int64("supply", a.CurrentSupply).
		Int64("fund", fund).
		Int("closed_calls", len(calls)).
		Msg("asset globally settled")
	return nil
}

// applyAssetGlobalSettle lets the issuer settle at a chosen price
func (e *Engine) applyAssetGlobalSettle(op *event.AssetGlobalSettle) error {
	a, b, err := e.getMarketIssued(op.AssetID)
	if err != nil {
		return err
	}
	if a.Issuer != op.Issuer {
		return reject(ErrAuthorization, "only the issuer may globally settle %s", a.Symbol)
	}
	if !a.CanGlobalSettle() {
		return reject(ErrAuthorization, "%s issuer lacks the global settle permission", a.Symbol)
	}
	if b.IsGloballySettled() {
		return reject(ErrAssetFrozen, "%s is already globally settled", a.Symbol)
	}
	if a.CurrentSupply == 0 {
		return reject(ErrValidation, "%s has no supply to settle", a.Symbol)
	}
	if op.SettlePrice.Quote.AssetID != b.Options.ShortBackingAsset {
		return reject(ErrValidation, "settle price must be quoted in asset %d", b.Options.ShortBackingAsset)
	}

	if call, ok := e.store.LeastCollateralizedCall(a.ID); ok {
		pays, err := call.DebtAmount().MultiplyRoundUp(op.SettlePrice)
		if err != nil {
			return reject(ErrValidation, "%v", err)
		}
		if pays.Amount > call.Collateral {
			return reject(ErrInsufficientCollateral, "position %d cannot pay %d at the settle price", call.ID, pays.Amount)
		}
	}
	return e.globallySettle(a, b, op.SettlePrice)
}

// tryRevive returns a globally settled asset to normal once its fund
// covers the supply at maintenance collateralization. The issuer takes over
// the whole supply as debt, backed by the whole fund.
func (e *Engine) tryRevive(a *state.Asset, b *state.BitassetData) error {
	if !b.IsGloballySettled() || b.IsPredictionMarket || b.CurrentFeed.IsNull() {
		return nil
	}
	backing := b.Options.ShortBackingAsset
	fund := b.SettlementFund
	if a.CurrentSupply > 0 {
		fundCR := protocol.Collateralization(protocol.NewAmount(fund, backing), a.Amount(a.CurrentSupply))
		if !fundCR.Greater(b.CurrentMaintenanceCollateralization) {
			return nil
		}
	}

	fundAccount := ledger.SettlementFundAccount(a.ID, backing)
	revived := event.AssetRevived{AssetID: a.ID}
	if a.CurrentSupply > 0 {
		if err := e.move(ledger.JournalTypeRevival, asCollateral(a.Issuer, backing), fundAccount, fund); err != nil {
			return err
		}
		call := e.store.CreateCallOrder(state.CallOrder{
			Borrower:        a.Issuer,
			Debt:            a.CurrentSupply,
			Collateral:      fund,
			DebtAsset:       a.ID,
			CollateralAsset: backing,
		})
		revived.CallOrderID, revived.Debt, revived.Collateral = call.ID, call.Debt, call.Collateral
	} else if err := e.move(ledger.JournalTypeRevival, available(a.Issuer, backing), fundAccount, fund); err != nil {
		return err
	}

	e.store.ModifyBitasset(b, func(b *state.BitassetData) {
		b.SettlementPrice = protocol.Price{}
		b.SettlementFund = 0
	})
	e.emit(&revived)
	e.logger.Info().
		Str("asset", a.Symbol).
		Int64("debt", revived.Debt).
		Int64("collateral", revived.Collateral).
		Msg("globally settled asset revived")

	if err := e.deriveCurrentFeed(a, b); err != nil {
		return err
	}
	e.enqueue(a.ID)
	return nil
}

// canOwnerUpdateBSRM reports whether the issuer may switch the black swan
// response method now
func (e *Engine) canOwnerUpdateBSRM(a *state.Asset, b *state.BitassetData) error {
	if !a.Options.HasPermission(protocol.PermUpdateBSRM) {
		return reject(ErrAuthorization, "%s issuer lacks the update_bsrm permission", a.Symbol)
	}
	if b.IsGloballySettled() {
		return reject(ErrValidation, "%s is globally settled", a.Symbol)
	}
	if b.IsCurrentFeedPriceCapped() {
		return reject(ErrValidation, "%s current feed is capped", a.Symbol)
	}
	if call, ok := e.store.LeastCollateralizedCall(a.ID); ok && call.Debt > 0 && isCallable(call, b) {
		return reject(ErrValidation, "%s has margin callable positions", a.Symbol)
	}
	return nil
}

// CanOwnerUpdateBSRM is the exported form for queries
func (e *Engine) CanOwnerUpdateBSRM(id protocol.AssetID) bool {
	a, b, err := e.getMarketIssued(id)
	if err != nil {
		return false
	}
	return e.canOwnerUpdateBSRM(a, b) == nil
}
