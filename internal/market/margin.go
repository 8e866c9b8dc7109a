package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
	"errors"
	"math/big"
	"sort"
)

// errCallCannotPay stops a matching loop when the call order's collateral
// does not cover what it owes at the match price. Never returned to callers
// of the engine.
var errCallCannotPay = errors.New("call order cannot pay")

// isCallable reports whether the call is below maintenance collateralization
func isCallable(c *state.CallOrder, b *state.BitassetData) bool {
	if b.CurrentFeed.IsNull() || b.CurrentMaintenanceCollateralization.IsNull() {
		return false
	}
	return c.Collateralization().Less(b.CurrentMaintenanceCollateralization)
}

// checkCallOrders matches callable positions of asset against resting limit
// orders and pending settlements until none is callable or none can be
// matched. Returns true if the asset is (or became) globally settled.
func (e *Engine) checkCallOrders(assetID protocol.AssetID, enableBlackSwan bool) (bool, error) {
	a, b, err := e.getMarketIssued(assetID)
	if err != nil {
		return false, err
	}
	if b.IsGloballySettled() {
		return true, nil
	}
	if b.IsPredictionMarket || b.MedianFeed.IsNull() {
		return false, nil
	}

	backing := b.Options.ShortBackingAsset
	for {
		if b.Options.BlackSwanResponseMethod == protocol.BSRMNoSettlement {
			if err := e.deriveCurrentFeed(a, b); err != nil {
				return false, err
			}
		}
		swan, err := e.checkBlackSwan(a, b, enableBlackSwan)
		if err != nil || swan {
			return swan, err
		}

		call, ok := e.store.LeastCollateralizedCall(a.ID)
		if !ok || !isCallable(call, b) {
			return false, nil
		}

		mcfr := b.MarginCallFeeRatio()
		mcop, err := b.CurrentFeed.MarginCallOrderPrice(mcfr)
		if err != nil {
			return false, internal(err)
		}

		if limit, ok := e.store.BestLimitOrder(a.ID, backing); ok && !limit.SellPrice.Less(mcop) {
			pays, err := limit.SellPrice.MulRatio(b.CurrentFeed.MarginCallPaysRatio(mcfr))
			if err != nil {
				return false, internal(err)
			}
			err = e.matchLimitCall(limit, call, b, limit.SellPrice, pays, true)
			if errors.Is(err, errCallCannotPay) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			continue
		}

		queue := e.store.SettleQueue(a.ID)
		if len(queue) == 0 {
			return false, nil
		}
		mssp, err := b.CurrentFeed.MaxShortSqueezePrice()
		if err != nil {
			return false, internal(err)
		}
		progressed, err := e.matchSettleCall(queue[0], call, b, mcop, mssp, -1, true)
		if errors.Is(err, errCallCannotPay) || (err == nil && !progressed) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// maxDebtToCover returns how much debt a callable order must repay at
// payPrice (debt/collateral) to reach its target collateral ratio at the
// current feed. Without a target the whole debt is covered.
func maxDebtToCover(c *state.CallOrder, b *state.BitassetData, payPrice protocol.Price) int64 {
	if c.TargetCollateralRatio == nil {
		return c.Debt
	}
	if !isCallable(c, b) {
		return 0
	}

	feed := b.CurrentFeed
	tcr := int64(*c.TargetCollateralRatio)
	if mcr := int64(feed.MaintenanceCollateralRatio); tcr < mcr {
		tcr = mcr
	}

	D, C := big.NewInt(c.Debt), big.NewInt(c.Collateral)
	fpDebt, fpColl := big.NewInt(feed.SettlementPrice.Base.Amount), big.NewInt(feed.SettlementPrice.Quote.Amount)
	mpDebt, mpColl := big.NewInt(payPrice.Base.Amount), big.NewInt(payPrice.Quote.Amount)
	bigTCR, thousand := big.NewInt(tcr), big.NewInt(protocol.CollateralRatioDenom)

	// ok(x): paying ceil(x*mp_coll/mp_debt) leaves (C-pays)/(D-x) >= tcr/1000 at the feed
	ok := func(x int64) bool {
		if x >= c.Debt {
			return true
		}
		pays, err := fpmath.MulDiv(x, payPrice.Quote.Amount, payPrice.Base.Amount, fpmath.RoundUp)
		if err != nil || pays >= c.Collateral {
			return false
		}
		lhs := new(big.Int).Mul(big.NewInt(c.Collateral-pays), fpDebt)
		lhs.Mul(lhs, thousand)
		rhs := new(big.Int).Mul(big.NewInt(c.Debt-x), fpColl)
		rhs.Mul(rhs, bigTCR)
		return lhs.Cmp(rhs) >= 0
	}

	// Closed form estimate
	// x = (tcr*fp_coll*D - 1000*fp_debt*C) * mp_debt / (tcr*fp_coll*mp_debt - 1000*fp_debt*mp_coll)
	den := new(big.Int).Mul(bigTCR, fpColl)
	den.Mul(den, mpDebt)
	sub := new(big.Int).Mul(thousand, fpDebt)
	sub.Mul(sub, mpColl)
	den.Sub(den, sub)
	if den.Sign() <= 0 {
		return c.Debt
	}
	num := new(big.Int).Mul(bigTCR, fpColl)
	num.Mul(num, D)
	sub = new(big.Int).Mul(thousand, fpDebt)
	sub.Mul(sub, C)
	num.Sub(num, sub)
	num.Mul(num, mpDebt)

	est := c.Debt
	if num.Sign() <= 0 {
		est = 1
	} else {
		q, r := new(big.Int).QuoRem(num, den, new(big.Int))
		if r.Sign() > 0 {
			q.Add(q, big.NewInt(1))
		}
		if q.IsInt64() && q.Int64() < c.Debt {
			est = q.Int64()
		}
	}

	// Smallest x satisfying ok, searched on the side of the estimate that holds it
	lo, hi := int64(1), est
	if !ok(est) {
		lo, hi = est+1, c.Debt
	}
	n := hi - lo + 1
	i := sort.Search(int(n), func(i int) bool { return ok(lo + int64(i)) })
	return lo + int64(i)
}

// matchLimitCall fills a limit order selling debt asset against a callable
// position. matchPrice is what the limit order gets; payPrice (never better
// for the call) is what the call pays, the difference being the margin call
// fee.
func (e *Engine) matchLimitCall(limit *state.LimitOrder, call *state.CallOrder, b *state.BitassetData, matchPrice, payPrice protocol.Price, limitIsMaker bool) error {
	mpa, err := e.getAsset(call.DebtAsset)
	if err != nil {
		return err
	}

	usdForSale := limit.AmountForSale()
	usdToBuy := maxDebtToCover(call, b, payPrice)
	if usdToBuy <= 0 {
		return errCallCannotPay
	}

	var limitReceives, callReceives, callPays protocol.AssetAmount
	fillsLimit := usdToBuy > usdForSale.Amount
	if fillsLimit {
		if limitReceives, err = usdForSale.Multiply(matchPrice); err != nil {
			return internal(err)
		}
		if limitReceives.Amount == 0 {
			return e.cancelLimitOrder(limit, event.CancelReasonDust)
		}
		if callReceives, err = limitReceives.MultiplyRoundUp(matchPrice); err != nil {
			return internal(err)
		}
		if callPays, err = callReceives.Multiply(payPrice); err != nil {
			return internal(err)
		}
	} else {
		callReceives = mpa.Amount(usdToBuy)
		if limitReceives, err = callReceives.MultiplyRoundUp(matchPrice); err != nil {
			return internal(err)
		}
		if callPays, err = callReceives.MultiplyRoundUp(payPrice); err != nil {
			return internal(err)
		}
	}
	if callPays.Amount > call.Collateral || (callPays.Amount == call.Collateral && callReceives.Amount < call.Debt) {
		return errCallCannotPay
	}
	if limitReceives.Amount > callPays.Amount {
		return reject(ErrInternal, "limit order %d would receive %d from call %d paying %d",
			limit.ID, limitReceives.Amount, call.ID, callPays.Amount)
	}

	// Limit side: its debt tokens retire the call's debt
	if err := e.burn(ledger.JournalTypeRepay, mpa, inOrders(limit.Seller, mpa.ID), callReceives.Amount); err != nil {
		return err
	}
	collateral := asCollateral(call.Borrower, call.CollateralAsset)
	marketFee, err := e.payout(ledger.JournalTypeFill, limit.Seller, collateral, limitReceives, limitIsMaker)
	if err != nil {
		return err
	}
	callFee := callPays.Amount - limitReceives.Amount
	if err := e.move(ledger.JournalTypeMarginCallFee, ledger.CollateralFeeAccount(mpa.ID, call.CollateralAsset), collateral, callFee); err != nil {
		return err
	}

	e.emit(&event.FillOrder{
		OrderKind: protocol.OrderKindLimit,
		OrderID:   uint64(limit.ID),
		Account:   limit.Seller,
		Pays:      callReceives,
		Receives:  limitReceives,
		Fee:       protocol.NewAmount(marketFee, limitReceives.AssetID),
		FillPrice: matchPrice,
		IsMaker:   limitIsMaker,
	})
	e.emit(&event.FillOrder{
		OrderKind: protocol.OrderKindCall,
		OrderID:   uint64(call.ID),
		Account:   call.Borrower,
		Pays:      callPays,
		Receives:  callReceives,
		Fee:       protocol.NewAmount(callFee, callPays.AssetID),
		FillPrice: matchPrice,
		IsMaker:   !limitIsMaker,
	})

	e.store.ModifyLimitOrder(limit, func(o *state.LimitOrder) { o.ForSale -= callReceives.Amount })
	if err := e.reduceCall(call, callReceives.Amount, callPays.Amount); err != nil {
		return err
	}

	switch {
	case limit.ForSale == 0:
		e.store.RemoveLimitOrder(limit)
	case fillsLimit:
		return e.cancelLimitOrder(limit, event.CancelReasonDust)
	case limitIsMaker:
		return e.maybeCull(limit)
	}
	return nil
}

// matchSettleCall fills a pending settlement against a call order.
// matchPrice is what the settlement gets, payPrice what the call pays. A
// negative maxSettlement means no cap. marginCall selects the target ratio
// rule for the covered debt. Returns whether anything changed.
func (e *Engine) matchSettleCall(settle *state.ForceSettlement, call *state.CallOrder, b *state.BitassetData, matchPrice, payPrice protocol.Price, maxSettlement int64, marginCall bool) (bool, error) {
	mpa, err := e.getAsset(call.DebtAsset)
	if err != nil {
		return false, err
	}

	debtToCover := call.Debt
	if marginCall {
		debtToCover = maxDebtToCover(call, b, payPrice)
	}
	if debtToCover <= 0 {
		return false, errCallCannotPay
	}

	forSale := settle.Balance
	if maxSettlement >= 0 && maxSettlement < forSale.Amount {
		forSale.Amount = maxSettlement
	}
	if forSale.Amount == 0 {
		return false, nil
	}

	var settleReceives, callReceives, callPays protocol.AssetAmount
	if debtToCover > forSale.Amount {
		if settleReceives, err = forSale.Multiply(matchPrice); err != nil {
			return false, internal(err)
		}
		if settleReceives.Amount == 0 {
			if forSale.Amount == settle.Balance.Amount {
				return true, e.cancelSettlement(settle, event.CancelReasonDust)
			}
			return false, nil
		}
		if callReceives, err = settleReceives.MultiplyRoundUp(matchPrice); err != nil {
			return false, internal(err)
		}
		if callPays, err = callReceives.Multiply(payPrice); err != nil {
			return false, internal(err)
		}
	} else {
		callReceives = mpa.Amount(debtToCover)
		if settleReceives, err = callReceives.MultiplyRoundUp(matchPrice); err != nil {
			return false, internal(err)
		}
		if callPays, err = callReceives.MultiplyRoundUp(payPrice); err != nil {
			return false, internal(err)
		}
	}
	if callPays.Amount > call.Collateral || (callPays.Amount == call.Collateral && callReceives.Amount < call.Debt) {
		return false, errCallCannotPay
	}
	if settleReceives.Amount > callPays.Amount {
		settleReceives.Amount = callPays.Amount
	}

	if err := e.burn(ledger.JournalTypeRepay, mpa, settling(settle.Owner, mpa.ID), callReceives.Amount); err != nil {
		return false, err
	}

	fee, err := e.forceSettleFee(b, settleReceives.Amount)
	if err != nil {
		return false, err
	}
	collateral := asCollateral(call.Borrower, call.CollateralAsset)
	fees := ledger.CollateralFeeAccount(mpa.ID, call.CollateralAsset)
	if err := e.move(ledger.JournalTypeFill, available(settle.Owner, call.CollateralAsset), collateral, settleReceives.Amount-fee); err != nil {
		return false, err
	}
	if err := e.move(ledger.JournalTypeForceSettleFee, fees, collateral, fee); err != nil {
		return false, err
	}
	callFee := callPays.Amount - settleReceives.Amount
	if err := e.move(ledger.JournalTypeMarginCallFee, fees, collateral, callFee); err != nil {
		return false, err
	}

	e.emit(&event.FillOrder{
		OrderKind: protocol.OrderKindSettlement,
		OrderID:   uint64(settle.ID),
		Account:   settle.Owner,
		Pays:      callReceives,
		Receives:  settleReceives,
		Fee:       protocol.NewAmount(fee, settleReceives.AssetID),
		FillPrice: matchPrice,
		IsMaker:   true,
	})
	e.emit(&event.FillOrder{
		OrderKind: protocol.OrderKindCall,
		OrderID:   uint64(call.ID),
		Account:   call.Borrower,
		Pays:      callPays,
		Receives:  callReceives,
		Fee:       protocol.NewAmount(callFee, callPays.AssetID),
		FillPrice: matchPrice,
		IsMaker:   false,
	})

	if callReceives.Amount == settle.Balance.Amount {
		e.store.RemoveForceSettlement(settle)
	} else {
		e.store.ModifyForceSettlement(settle, func(f *state.ForceSettlement) { f.Balance.Amount -= callReceives.Amount })
	}
	if err := e.reduceCall(call, callReceives.Amount, callPays.Amount); err != nil {
		return false, err
	}
	if !marginCall {
		e.store.ModifyBitasset(b, func(b *state.BitassetData) { b.ForceSettledVolume += callReceives.Amount })
	}
	return true, nil
}

// forceSettleFee is the configured percentage of the collateral received
func (e *Engine) forceSettleFee(b *state.BitassetData, receives int64) (int64, error) {
	pct := b.Options.ForceSettleFeePercent
	if pct == nil || *pct == 0 {
		return 0, nil
	}
	fee, err := fpmath.Percent(receives, *pct)
	if err != nil {
		return 0, internal(err)
	}
	return fee, nil
}

// reduceCall retires debt and spends collateral, closing the position when
// its debt is gone
func (e *Engine) reduceCall(call *state.CallOrder, debt, collateral int64) error {
	e.store.ModifyCallOrder(call, func(c *state.CallOrder) {
		c.Debt -= debt
		c.Collateral -= collateral
	})
	if call.Debt > 0 {
		return nil
	}
	return e.closeCall(call)
}

// closeCall returns any remaining collateral and removes the position
func (e *Engine) closeCall(call *state.CallOrder) error {
	if err := e.move(ledger.JournalTypeCollateralRelease,
		available(call.Borrower, call.CollateralAsset),
		asCollateral(call.Borrower, call.CollateralAsset),
		call.Collateral,
	); err != nil {
		return err
	}
	e.store.RemoveCallOrder(call)
	return nil
}
