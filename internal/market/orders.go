package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
	"errors"
)

func (e *Engine) applyLimitOrderCreate(op *event.LimitOrderCreate) error {
	if !op.Expiration.After(e.headTime()) {
		return reject(ErrValidation, "expiration %s is not after head time", op.Expiration)
	}
	sell, err := e.getAsset(op.AmountToSell.AssetID)
	if err != nil {
		return err
	}
	recv, err := e.getAsset(op.MinToReceive.AssetID)
	if err != nil {
		return err
	}
	for _, a := range []*state.Asset{sell, recv} {
		if b, ok := e.store.GetBitasset(a.ID); ok && b.IsGloballySettled() {
			return reject(ErrAssetFrozen, "%s is globally settled", a.Symbol)
		}
	}

	if err := e.move(ledger.JournalTypeOrderLock,
		inOrders(op.Seller, sell.ID),
		available(op.Seller, sell.ID),
		op.AmountToSell.Amount,
	); err != nil {
		return err
	}
	order := e.store.CreateLimitOrder(state.LimitOrder{
		Seller:     op.Seller,
		ForSale:    op.AmountToSell.Amount,
		SellPrice:  op.SellPrice(),
		Expiration: op.Expiration.UTC(),
	})

	if err := e.applyOrder(order); err != nil {
		return err
	}
	if _, open := e.store.GetLimitOrder(order.ID); open && op.FillOrKill {
		return reject(ErrValidation, "fill-or-kill order %d was not filled", order.ID)
	}

	for _, a := range []*state.Asset{sell, recv} {
		if a.IsMarketIssued() {
			e.enqueue(a.ID)
		}
	}
	return nil
}

func (e *Engine) applyLimitOrderCancel(op *event.LimitOrderCancel) error {
	o, ok := e.store.GetLimitOrder(op.OrderID)
	if !ok {
		return reject(ErrObjectNotFound, "limit order %d", op.OrderID)
	}
	if o.Seller != op.FeePayingAccount {
		return reject(ErrAuthorization, "limit order %d belongs to another account", op.OrderID)
	}
	return e.cancelLimitOrder(o, event.CancelReasonUser)
}

// cancelLimitOrder refunds the unfilled remainder and removes the order
func (e *Engine) cancelLimitOrder(o *state.LimitOrder, reason string) error {
	refund := o.AmountForSale()
	if err := e.move(ledger.JournalTypeOrderRelease,
		available(o.Seller, refund.AssetID),
		inOrders(o.Seller, refund.AssetID),
		refund.Amount,
	); err != nil {
		return err
	}
	e.store.RemoveLimitOrder(o)
	e.emit(&event.OrderCancelled{
		OrderKind: protocol.OrderKindLimit,
		OrderID:   uint64(o.ID),
		Account:   o.Seller,
		Refund:    refund,
		Reason:    reason,
	})
	return nil
}

// maybeCull cancels an order whose remainder would receive less than the
// dust threshold
func (e *Engine) maybeCull(o *state.LimitOrder) error {
	receives, err := o.AmountToReceive()
	if err != nil {
		return internal(err)
	}
	if receives.Amount >= e.store.Props().DustThreshold {
		return nil
	}
	return e.cancelLimitOrder(o, event.CancelReasonDust)
}

// applyOrder matches a new order against the book, and against callable
// positions when it sells an MPA for its backing asset
func (e *Engine) applyOrder(taker *state.LimitOrder) error {
	sellID, recvID := taker.SellAsset(), taker.ReceiveAsset()
	worst := taker.SellPrice.Invert()

	open := func() bool {
		_, ok := e.store.GetLimitOrder(taker.ID)
		return ok
	}

	// matchBook crosses the taker with resting orders priced at or above
	// worst, and strictly above floor when floor is set
	matchBook := func(floor *protocol.Price) error {
		for open() {
			maker, ok := e.store.BestLimitOrder(recvID, sellID)
			if !ok || maker.SellPrice.Less(worst) {
				return nil
			}
			if floor != nil && !maker.SellPrice.Greater(*floor) {
				return nil
			}
			if err := e.matchLimitOrders(taker, maker); err != nil {
				return err
			}
		}
		return nil
	}

	if b, ok := e.callsMatchable(sellID, recvID); ok {
		mcop, err := b.CurrentFeed.MarginCallOrderPrice(b.MarginCallFeeRatio())
		if err != nil {
			return internal(err)
		}
		mssp, err := b.CurrentFeed.MaxShortSqueezePrice()
		if err != nil {
			return internal(err)
		}
		floor := mcop.Invert()
		if err := matchBook(&floor); err != nil {
			return err
		}
		for open() && !taker.SellPrice.Less(mcop) {
			call, ok := e.store.LeastCollateralizedCall(sellID)
			if !ok || !isCallable(call, b) {
				break
			}
			err := e.matchLimitCall(taker, call, b, mcop, mssp, false)
			if errors.Is(err, errCallCannotPay) {
				break
			}
			if err != nil {
				return err
			}
		}
	}

	if err := matchBook(nil); err != nil {
		return err
	}
	if open() {
		return e.maybeCull(taker)
	}
	return nil
}

// callsMatchable returns the bitasset data of sell when orders selling it
// for recv compete with its margin calls
func (e *Engine) callsMatchable(sell, recv protocol.AssetID) (*state.BitassetData, bool) {
	b, ok := e.store.GetBitasset(sell)
	if !ok || b.IsPredictionMarket || b.IsGloballySettled() || b.CurrentFeed.IsNull() {
		return nil, false
	}
	return b, b.Options.ShortBackingAsset == recv
}

// matchLimitOrders fills taker and maker at the maker's price. The smaller
// side receives the rounded-down amount and pays the rounded-up amount for
// it.
func (e *Engine) matchLimitOrders(taker, maker *state.LimitOrder) error {
	price := maker.SellPrice
	takerForSale := taker.AmountForSale()
	makerForSale := maker.AmountForSale()

	makerInTaker, err := makerForSale.Multiply(price)
	if err != nil {
		return internal(err)
	}

	var takerPays, takerReceives, makerPays, makerReceives protocol.AssetAmount
	cullTaker := false
	if takerForSale.Amount <= makerInTaker.Amount {
		if takerReceives, err = takerForSale.Multiply(price); err != nil {
			return internal(err)
		}
		if takerReceives.Amount == 0 {
			return e.cancelLimitOrder(taker, event.CancelReasonDust)
		}
		if takerPays, err = takerReceives.MultiplyRoundUp(price); err != nil {
			return internal(err)
		}
		makerPays, makerReceives = takerReceives, takerPays
		cullTaker = true
	} else {
		if makerReceives, err = makerForSale.Multiply(price); err != nil {
			return internal(err)
		}
		if makerReceives.Amount == 0 {
			return e.cancelLimitOrder(maker, event.CancelReasonDust)
		}
		if makerPays, err = makerReceives.MultiplyRoundUp(price); err != nil {
			return internal(err)
		}
		takerPays, takerReceives = makerReceives, makerPays
	}

	takerFee, err := e.payout(ledger.JournalTypeFill, taker.Seller, inOrders(maker.Seller, maker.SellAsset()), takerReceives, false)
	if err != nil {
		return err
	}
	makerFee, err := e.payout(ledger.JournalTypeFill, maker.Seller, inOrders(taker.Seller, taker.SellAsset()), makerReceives, true)
	if err != nil {
		return err
	}

	e.fillLimitOrder(taker, takerPays, takerReceives, takerFee, price, false)
	e.fillLimitOrder(maker, makerPays, makerReceives, makerFee, price, true)

	if cullTaker {
		if _, ok := e.store.GetLimitOrder(taker.ID); ok {
			if err := e.cancelLimitOrder(taker, event.CancelReasonDust); err != nil {
				return err
			}
		}
	}
	if _, ok := e.store.GetLimitOrder(maker.ID); ok {
		return e.maybeCull(maker)
	}
	return nil
}

// fillLimitOrder books a fill whose funds already moved
func (e *Engine) fillLimitOrder(o *state.LimitOrder, pays, receives protocol.AssetAmount, fee int64, price protocol.Price, isMaker bool) {
	e.emit(&event.FillOrder{
		OrderKind: protocol.OrderKindLimit,
		OrderID:   uint64(o.ID),
		Account:   o.Seller,
		Pays:      pays,
		Receives:  receives,
		Fee:       protocol.NewAmount(fee, receives.AssetID),
		FillPrice: price,
		IsMaker:   isMaker,
	})
	if pays.Amount == o.ForSale {
		e.store.RemoveLimitOrder(o)
		return
	}
	e.store.ModifyLimitOrder(o, func(o *state.LimitOrder) { o.ForSale -= pays.Amount })
}
