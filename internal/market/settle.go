package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
	"errors"
	"time"
)

// applyAssetSettle queues a force settlement, or claims from the settlement
// fund when the asset is globally settled
func (e *Engine) applyAssetSettle(op *event.AssetSettle) error {
	a, b, err := e.getMarketIssued(op.Amount.AssetID)
	if err != nil {
		return err
	}
	if b.IsGloballySettled() {
		return e.claimSettlement(op, a, b)
	}
	if b.IsPredictionMarket {
		return reject(ErrValidation, "prediction market %s can only be settled after global settlement", a.Symbol)
	}
	if !a.CanForceSettle() {
		return reject(ErrValidation, "force settlement of %s is disabled", a.Symbol)
	}
	if b.CurrentFeed.IsNull() {
		return reject(ErrValidation, "%s has no valid price feed", a.Symbol)
	}

	if err := e.move(ledger.JournalTypeSettleLock,
		settling(op.Owner, a.ID),
		available(op.Owner, a.ID),
		op.Amount.Amount,
	); err != nil {
		return err
	}
	e.store.CreateForceSettlement(state.ForceSettlement{
		Owner:          op.Owner,
		Balance:        op.Amount,
		SettlementDate: e.headTime().Add(time.Duration(b.Options.ForceSettlementDelaySec) * time.Second),
	})
	e.enqueue(a.ID)
	return nil
}

// claimSettlement pays out the holder's share of the settlement fund. The
// holder pays only the rounded-up amount that buys the rounded-down payout.
func (e *Engine) claimSettlement(op *event.AssetSettle, a *state.Asset, b *state.BitassetData) error {
	if have := e.balances.GetUserAvailableBalance(op.Owner, a.ID); have < op.Amount.Amount {
		return reject(ErrInsufficientBalance, "account %s holds %d of %s, needs %d", op.Owner, have, a.Symbol, op.Amount.Amount)
	}

	price := b.SettlementPrice
	var received, paid protocol.AssetAmount
	var err error
	if op.Amount.Amount == a.CurrentSupply {
		received = protocol.NewAmount(b.SettlementFund, b.Options.ShortBackingAsset)
		paid = op.Amount
	} else {
		if received, err = op.Amount.Multiply(price); err != nil {
			return reject(ErrValidation, "%v", err)
		}
		if received.Amount > 0 {
			if paid, err = received.MultiplyRoundUp(price); err != nil {
				return reject(ErrValidation, "%v", err)
			}
		}
	}
	if received.Amount == 0 {
		return reject(ErrValidation, "settling %s of %s would receive nothing", op.Amount, a.Symbol)
	}

	if err := e.burn(ledger.JournalTypeSettlementClaim, a, available(op.Owner, a.ID), paid.Amount); err != nil {
		return err
	}
	if err := e.move(ledger.JournalTypeSettlementClaim,
		available(op.Owner, received.AssetID),
		ledger.SettlementFundAccount(a.ID, received.AssetID),
		received.Amount,
	); err != nil {
		return err
	}
	e.store.ModifyBitasset(b, func(b *state.BitassetData) { b.SettlementFund -= received.Amount })

	e.emit(&event.SettlementClaimed{Account: op.Owner, Paid: paid, Received: received})
	return nil
}

// cancelSettlement refunds a pending settlement and removes it
func (e *Engine) cancelSettlement(f *state.ForceSettlement, reason string) error {
	if err := e.move(ledger.JournalTypeSettleRelease,
		available(f.Owner, f.Balance.AssetID),
		settling(f.Owner, f.Balance.AssetID),
		f.Balance.Amount,
	); err != nil {
		return err
	}
	e.store.RemoveForceSettlement(f)
	e.emit(&event.OrderCancelled{
		OrderKind: protocol.OrderKindSettlement,
		OrderID:   uint64(f.ID),
		Account:   f.Owner,
		Refund:    f.Balance,
		Reason:    reason,
	})
	return nil
}

// processSettlements matches due settlements of one asset against the least
// collateralized positions at the feed price less the settlement offset,
// within the per-interval volume cap
func (e *Engine) processSettlements(a *state.Asset, b *state.BitassetData, now time.Time) error {
	// the cap is taken on the supply before this pass
	maxVolume, err := fpmath.Percent(a.CurrentSupply, b.Options.MaximumForceSettlementVolume)
	if err != nil {
		return internal(err)
	}
	for {
		if b.IsGloballySettled() {
			return nil
		}
		queue := e.store.SettleQueue(a.ID)
		if len(queue) == 0 || queue[0].SettlementDate.After(now) {
			return nil
		}
		settle := queue[0]

		if b.CurrentFeed.IsNull() {
			if err := e.cancelSettlement(settle, event.CancelReasonNoFeed); err != nil {
				return err
			}
			continue
		}

		if b.ForceSettledVolume >= maxVolume {
			return nil
		}

		swan, err := e.checkBlackSwan(a, b, true)
		if err != nil || swan {
			return err
		}

		call, ok := e.store.LeastCollateralizedCall(a.ID)
		if !ok {
			if err := e.cancelSettlement(settle, event.CancelReasonNoDebt); err != nil {
				return err
			}
			continue
		}

		price, err := settlementPrice(b)
		if err != nil {
			return err
		}
		progressed, err := e.matchSettleCall(settle, call, b, price, price, maxVolume-b.ForceSettledVolume, false)
		if errors.Is(err, errCallCannotPay) {
			if err := e.cancelSettlement(settle, event.CancelReasonUncovered); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// settlementPrice is the feed price (debt/collateral) worsened for the
// settler by the force settlement offset
func settlementPrice(b *state.BitassetData) (protocol.Price, error) {
	offset := int64(b.Options.ForceSettlementOffsetPercent)
	den := fpmath.HundredPercent - offset
	if den < 1 {
		den = 1
	}
	p, err := b.CurrentFeed.SettlementPrice.MulRatio(protocol.NewRatio(fpmath.HundredPercent, den))
	if err != nil {
		return protocol.Price{}, internal(err)
	}
	return p, nil
}
