package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
)

// applyCallOrderUpdate opens, adjusts or closes the funding account's
// position in the debt asset
func (e *Engine) applyCallOrderUpdate(op *event.CallOrderUpdate) error {
	a, b, err := e.getMarketIssued(op.DeltaDebt.AssetID)
	if err != nil {
		return err
	}
	if b.IsGloballySettled() {
		return reject(ErrAssetFrozen, "%s is globally settled", a.Symbol)
	}
	backing := b.Options.ShortBackingAsset
	if op.DeltaCollateral.AssetID != backing {
		return reject(ErrValidation, "%s is backed by asset %d, not %d", a.Symbol, backing, op.DeltaCollateral.AssetID)
	}

	dd, dc := op.DeltaDebt.Amount, op.DeltaCollateral.Amount
	borrower := op.FundingAccount
	if b.IsPredictionMarket && dd != dc {
		return reject(ErrValidation, "prediction market %s needs equal debt and collateral deltas", a.Symbol)
	}
	if !b.IsPredictionMarket && b.MedianFeed.IsNull() && (dd > 0 || dc < 0) {
		return reject(ErrValidation, "%s has no valid price feed", a.Symbol)
	}

	call, exists := e.store.CallOrderOf(borrower, a.ID)
	var oldDebt, oldCollateral int64
	if exists {
		oldDebt, oldCollateral = call.Debt, call.Collateral
	} else if dd <= 0 || dc <= 0 {
		return reject(ErrValidation, "a new position needs positive debt and collateral")
	}
	newDebt, newCollateral := oldDebt+dd, oldCollateral+dc
	if newDebt < 0 {
		return reject(ErrValidation, "repaying %d exceeds debt %d", -dd, oldDebt)
	}
	if newCollateral < 0 {
		return reject(ErrValidation, "withdrawing %d exceeds collateral %d", -dc, oldCollateral)
	}
	if newDebt == 0 && dc > 0 {
		return reject(ErrValidation, "cannot add collateral while closing the position")
	}
	if newDebt > 0 && newCollateral == 0 {
		return reject(ErrValidation, "a position with debt needs collateral")
	}

	switch {
	case dd > 0:
		if err := e.mint(ledger.JournalTypeBorrow, a, available(borrower, a.ID), dd); err != nil {
			return err
		}
	case dd < 0:
		if err := e.burn(ledger.JournalTypeRepay, a, available(borrower, a.ID), -dd); err != nil {
			return err
		}
	}
	switch {
	case dc > 0:
		if err := e.move(ledger.JournalTypeCollateralLock, asCollateral(borrower, backing), available(borrower, backing), dc); err != nil {
			return err
		}
	case dc < 0:
		if err := e.move(ledger.JournalTypeCollateralRelease, available(borrower, backing), asCollateral(borrower, backing), -dc); err != nil {
			return err
		}
	}

	if newDebt == 0 {
		e.store.ModifyCallOrder(call, func(c *state.CallOrder) {
			c.Debt, c.Collateral = 0, newCollateral
		})
		return e.closeCall(call)
	}

	if exists {
		e.store.ModifyCallOrder(call, func(c *state.CallOrder) {
			c.Debt, c.Collateral = newDebt, newCollateral
			c.TargetCollateralRatio = op.TargetCollateralRatio
		})
	} else {
		call = e.store.CreateCallOrder(state.CallOrder{
			Borrower:              borrower,
			Debt:                  newDebt,
			Collateral:            newCollateral,
			DebtAsset:             a.ID,
			CollateralAsset:       backing,
			TargetCollateralRatio: op.TargetCollateralRatio,
		})
	}
	if b.IsPredictionMarket {
		return nil
	}

	if _, err := e.checkCallOrders(a.ID, false); err != nil {
		return err
	}
	call, exists = e.store.CallOrderOf(borrower, a.ID)
	if !exists {
		return nil
	}

	cr := call.Collateralization()
	if (dd > 0 || dc < 0) && cr.Less(b.MedianInitialCollateralization) {
		return reject(ErrInsufficientCollateral, "collateralization %s is below the initial collateralization %s",
			cr, b.MedianInitialCollateralization)
	}
	if isCallable(call, b) {
		improved := oldDebt > 0 && cr.Greater(collateralization(oldCollateral, oldDebt, call))
		if dd > 0 || !improved {
			return reject(ErrInsufficientCollateral, "position would be margin callable at %s", cr)
		}
	}
	return nil
}

func collateralization(collateral, debt int64, like *state.CallOrder) protocol.Price {
	return protocol.Collateralization(
		protocol.NewAmount(collateral, like.CollateralAsset),
		protocol.NewAmount(debt, like.DebtAsset),
	)
}
