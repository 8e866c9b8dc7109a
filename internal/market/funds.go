package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"

	"github.com/google/uuid"
)

func available(account uuid.UUID, asset protocol.AssetID) ledger.AccountKey {
	return ledger.NewUserAccountKey(account, ledger.SubTypeAvailable, asset)
}

func inOrders(account uuid.UUID, asset protocol.AssetID) ledger.AccountKey {
	return ledger.NewUserAccountKey(account, ledger.SubTypeOrders, asset)
}

func asCollateral(account uuid.UUID, asset protocol.AssetID) ledger.AccountKey {
	return ledger.NewUserAccountKey(account, ledger.SubTypeCollateral, asset)
}

func settling(account uuid.UUID, asset protocol.AssetID) ledger.AccountKey {
	return ledger.NewUserAccountKey(account, ledger.SubTypeSettling, asset)
}

// move appends one leg to the operation's batch and applies it. The credited
// account must hold the amount unless it is a supply account.
func (e *Engine) move(jt ledger.JournalType, debit, credit ledger.AccountKey, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return reject(ErrInternal, "%s leg with negative amount %d", jt, amount)
	}
	if debit.AssetID != credit.AssetID {
		return reject(ErrInternal, "%s leg across assets %d and %d", jt, debit.AssetID, credit.AssetID)
	}
	isSupply := credit.Scope == ledger.AccountScopeSystem && credit.SubType == ledger.SubTypeSystemSupply
	if have := e.balances.GetBalance(credit); !isSupply && have < amount {
		if credit.Scope == ledger.AccountScopeUser && credit.SubType == ledger.SubTypeAvailable {
			return reject(ErrInsufficientBalance, "account %s holds %d of asset %d, needs %d",
				uuid.UUID(credit.EntityID), have, credit.AssetID, amount)
		}
		return reject(ErrInternal, "%s would overdraw %s: have=%d, need=%d", jt, credit.AccountPath(), have, amount)
	}

	batch := e.currentBatch()
	batch.Add(jt, debit, credit, amount)
	e.balances.ApplyJournal(batch.Journals[len(batch.Journals)-1])
	return nil
}

// adjustSupply changes CurrentSupply, keeping it within [0, MaxSupply]
func (e *Engine) adjustSupply(a *state.Asset, delta int64) error {
	next, err := fpmath.CheckedAdd(a.CurrentSupply, delta)
	if err != nil {
		return reject(ErrValidation, "supply of %s: %v", a.Symbol, err)
	}
	if next < 0 {
		return reject(ErrInternal, "supply of %s would become negative (%d)", a.Symbol, next)
	}
	if next > a.Options.MaxSupply {
		return reject(ErrValidation, "supply of %s would exceed max supply %d", a.Symbol, a.Options.MaxSupply)
	}
	e.store.ModifyAsset(a, func(a *state.Asset) { a.CurrentSupply = next })
	return nil
}

// mint creates amount of a from its supply account into to
func (e *Engine) mint(jt ledger.JournalType, a *state.Asset, to ledger.AccountKey, amount int64) error {
	if err := e.adjustSupply(a, amount); err != nil {
		return err
	}
	return e.move(jt, to, ledger.SupplyAccount(a.ID), amount)
}

// burn destroys amount of a held in from
func (e *Engine) burn(jt ledger.JournalType, a *state.Asset, from ledger.AccountKey, amount int64) error {
	if err := e.move(jt, ledger.SupplyAccount(a.ID), from, amount); err != nil {
		return err
	}
	return e.adjustSupply(a, -amount)
}

// marketFee is the fee the issuer of receives.AssetID takes from a fill
func (e *Engine) marketFee(receives protocol.AssetAmount, isMaker bool) (int64, error) {
	a, err := e.getAsset(receives.AssetID)
	if err != nil {
		return 0, err
	}
	if !a.Options.HasFlag(protocol.PermChargeMarketFee) {
		return 0, nil
	}
	pct := a.Options.MarketFeePercent
	if !isMaker && a.Options.TakerFeePercent != nil {
		pct = *a.Options.TakerFeePercent
	}
	if pct == 0 {
		return 0, nil
	}
	fee, err := fpmath.Percent(receives.Amount, pct)
	if err != nil {
		return 0, err
	}
	if fee > a.Options.MaxMarketFee {
		fee = a.Options.MaxMarketFee
	}
	return fee, nil
}

// payout credits receives from source to the account's available balance,
// net of the market fee. Returns the fee.
func (e *Engine) payout(jt ledger.JournalType, account uuid.UUID, source ledger.AccountKey, receives protocol.AssetAmount, isMaker bool) (int64, error) {
	fee, err := e.marketFee(receives, isMaker)
	if err != nil {
		return 0, err
	}
	if err := e.move(jt, available(account, receives.AssetID), source, receives.Amount-fee); err != nil {
		return 0, err
	}
	if err := e.move(ledger.JournalTypeMarketFee, ledger.MarketFeeAccount(receives.AssetID), source, fee); err != nil {
		return 0, err
	}
	return fee, nil
}

func (e *Engine) applyTransfer(op *event.Transfer) error {
	a, err := e.getAsset(op.Amount.AssetID)
	if err != nil {
		return err
	}
	if op.From == op.To {
		return reject(ErrValidation, "transfer to self")
	}
	return e.move(ledger.JournalTypeTransfer,
		available(op.To, a.ID),
		available(op.From, a.ID),
		op.Amount.Amount,
	)
}
