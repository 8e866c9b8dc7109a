package market

import (
	"PegLedger/internal/ledger"
	"PegLedger/internal/protocol"
	"fmt"
)

// CheckInvariants verifies the ledger against the object store: zero-sum
// balances, supply per asset, debt per MPA and every locked balance against
// the objects that lock it
func (e *Engine) CheckInvariants() error {
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := e.validator.ValidateAccountSigns(); err != nil {
		return err
	}

	for _, a := range e.store.Assets() {
		if err := e.validator.ValidateSupply(a.ID, a.CurrentSupply); err != nil {
			return err
		}
		b, ok := e.store.GetBitasset(a.ID)
		if !ok {
			continue
		}
		if b.IsGloballySettled() {
			fund := e.balances.GetBalance(ledger.SettlementFundAccount(a.ID, b.Options.ShortBackingAsset))
			if fund != b.SettlementFund {
				return fmt.Errorf("settlement fund of %s mismatch: ledger=%d, bitasset=%d", a.Symbol, fund, b.SettlementFund)
			}
			continue
		}
		var debt int64
		for _, c := range e.store.CallOrders(a.ID) {
			if c.Debt <= 0 || c.Collateral <= 0 {
				return fmt.Errorf("call order %d has debt=%d collateral=%d", c.ID, c.Debt, c.Collateral)
			}
			debt += c.Debt
		}
		if debt != a.CurrentSupply {
			return fmt.Errorf("%s supply %d does not match outstanding debt %d", a.Symbol, a.CurrentSupply, debt)
		}
	}

	locked := make(map[ledger.AccountKey]int64)
	for _, c := range e.store.AllCallOrders() {
		locked[asCollateral(c.Borrower, c.CollateralAsset)] += c.Collateral
	}
	for _, o := range e.store.AllLimitOrders() {
		if o.ForSale <= 0 {
			return fmt.Errorf("limit order %d has for_sale=%d", o.ID, o.ForSale)
		}
		locked[inOrders(o.Seller, o.SellAsset())] += o.ForSale
	}
	for _, f := range e.store.AllForceSettlements() {
		if f.Balance.Amount <= 0 {
			return fmt.Errorf("force settlement %d has balance=%d", f.ID, f.Balance.Amount)
		}
		locked[settling(f.Owner, f.Balance.AssetID)] += f.Balance.Amount
	}

	for _, entry := range e.balances.Snapshot() {
		k := entry.Key
		if k.Scope != ledger.AccountScopeUser || k.SubType == ledger.SubTypeAvailable {
			continue
		}
		if locked[k] != entry.Balance {
			return fmt.Errorf("account %s holds %d but objects lock %d", k.AccountPath(), entry.Balance, locked[k])
		}
		delete(locked, k)
	}
	for k, v := range locked {
		if v != 0 {
			return fmt.Errorf("objects lock %d in %s which holds nothing", v, k.AccountPath())
		}
	}
	return nil
}

// CallPrice returns the price at which a position sits exactly at the
// current maintenance ratio
func (e *Engine) CallPrice(id protocol.CallOrderID) (protocol.Price, bool) {
	c, ok := e.store.GetCallOrder(id)
	if !ok {
		return protocol.Price{}, false
	}
	b, ok := e.store.GetBitasset(c.DebtAsset)
	if !ok {
		return protocol.Price{}, false
	}
	p, err := c.CallPrice(b.CurrentFeed.MaintenanceCollateralRatio)
	if err != nil {
		return protocol.Price{}, false
	}
	return p, true
}
