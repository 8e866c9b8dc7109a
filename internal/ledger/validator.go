package ledger

import (
	"PegLedger/internal/protocol"
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	assets := make([]protocol.AssetID, 0, len(totals))
	for assetID := range totals {
		assets = append(assets, assetID)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

	for _, assetID := range assets {
		if totals[assetID] != 0 {
			return fmt.Errorf("global balance for asset %d is non-zero: %d", assetID, totals[assetID])
		}
	}

	return nil
}

// ValidateAccountSigns checks every user and system account holds a
// non-negative balance, except supply accounts which are non-positive.
func (v *InvariantValidator) ValidateAccountSigns() error {
	for _, e := range v.tracker.Snapshot() {
		if e.Key.Scope == AccountScopeSystem && e.Key.SubType == SubTypeSystemSupply {
			if e.Balance > 0 {
				return fmt.Errorf("supply account %s is positive: %d", e.Key.AccountPath(), e.Balance)
			}
			continue
		}
		if e.Balance < 0 {
			return fmt.Errorf("account %s has negative balance: %d", e.Key.AccountPath(), e.Balance)
		}
	}
	return nil
}

// ValidateSupply verifies the ledger supply of an asset matches the asset's
// dynamic data
func (v *InvariantValidator) ValidateSupply(assetID protocol.AssetID, currentSupply int64) error {
	if got := v.tracker.CurrentSupply(assetID); got != currentSupply {
		return fmt.Errorf("asset %d supply mismatch: ledger=%d, asset=%d", assetID, got, currentSupply)
	}
	return nil
}
