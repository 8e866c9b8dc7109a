package ledger

import (
	"PegLedger/internal/protocol"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// UndoRecorder receives reversal closures for every mutation so the owner of
// the undo session can roll a failed operation back.
type UndoRecorder interface {
	Record(undo func())
}

// BalanceTracker maintains in-memory account balances.
// Zero balances are removed so the snapshot is canonical.
type BalanceTracker struct {
	balances map[AccountKey]int64
	undo     UndoRecorder
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// SetUndoRecorder attaches the undo log. A nil recorder disables recording.
func (bt *BalanceTracker) SetUndoRecorder(r UndoRecorder) {
	bt.undo = r
}

func (bt *BalanceTracker) add(key AccountKey, delta int64) {
	prev, existed := bt.balances[key]
	next := prev + delta
	if next == 0 {
		delete(bt.balances, key)
	} else {
		bt.balances[key] = next
	}
	if bt.undo != nil {
		bt.undo.Record(func() {
			if existed {
				bt.balances[key] = prev
			} else {
				delete(bt.balances, key)
			}
		})
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.add(j.CreditAccount, -j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === User Balance Queries ===

// GetUserAvailableBalance returns the freely spendable balance
func (bt *BalanceTracker) GetUserAvailableBalance(userID uuid.UUID, assetID protocol.AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeAvailable, assetID))
}

// GetUserTotalBalance returns available + locked in orders + locked as
// collateral + locked in settle requests
func (bt *BalanceTracker) GetUserTotalBalance(userID uuid.UUID, assetID protocol.AssetID) int64 {
	var total int64
	for _, st := range []AccountSubType{SubTypeAvailable, SubTypeOrders, SubTypeCollateral, SubTypeSettling} {
		total += bt.GetBalance(NewUserAccountKey(userID, st, assetID))
	}
	return total
}

// CurrentSupply returns the circulating supply of an asset as seen by the ledger
func (bt *BalanceTracker) CurrentSupply(assetID protocol.AssetID) int64 {
	return -bt.GetBalance(SupplyAccount(assetID))
}

// === Invariant Checks ===

// ValidateSufficientAvailable checks if user has enough available balance
func (bt *BalanceTracker) ValidateSufficientAvailable(userID uuid.UUID, assetID protocol.AssetID, required int64) error {
	available := bt.GetUserAvailableBalance(userID, assetID)
	if available < required {
		return fmt.Errorf("insufficient available balance of asset %d: have=%d, need=%d", assetID, available, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[protocol.AssetID]int64 {
	totals := make(map[protocol.AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// Entry is one non-zero balance
type Entry struct {
	Key     AccountKey
	Balance int64
}

// Snapshot returns all balances ordered by key (for state hashing)
func (bt *BalanceTracker) Snapshot() []Entry {
	entries := make([]Entry, 0, len(bt.balances))
	for k, v := range bt.balances {
		entries = append(entries, Entry{Key: k, Balance: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Compare(entries[j].Key) < 0
	})
	return entries
}

// Restore replaces all balances. Not recorded in the undo log.
func (bt *BalanceTracker) Restore(entries []Entry) {
	bt.balances = make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		if e.Balance != 0 {
			bt.balances[e.Key] = e.Balance
		}
	}
}
