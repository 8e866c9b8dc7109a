package ledger

import (
	"PegLedger/internal/protocol"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeGenesis JournalType = iota
	JournalTypeTransfer
	JournalTypeIssue
	JournalTypeOrderLock
	JournalTypeOrderRelease
	JournalTypeFill
	JournalTypeMarketFee
	JournalTypeCollateralLock
	JournalTypeCollateralRelease
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeMarginCallFee
	JournalTypeSettleLock
	JournalTypeSettleRelease
	JournalTypeForceSettleFee
	JournalTypeSettlementFund
	JournalTypeSettlementClaim
	JournalTypeRevival
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeGenesis:
		return "genesis"
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeIssue:
		return "issue"
	case JournalTypeOrderLock:
		return "order_lock"
	case JournalTypeOrderRelease:
		return "order_release"
	case JournalTypeFill:
		return "fill"
	case JournalTypeMarketFee:
		return "market_fee"
	case JournalTypeCollateralLock:
		return "collateral_lock"
	case JournalTypeCollateralRelease:
		return "collateral_release"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeMarginCallFee:
		return "margin_call_fee"
	case JournalTypeSettleLock:
		return "settle_lock"
	case JournalTypeSettleRelease:
		return "settle_release"
	case JournalTypeForceSettleFee:
		return "force_settle_fee"
	case JournalTypeSettlementFund:
		return "settlement_fund"
	case JournalTypeSettlementClaim:
		return "settlement_claim"
	case JournalTypeRevival:
		return "revival"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID        // Derived from the batch id and leg index
	BatchID       uuid.UUID        // Groups balanced entries
	EventRef      string           // Idempotency key of source operation, or "maintenance"
	Sequence      int64            // Block height
	DebitAccount  AccountKey       // Account receiving debit (balance increases)
	CreditAccount AccountKey       // Account receiving credit (balance decreases)
	AssetID       protocol.AssetID // Asset being transferred
	Amount        int64            // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Block time (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Add appends a leg moving amount from credit to debit. Zero amounts are
// skipped so callers need not guard every fee leg.
func (b *Batch) Add(jt JournalType, debit, credit AccountKey, amount int64) {
	if amount == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("%d", len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed.
// Each leg is a balanced transfer by construction, so Σ debits == Σ credits
// holds per asset for any batch that passes.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves between accounts of different assets (%s -> %s)",
				j.JournalID, j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath())
		}
	}

	return nil
}
