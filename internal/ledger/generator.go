package ledger

import (
	"PegLedger/internal/protocol"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch ids
var batchNamespace = uuid.MustParse("6f1c1a4e-3f52-5c43-9b59-7d1f6e2c8a10")

// JournalGenerator creates balanced journal batches for state transitions.
// Batch ids are derived from (height, counter) so every node produces the
// same ids for the same block.
type JournalGenerator struct {
	sequence       int64
	timestamp      int64
	counter        uint64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// BeginBlock resets the per-block counter
func (jg *JournalGenerator) BeginBlock(height int64, timestamp time.Time) {
	jg.sequence = height
	jg.timestamp = timestamp.UnixMicro()
	jg.counter = 0
}

// Counter returns the per-block batch counter, for undo bookkeeping
func (jg *JournalGenerator) Counter() uint64 { return jg.counter }

// ResetCounter rewinds the counter after an operation was undone
func (jg *JournalGenerator) ResetCounter(c uint64) { jg.counter = c }

// NewBatch opens an empty batch for eventRef
func (jg *JournalGenerator) NewBatch(eventRef string) *Batch {
	batchID := uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%d:%d", jg.sequence, jg.counter)))
	jg.counter++
	return &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: jg.timestamp,
	}
}

// GenerateTransfer moves available balance between two users.
// Pre-check: sender must have sufficient available balance.
func (jg *JournalGenerator) GenerateTransfer(
	eventRef string,
	from, to uuid.UUID,
	amount protocol.AssetAmount,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(from, amount.AssetID, amount.Amount); err != nil {
		return nil, fmt.Errorf("transfer pre-check failed: %w", err)
	}

	batch := jg.NewBatch(eventRef)
	batch.Add(JournalTypeTransfer,
		NewUserAccountKey(to, SubTypeAvailable, amount.AssetID),
		NewUserAccountKey(from, SubTypeAvailable, amount.AssetID),
		amount.Amount,
	)
	return batch, nil
}

// GenerateIssue mints new supply into a user's available balance.
// Moves funds: system:supply → user:available
func (jg *JournalGenerator) GenerateIssue(eventRef string, to uuid.UUID, amount protocol.AssetAmount) *Batch {
	batch := jg.NewBatch(eventRef)
	batch.Add(JournalTypeIssue,
		NewUserAccountKey(to, SubTypeAvailable, amount.AssetID),
		SupplyAccount(amount.AssetID),
		amount.Amount,
	)
	return batch
}

// GenerateGenesis credits an initial balance. Same legs as an issue, typed
// separately so replays can tell them apart.
func (jg *JournalGenerator) GenerateGenesis(to uuid.UUID, amount protocol.AssetAmount) *Batch {
	batch := jg.NewBatch("genesis")
	batch.Add(JournalTypeGenesis,
		NewUserAccountKey(to, SubTypeAvailable, amount.AssetID),
		SupplyAccount(amount.AssetID),
		amount.Amount,
	)
	return batch
}
