package ledger_test

import (
	"PegLedger/internal/ledger"
	"PegLedger/internal/protocol"
	"testing"
	"time"

	"github.com/google/uuid"
)

const (
	core = protocol.CoreAssetID
	usd  = protocol.AssetID(1)
)

// recorder is a minimal undo log for tests
type recorder struct {
	undos []func()
}

func (r *recorder) Record(undo func()) { r.undos = append(r.undos, undo) }

func (r *recorder) rollback() {
	for i := len(r.undos) - 1; i >= 0; i-- {
		r.undos[i]()
	}
	r.undos = nil
}

func newGenerator(bt *ledger.BalanceTracker) *ledger.JournalGenerator {
	jg := ledger.NewJournalGenerator(bt)
	jg.BeginBlock(1, time.Unix(1_700_000_000, 0))
	return jg
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, core)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral:0"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.SettlementFundAccount(usd, core)

	if path := key.AccountPath(); path != "system:settlement_fund:1:0" {
		t.Errorf("got %q, want %q", path, "system:settlement_fund:1:0")
	}
	if key.Owner() != usd {
		t.Errorf("owner: got %d, want %d", key.Owner(), usd)
	}
}

func TestAccountKey_CompareOrdersUsersBeforeSystem(t *testing.T) {
	user := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, usd)
	sys := ledger.SupplyAccount(core)

	if user.Compare(sys) >= 0 {
		t.Error("user accounts should sort before system accounts")
	}
	if sys.Compare(sys) != 0 {
		t.Error("a key should compare equal to itself")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_IssueCreatesSupply(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := newGenerator(bt)
	userID := uuid.New()

	if err := bt.ApplyBatch(jg.GenerateIssue("op-1", userID, protocol.NewAmount(1_000, usd))); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.GetUserAvailableBalance(userID, usd); got != 1_000 {
		t.Errorf("available: got %d, want 1000", got)
	}
	if got := bt.CurrentSupply(usd); got != 1_000 {
		t.Errorf("supply: got %d, want 1000", got)
	}
}

func TestBalanceTracker_TotalIncludesLockedBalances(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := newGenerator(bt)
	userID := uuid.New()

	mustApply(t, bt, jg.GenerateIssue("op-1", userID, protocol.NewAmount(1_000, core)))

	batch := jg.NewBatch("op-2")
	batch.Add(ledger.JournalTypeOrderLock,
		ledger.NewUserAccountKey(userID, ledger.SubTypeOrders, core),
		ledger.NewUserAccountKey(userID, ledger.SubTypeAvailable, core),
		300)
	batch.Add(ledger.JournalTypeCollateralLock,
		ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral, core),
		ledger.NewUserAccountKey(userID, ledger.SubTypeAvailable, core),
		200)
	mustApply(t, bt, batch)

	if got := bt.GetUserAvailableBalance(userID, core); got != 500 {
		t.Errorf("available: got %d, want 500", got)
	}
	if got := bt.GetUserTotalBalance(userID, core); got != 1_000 {
		t.Errorf("total: got %d, want 1000", got)
	}
}

func TestBalanceTracker_UndoRestoresBalances(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := newGenerator(bt)
	rec := &recorder{}
	userID := uuid.New()

	mustApply(t, bt, jg.GenerateIssue("op-1", userID, protocol.NewAmount(1_000, core)))
	before := bt.Snapshot()

	bt.SetUndoRecorder(rec)
	other := uuid.New()
	batch, err := jg.GenerateTransfer("op-2", userID, other, protocol.NewAmount(400, core))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	mustApply(t, bt, batch)
	if got := bt.GetUserAvailableBalance(other, core); got != 400 {
		t.Fatalf("recipient: got %d, want 400", got)
	}

	rec.rollback()

	after := bt.Snapshot()
	if len(after) != len(before) {
		t.Fatalf("snapshot length: got %d, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, after[i], before[i])
		}
	}
}

func TestBalanceTracker_ZeroBalancesDropFromSnapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := newGenerator(bt)
	a, b := uuid.New(), uuid.New()

	mustApply(t, bt, jg.GenerateIssue("op-1", a, protocol.NewAmount(10, core)))
	batch, err := jg.GenerateTransfer("op-2", a, b, protocol.NewAmount(10, core))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	mustApply(t, bt, batch)

	for _, e := range bt.Snapshot() {
		if e.Balance == 0 {
			t.Errorf("zero balance retained for %s", e.Key.AccountPath())
		}
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_TransferRejectsOverdraft(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := newGenerator(bt)

	_, err := jg.GenerateTransfer("op-1", uuid.New(), uuid.New(), protocol.NewAmount(1, core))
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}
}

func TestJournalGenerator_DeterministicIDs(t *testing.T) {
	user := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	a := newGenerator(ledger.NewBalanceTracker()).GenerateIssue("op-1", user, protocol.NewAmount(5, usd))
	b := newGenerator(ledger.NewBalanceTracker()).GenerateIssue("op-1", user, protocol.NewAmount(5, usd))

	if a.BatchID != b.BatchID {
		t.Errorf("batch ids differ: %s vs %s", a.BatchID, b.BatchID)
	}
	if a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Errorf("journal ids differ")
	}
}

func TestJournalGenerator_CounterAdvancesPerBatch(t *testing.T) {
	jg := newGenerator(ledger.NewBalanceTracker())

	first := jg.NewBatch("a")
	second := jg.NewBatch("a")
	if first.BatchID == second.BatchID {
		t.Error("consecutive batches should have distinct ids")
	}

	jg.ResetCounter(0)
	if again := jg.NewBatch("a"); again.BatchID != first.BatchID {
		t.Error("reset counter should reproduce the first id")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatch_EmptyIsInvalid(t *testing.T) {
	jg := newGenerator(ledger.NewBalanceTracker())
	if err := jg.NewBatch("x").Validate(); err == nil {
		t.Error("empty batch should be invalid")
	}
}

func TestBatch_AddSkipsZeroAmounts(t *testing.T) {
	jg := newGenerator(ledger.NewBalanceTracker())
	batch := jg.NewBatch("x")
	batch.Add(ledger.JournalTypeMarketFee, ledger.MarketFeeAccount(usd),
		ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, usd), 0)

	if len(batch.Journals) != 0 {
		t.Errorf("zero-amount leg should be skipped, got %d legs", len(batch.Journals))
	}
}

func TestBatch_RejectsCrossAssetLeg(t *testing.T) {
	jg := newGenerator(ledger.NewBalanceTracker())
	batch := jg.NewBatch("x")
	batch.Add(ledger.JournalTypeFill,
		ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, usd),
		ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, core),
		10)

	if err := batch.Validate(); err == nil {
		t.Error("leg between different assets should be invalid")
	}
}

func TestBatch_RejectsSelfTransfer(t *testing.T) {
	jg := newGenerator(ledger.NewBalanceTracker())
	key := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, usd)
	batch := jg.NewBatch("x")
	batch.Add(ledger.JournalTypeTransfer, key, key, 10)

	if err := batch.Validate(); err == nil {
		t.Error("same debit and credit account should be invalid")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_ZeroSumAfterActivity(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := newGenerator(bt)
	v := ledger.NewInvariantValidator(bt)
	a, b := uuid.New(), uuid.New()

	mustApply(t, bt, jg.GenerateIssue("op-1", a, protocol.NewAmount(1_000, core)))
	mustApply(t, bt, jg.GenerateIssue("op-2", b, protocol.NewAmount(50, usd)))
	batch, err := jg.GenerateTransfer("op-3", a, b, protocol.NewAmount(250, core))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	mustApply(t, bt, batch)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := v.ValidateAccountSigns(); err != nil {
		t.Errorf("account signs: %v", err)
	}
	if err := v.ValidateSupply(core, 1_000); err != nil {
		t.Errorf("supply: %v", err)
	}
	if err := v.ValidateSupply(usd, 49); err == nil {
		t.Error("expected supply mismatch")
	}
}

func TestInvariantValidator_DetectsNegativeUserBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	batchID := uuid.New()

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, core),
		CreditAccount: ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, core),
		AssetID:       core,
		Amount:        5,
	})

	if err := v.ValidateAccountSigns(); err == nil {
		t.Error("expected negative balance violation")
	}
}

func mustApply(t *testing.T, bt *ledger.BalanceTracker, batch *ledger.Batch) {
	t.Helper()
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
}
