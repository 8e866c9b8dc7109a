package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaintenanceIntervalSec = 60 * 60
	DefaultDustThreshold          = 1

	maintenanceRef = "maintenance"
)

// Genesis is the initial chain state
type Genesis struct {
	Timestamp              time.Time
	MaintenanceIntervalSec uint32
	DustThreshold          int64
	Witnesses              []uuid.UUID
	Committee              []uuid.UUID
	CoreSymbol             string
	CorePrecision          uint8
	CoreMaxSupply          int64
	Balances               []GenesisBalance
}

// GenesisBalance credits CORE to an account at genesis
type GenesisBalance struct {
	Account uuid.UUID
	Amount  int64
}

// OpResult is the outcome of one operation in a block
type OpResult struct {
	Index int
	Key   string
	Type  event.EventType
	Err   error
}

func (r OpResult) Applied() bool { return r.Err == nil }

// BlockResult is everything a block produced
type BlockResult struct {
	Height     int64
	Timestamp  time.Time
	Ops        []OpResult
	Batches    []*ledger.Batch
	VirtualOps []event.VirtualOp
}

// Rejected counts operations that were not applied
func (r *BlockResult) Rejected() int {
	n := 0
	for _, op := range r.Ops {
		if op.Err != nil {
			n++
		}
	}
	return n
}

// Precheck is consulted before each operation; a non-nil error rejects it
// without touching state.
type Precheck func(op event.Operation) error

// Engine applies blocks to the object store and the ledger.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type Engine struct {
	store     *state.Store
	undo      *state.UndoLog
	balances  *ledger.BalanceTracker
	journals  *ledger.JournalGenerator
	validator *ledger.InvariantValidator
	logger    zerolog.Logger

	// Per-operation accumulators
	eventRef string
	batch    *ledger.Batch

	// Per-block outputs
	batches []*ledger.Batch
	vops    []event.VirtualOp

	// Work queue of assets awaiting a margin-call pass
	queue  []protocol.AssetID
	queued map[protocol.AssetID]bool
}

func NewEngine(store *state.Store, balances *ledger.BalanceTracker, logger zerolog.Logger) *Engine {
	balances.SetUndoRecorder(store.Undo())
	return &Engine{
		store:     store,
		undo:      store.Undo(),
		balances:  balances,
		journals:  ledger.NewJournalGenerator(balances),
		validator: ledger.NewInvariantValidator(balances),
		logger:    logger,
		queued:    make(map[protocol.AssetID]bool),
	}
}

func (e *Engine) Store() *state.Store              { return e.store }
func (e *Engine) Balances() *ledger.BalanceTracker { return e.balances }

// InitGenesis creates CORE and the initial balances. The store must be empty.
func (e *Engine) InitGenesis(g Genesis) ([]*ledger.Batch, error) {
	if len(e.store.Assets()) != 0 {
		return nil, fmt.Errorf("genesis applied to a non-empty store")
	}
	if g.MaintenanceIntervalSec == 0 {
		g.MaintenanceIntervalSec = DefaultMaintenanceIntervalSec
	}
	if g.DustThreshold <= 0 {
		g.DustThreshold = DefaultDustThreshold
	}
	if g.CoreSymbol == "" {
		g.CoreSymbol = "CORE"
	}
	if g.CoreMaxSupply <= 0 {
		g.CoreMaxSupply = fpmath.MaxShareSupply
	}

	witnesses := append([]uuid.UUID(nil), g.Witnesses...)
	committee := append([]uuid.UUID(nil), g.Committee...)
	state.SortAccounts(witnesses)
	state.SortAccounts(committee)

	e.store.InitProps(state.GlobalProperties{
		HeadTime:               g.Timestamp.UTC(),
		NextMaintenanceTime:    g.Timestamp.UTC().Add(time.Duration(g.MaintenanceIntervalSec) * time.Second),
		MaintenanceIntervalSec: g.MaintenanceIntervalSec,
		DustThreshold:          g.DustThreshold,
		Witnesses:              witnesses,
		Committee:              committee,
	})

	core, err := e.store.CreateAsset(state.Asset{
		Symbol:    g.CoreSymbol,
		Precision: g.CorePrecision,
		Kind:      protocol.AssetKindCore,
		Options: protocol.AssetOptions{
			MaxSupply: g.CoreMaxSupply,
		},
	}, nil)
	if err != nil {
		return nil, err
	}
	if core.ID != protocol.CoreAssetID {
		return nil, fmt.Errorf("core asset allocated id %d", core.ID)
	}

	e.journals.BeginBlock(0, g.Timestamp)
	var batches []*ledger.Batch
	var supply int64
	for _, b := range g.Balances {
		if b.Amount <= 0 {
			return nil, fmt.Errorf("genesis balance for %s must be positive", b.Account)
		}
		if supply, err = fpmath.CheckedAdd(supply, b.Amount); err != nil {
			return nil, fmt.Errorf("genesis supply: %w", err)
		}
		batch := e.journals.GenerateGenesis(b.Account, core.Amount(b.Amount))
		if err := e.balances.ApplyBatch(batch); err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if supply > core.Options.MaxSupply {
		return nil, fmt.Errorf("genesis supply %d exceeds max supply %d", supply, core.Options.MaxSupply)
	}
	core.CurrentSupply = supply
	return batches, nil
}

// ApplyBlock applies every operation of b in order, then runs the
// maintenance pass and validates invariants. Rejected operations leave no
// trace. Any other error undoes the whole block.
func (e *Engine) ApplyBlock(b event.Block, pre Precheck) (*BlockResult, error) {
	props := e.store.Props()
	if b.Height != props.HeadBlock+1 {
		return nil, reject(ErrValidation, "block height %d does not follow head %d", b.Height, props.HeadBlock)
	}
	ts := b.Timestamp.UTC().Truncate(time.Second)
	if !ts.After(props.HeadTime) {
		return nil, reject(ErrValidation, "block time %s is not after head time %s",
			ts.Format(time.RFC3339), props.HeadTime.Format(time.RFC3339))
	}

	e.undo.Begin()
	e.journals.BeginBlock(b.Height, ts)
	e.batches, e.vops = nil, nil
	e.store.ModifyProps(func(p *state.GlobalProperties) {
		p.HeadBlock = b.Height
		p.HeadTime = ts
	})

	result := &BlockResult{Height: b.Height, Timestamp: ts}
	for i, op := range b.Operations {
		res := OpResult{Index: i, Key: op.IdempotencyKey(), Type: op.EventType()}
		if pre != nil {
			if err := pre(op); err != nil {
				res.Err = err
				result.Ops = append(result.Ops, res)
				continue
			}
		}
		if err := e.ApplyOperation(op); err != nil {
			if !IsRejection(err) {
				e.abortBlock()
				return nil, err
			}
			e.logger.Debug().
				Int64("height", b.Height).
				Str("op", op.EventType().String()).
				Str("key", res.Key).
				Err(err).
				Msg("operation rejected")
			res.Err = err
		}
		result.Ops = append(result.Ops, res)
	}

	e.eventRef = maintenanceRef
	if err := e.runMaintenance(ts); err != nil {
		e.abortBlock()
		return nil, internal(err)
	}
	e.flushBatch()

	if err := e.CheckInvariants(); err != nil {
		e.abortBlock()
		return nil, internal(err)
	}

	if err := e.undo.Commit(); err != nil {
		e.abortBlock()
		return nil, internal(err)
	}

	result.Batches, result.VirtualOps = e.batches, e.vops
	e.batches, e.vops = nil, nil
	return result, nil
}

func (e *Engine) abortBlock() {
	e.undo.Undo()
	e.batch = nil
	e.batches, e.vops = nil, nil
	e.clearQueue()
}

func internal(err error) error {
	if ErrorKind(err) == "internal" {
		return err
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

// PopBlock reverts the most recently applied block
func (e *Engine) PopBlock() error {
	return e.undo.PopBlock()
}

// ApplyOperation applies op inside its own undo session. Must be called
// within an open block session.
func (e *Engine) ApplyOperation(op event.Operation) error {
	if err := op.Validate(); err != nil {
		return reject(ErrValidation, "%v", err)
	}

	e.undo.Begin()
	counter := e.journals.Counter()
	nb, nv := len(e.batches), len(e.vops)
	e.eventRef = op.IdempotencyKey()
	e.batch = nil

	err := e.dispatch(op)
	if err == nil {
		err = e.drain()
	}
	if err == nil {
		e.flushBatch()
		err = e.undo.Merge()
		if err != nil {
			return internal(err)
		}
		return nil
	}

	e.undo.Undo()
	e.batch = nil
	e.batches, e.vops = e.batches[:nb], e.vops[:nv]
	e.journals.ResetCounter(counter)
	e.clearQueue()

	if ErrorKind(err) == "unknown" {
		// arithmetic on user-supplied amounts
		err = fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

func (e *Engine) dispatch(op event.Operation) error {
	switch o := op.(type) {
	case *event.Transfer:
		return e.applyTransfer(o)
	case *event.AssetCreate:
		return e.applyAssetCreate(o)
	case *event.AssetUpdate:
		return e.applyAssetUpdate(o)
	case *event.AssetUpdateBitasset:
		return e.applyAssetUpdateBitasset(o)
	case *event.AssetUpdateFeedProducers:
		return e.applyAssetUpdateFeedProducers(o)
	case *event.AssetIssue:
		return e.applyAssetIssue(o)
	case *event.AssetPublishFeed:
		return e.applyPublishFeed(o)
	case *event.CallOrderUpdate:
		return e.applyCallOrderUpdate(o)
	case *event.LimitOrderCreate:
		return e.applyLimitOrderCreate(o)
	case *event.LimitOrderCancel:
		return e.applyLimitOrderCancel(o)
	case *event.AssetSettle:
		return e.applyAssetSettle(o)
	case *event.AssetGlobalSettle:
		return e.applyAssetGlobalSettle(o)
	default:
		return reject(ErrValidation, "unsupported operation %T", op)
	}
}

// ============================================================================
// Work queue
// ============================================================================

// enqueue schedules a margin-call pass for asset
func (e *Engine) enqueue(asset protocol.AssetID) {
	if e.queued[asset] {
		return
	}
	e.queued[asset] = true
	e.queue = append(e.queue, asset)
}

// drain runs margin-call passes until no asset is pending
func (e *Engine) drain() error {
	for len(e.queue) > 0 {
		asset := e.queue[0]
		e.queue = e.queue[1:]
		delete(e.queued, asset)
		if _, err := e.checkCallOrders(asset, true); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) clearQueue() {
	e.queue = nil
	e.queued = make(map[protocol.AssetID]bool)
}

// ============================================================================
// Outputs
// ============================================================================

func (e *Engine) currentBatch() *ledger.Batch {
	if e.batch == nil {
		e.batch = e.journals.NewBatch(e.eventRef)
	}
	return e.batch
}

func (e *Engine) flushBatch() {
	if e.batch != nil && len(e.batch.Journals) > 0 {
		e.batches = append(e.batches, e.batch)
	}
	e.batch = nil
}

func (e *Engine) emit(op event.VirtualOp) {
	e.vops = append(e.vops, op)
}

func (e *Engine) headTime() time.Time {
	return e.store.Props().HeadTime
}

// ============================================================================
// Lookups
// ============================================================================

func (e *Engine) getAsset(id protocol.AssetID) (*state.Asset, error) {
	a, ok := e.store.GetAsset(id)
	if !ok {
		return nil, reject(ErrObjectNotFound, "asset %d", id)
	}
	return a, nil
}

// getMarketIssued returns an MPA or prediction market with its bitasset data
func (e *Engine) getMarketIssued(id protocol.AssetID) (*state.Asset, *state.BitassetData, error) {
	a, err := e.getAsset(id)
	if err != nil {
		return nil, nil, err
	}
	if !a.IsMarketIssued() {
		return nil, nil, reject(ErrValidation, "asset %s is not market-issued", a.Symbol)
	}
	b, ok := e.store.GetBitasset(id)
	if !ok {
		return nil, nil, reject(ErrInternal, "asset %s has no bitasset data", a.Symbol)
	}
	return a, b, nil
}
