package core

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/market"
	"PegLedger/internal/observability"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ErrDuplicate rejects an operation whose id was already applied
var ErrDuplicate = errors.New("duplicate operation")

// DeterministicCore is the single-threaded block processor. It owns the
// market engine and everything that must agree across nodes.
type DeterministicCore struct {
	engine      *market.Engine
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	heights     *HeightValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	// Applied blocks that can still be popped, newest last
	history    []appliedBlock
	maxHistory int

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type appliedBlock struct {
	height   int64
	prevHash [32]byte
	applied  []opRef
}

type opRef struct {
	opType string
	key    string
}

// CoreOutput is everything downstream workers need from one block. A
// popped block is sent again with Popped set and no Result.
type CoreOutput struct {
	Envelope  *event.BlockEnvelope
	Result    *market.BlockResult
	Bitassets []BitassetView
	Popped    bool
}

func NewDeterministicCore(
	undoHistory int,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	if undoHistory <= 0 {
		undoHistory = state.DefaultUndoHistory
	}
	store := state.NewStore(state.NewUndoLog(undoHistory))
	engine := market.NewEngine(store, ledger.NewBalanceTracker(), logger.With().Str("component", "market").Logger())

	return &DeterministicCore{
		engine:         engine,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker),
		heights:        NewHeightValidator(0),
		metrics:        metrics,
		logger:         logger,
		maxHistory:     undoHistory,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// InitGenesis applies the genesis state and emits it as height 0
func (c *DeterministicCore) InitGenesis(g market.Genesis, payload []byte) error {
	batches, err := c.engine.InitGenesis(g)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	prev := c.hasher.GetPrevHash()
	hash := c.hasher.ComputeHash(0, c.computeStateDigest())
	c.heights.Reset(0)

	c.emit(CoreOutput{
		Envelope: &event.BlockEnvelope{
			Height:    0,
			Timestamp: g.Timestamp.UTC(),
			Payload:   payload,
			StateHash: hash,
			PrevHash:  prev,
		},
		Result:    &market.BlockResult{Height: 0, Timestamp: g.Timestamp.UTC(), Batches: batches},
		Bitassets: bitassetViews(c.engine.Store()),
	})
	c.logger.Info().
		Int("balances", len(g.Balances)).
		Hex("state_hash", hash[:]).
		Msg("genesis applied")
	return nil
}

// ProcessBlock is the main processing pipeline. payload is the block as
// received and is carried into the block log unchanged.
func (c *DeterministicCore) ProcessBlock(b event.Block, payload []byte) (*CoreOutput, error) {
	start := time.Now()

	// Step 1: height sequencing
	if err := c.heights.Validate(b.Height); err != nil {
		if c.metrics != nil {
			if errors.Is(err, ErrStaleBlock) {
				c.metrics.HeightOutOfOrder.Inc()
			} else {
				c.metrics.HeightGaps.Inc()
			}
		}
		return nil, err
	}

	// Step 2: apply with dedup as the precheck
	seen := make(map[string]bool, len(b.Operations))
	precheck := func(op event.Operation) error {
		opType, key := op.EventType().String(), op.IdempotencyKey()
		ck := compositeKey(opType, key)
		if seen[ck] {
			c.recordDuplicate(opType, "block")
			return fmt.Errorf("%w: %s repeated within block", ErrDuplicate, key)
		}
		seen[ck] = true
		if dup, tier := c.idempotency.IsDuplicate(opType, key, b.Height); dup {
			c.recordDuplicate(opType, tier)
			return fmt.Errorf("%w: %s already applied", ErrDuplicate, key)
		}
		return nil
	}

	res, err := c.engine.ApplyBlock(b, precheck)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreBlocksRejected.WithLabelValues(market.ErrorKind(err)).Inc()
		}
		c.logger.Error().
			Int64("height", b.Height).
			Err(err).
			Msg("block rejected")
		return nil, fmt.Errorf("apply block %d: %w", b.Height, err)
	}

	// Step 3: state hash
	hashStart := time.Now()
	prev := c.hasher.GetPrevHash()
	hash := c.hasher.ComputeHash(b.Height, c.computeStateDigest())
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	c.heights.Advance()

	// Step 4: remember applied ids, keep pop history
	applied := make([]opRef, 0, len(res.Ops))
	for _, op := range res.Ops {
		if op.Applied() {
			ref := opRef{opType: op.Type.String(), key: op.Key}
			c.idempotency.MarkProcessed(ref.opType, ref.key)
			applied = append(applied, ref)
		}
	}
	c.pushHistory(appliedBlock{height: b.Height, prevHash: prev, applied: applied})

	// Step 5: emit
	out := CoreOutput{
		Envelope: &event.BlockEnvelope{
			Height:         b.Height,
			Timestamp:      res.Timestamp,
			OperationCount: len(b.Operations),
			RejectedCount:  res.Rejected(),
			Payload:        payload,
			StateHash:      hash,
			PrevHash:       prev,
		},
		Result:    res,
		Bitassets: bitassetViews(c.engine.Store()),
	}
	c.emit(out)

	c.recordBlock(res, time.Since(start))
	c.logVirtualOps(res)
	return &out, nil
}

// emit sends to the persist channel (blocking) and the projection channel
// (non-blocking, dropped when full: projections rebuild from the block log).
func (c *DeterministicCore) emit(out CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- out
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (c *DeterministicCore) pushHistory(b appliedBlock) {
	c.history = append(c.history, b)
	if len(c.history) > c.maxHistory {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
}

// PopBlock reverts the head block, its state hash and its applied ids
func (c *DeterministicCore) PopBlock() error {
	if len(c.history) == 0 {
		return fmt.Errorf("no block to pop")
	}
	if err := c.engine.PopBlock(); err != nil {
		return fmt.Errorf("pop block: %w", err)
	}
	last := c.history[len(c.history)-1]
	c.history = c.history[:len(c.history)-1]

	c.hasher.SetPrevHash(last.prevHash)
	c.heights.Rewind()
	for _, ref := range last.applied {
		c.idempotency.Forget(ref.opType, ref.key)
	}

	c.emit(CoreOutput{
		Envelope:  &event.BlockEnvelope{Height: last.height, PrevHash: last.prevHash, StateHash: last.prevHash},
		Bitassets: bitassetViews(c.engine.Store()),
		Popped:    true,
	})

	if c.metrics != nil {
		c.metrics.CoreBlocksPopped.Inc()
		c.metrics.CoreHeadHeight.Set(float64(last.height - 1))
	}
	c.logger.Warn().
		Int64("height", last.height).
		Msg("block popped")
	return nil
}

// computeStateDigest hashes the object store and every balance in
// canonical order
func (c *DeterministicCore) computeStateDigest() []byte {
	h := sha256.New()
	c.engine.Store().WriteDigest(h)

	var buf [8]byte
	entries := c.engine.Balances().Snapshot()
	binary.LittleEndian.PutUint64(buf[:], uint64(len(entries)))
	h.Write(buf[:])
	for _, e := range entries {
		h.Write([]byte{byte(e.Key.Scope)})
		h.Write(e.Key.EntityID[:])
		h.Write([]byte{byte(e.Key.SubType)})
		binary.LittleEndian.PutUint64(buf[:], uint64(e.Key.AssetID))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(e.Balance))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

func (c *DeterministicCore) recordDuplicate(opType, tier string) {
	if c.metrics != nil {
		c.metrics.IdempotencyDuplicates.WithLabelValues(opType, tier).Inc()
	}
}

func (c *DeterministicCore) recordBlock(res *market.BlockResult, took time.Duration) {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.CoreBlocksApplied.Inc()
	m.CoreBlockDuration.Observe(took.Seconds())
	m.CoreHeadHeight.Set(float64(res.Height))
	m.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))

	for _, op := range res.Ops {
		result := "applied"
		if !op.Applied() {
			result = rejectionKind(op.Err)
		}
		m.CoreOperations.WithLabelValues(op.Type.String(), result).Inc()
	}
	for _, b := range res.Batches {
		for _, j := range b.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, v := range res.VirtualOps {
		switch o := v.(type) {
		case *event.FillOrder:
			m.MarketFills.WithLabelValues(o.OrderKind.String()).Inc()
			switch o.OrderKind {
			case protocol.OrderKindCall:
				m.MarketMarginCalls.WithLabelValues(assetLabel(o.Receives.AssetID)).Inc()
			case protocol.OrderKindSettlement:
				m.MarketSettleVolume.WithLabelValues(assetLabel(o.Pays.AssetID)).Add(float64(o.Pays.Amount))
			}
		case *event.OrderCancelled:
			m.MarketOrdersCanceled.WithLabelValues(o.Reason).Inc()
		case *event.BlackSwan:
			m.MarketBlackSwans.WithLabelValues(assetLabel(o.AssetID)).Inc()
		case *event.AssetRevived:
			m.MarketRevivals.WithLabelValues(assetLabel(o.AssetID)).Inc()
		case *event.FeedCapped:
			m.MarketFeedsCapped.WithLabelValues(assetLabel(o.AssetID)).Inc()
		}
	}
}

func (c *DeterministicCore) logVirtualOps(res *market.BlockResult) {
	for _, v := range res.VirtualOps {
		switch o := v.(type) {
		case *event.BlackSwan:
			c.logger.Warn().
				Int64("height", res.Height).
				Str("asset", assetLabel(o.AssetID)).
				Str("least_collateral", o.LeastCollateral.String()).
				Str("feed_price", o.FeedSettlePrice.String()).
				Msg("black swan")
		case *event.GlobalSettlement:
			c.logger.Warn().
				Int64("height", res.Height).
				Str("asset", assetLabel(o.AssetID)).
				Int64("fund", o.SettlementFund).
				Int("closed_calls", o.ClosedCalls).
				Msg("global settlement")
		case *event.AssetRevived:
			c.logger.Info().
				Int64("height", res.Height).
				Str("asset", assetLabel(o.AssetID)).
				Int64("debt", o.Debt).
				Int64("collateral", o.Collateral).
				Msg("asset revived")
		}
	}
}

// rejectionKind is the stable label for a rejected operation
func rejectionKind(err error) string {
	if errors.Is(err, ErrDuplicate) {
		return "duplicate"
	}
	return market.ErrorKind(err)
}

// RejectionKind exposes rejectionKind to the persistence bridge
func RejectionKind(err error) string { return rejectionKind(err) }

// --- Snapshot restore & startup ---

// SnapshotState is the serializable state of the core
type SnapshotState struct {
	Height          int64          `json:"height"`
	Timestamp       time.Time      `json:"timestamp"`
	StateHash       [32]byte       `json:"state_hash"`
	Store           state.Snapshot `json:"store"`
	Balances        []ledger.Entry `json:"balances"`
	IdempotencyKeys []string       `json:"idempotency_keys"`
}

// CreateSnapshotState captures the state after the head block
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	props := c.engine.Store().Props()
	return &SnapshotState{
		Height:          props.HeadBlock,
		Timestamp:       props.HeadTime,
		StateHash:       c.hasher.GetPrevHash(),
		Store:           c.engine.Store().Snapshot(),
		Balances:        c.engine.Balances().Snapshot(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces all state. Popping below the snapshot is
// not possible afterwards.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.engine.Store().Restore(snap.Store)
	c.engine.Balances().Restore(snap.Balances)
	c.engine.Store().Undo().Reset()
	c.history = nil

	c.hasher.SetPrevHash(snap.StateHash)
	c.heights.Reset(snap.Height)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("height", snap.Height).
		Hex("state_hash", snap.StateHash[:]).
		Msg("restored from snapshot")
}

// WarmLRU loads recently applied operation keys into the LRU
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// VerifyInvariants re-runs the ledger invariants, e.g. after a restore
func (c *DeterministicCore) VerifyInvariants() error {
	return c.engine.CheckInvariants()
}

func (c *DeterministicCore) HeadHeight() int64 {
	return c.heights.Expected() - 1
}

// GetStateHash returns the current chain tip
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Engine exposes the market engine to tests and to the single core goroutine
func (c *DeterministicCore) Engine() *market.Engine {
	return c.engine
}

func assetLabel(id protocol.AssetID) string {
	return strconv.FormatUint(uint64(id), 10)
}
