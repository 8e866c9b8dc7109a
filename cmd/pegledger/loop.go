package main

import (
	"PegLedger/internal/config"
	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/persistence"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// --- Recovery ---

// recovery brings the core back to the head of the block log: restore the
// latest snapshot (or apply genesis), then re-apply every later block and
// check each resulting state hash against the stored one.
type recovery struct {
	core      *core.DeterministicCore
	snapshots persistence.SnapshotStore
	blocks    *persistence.BlockReader
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// restore reports whether the state came from a snapshot
func (r *recovery) restore(ctx context.Context, genesis *config.Genesis, genesisData []byte) (bool, error) {
	snap, err := r.snapshots.LoadLatest(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to load snapshot, starting from genesis")
		snap = nil
	}
	if snap != nil {
		stored, err := r.blocks.GetStateHash(ctx, snap.Height)
		if err != nil {
			return false, fmt.Errorf("snapshot hash lookup: %w", err)
		}
		if stored != nil && !bytes.Equal(stored, snap.StateHash[:]) {
			r.logger.Warn().
				Int64("height", snap.Height).
				Msg("snapshot disagrees with block log, starting from genesis")
		} else {
			r.core.RestoreFromSnapshot(snap)
			return true, nil
		}
	}

	genesisPayload, _ := json.Marshal(map[string]string{"genesis": string(genesisData)})
	if err := r.core.InitGenesis(genesis.Market, genesisPayload); err != nil {
		return false, err
	}
	if err := r.verify(ctx, 0); err != nil {
		return false, err
	}

	if genesis.Bootstrap != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"bootstrap":  "genesis",
			"operations": len(genesis.Bootstrap.Operations),
		})
		if _, err := r.core.ProcessBlock(*genesis.Bootstrap, payload); err != nil {
			return false, fmt.Errorf("bootstrap block: %w", err)
		}
		if err := r.verify(ctx, genesis.Bootstrap.Height); err != nil {
			return false, err
		}
	}
	return false, nil
}

// replay re-applies persisted blocks above the current head
func (r *recovery) replay(ctx context.Context) error {
	start := time.Now()
	from := r.core.HeadHeight() + 1
	var replayed int64

	for {
		rows, err := r.blocks.LoadBlocksFrom(ctx, from, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load blocks from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			b, err := ingestion.ParseBlock(row.Payload)
			if err != nil {
				return fmt.Errorf("replay parse height %d: %w", row.Height, err)
			}
			out, err := r.core.ProcessBlock(b, row.Payload)
			if err != nil {
				return fmt.Errorf("replay height %d: %w", row.Height, err)
			}
			if !bytes.Equal(out.Envelope.StateHash[:], row.StateHash) {
				return fmt.Errorf("state hash mismatch at height %d: log %x, replay %x",
					row.Height, row.StateHash, out.Envelope.StateHash)
			}
			replayed++
		}
		from = rows[len(rows)-1].Height + 1
	}

	if r.metrics != nil {
		r.metrics.ReplayBlocksTotal.Add(float64(replayed))
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	r.logger.Info().
		Int64("blocks", replayed).
		Int64("head", r.core.HeadHeight()).
		Dur("took", time.Since(start)).
		Msg("replay complete")
	return nil
}

// verify compares the core's hash at height with the block log, if the
// log has that height
func (r *recovery) verify(ctx context.Context, height int64) error {
	stored, err := r.blocks.GetStateHash(ctx, height)
	if err != nil {
		return fmt.Errorf("hash lookup at %d: %w", height, err)
	}
	if stored == nil {
		return nil
	}
	got := r.core.GetStateHash()
	if !bytes.Equal(stored, got[:]) {
		return fmt.Errorf("state hash mismatch at height %d: log %x, genesis %x", height, stored, got)
	}
	return nil
}

// --- Core loop ---

type commandKind int

const (
	cmdSnapshot commandKind = iota
	cmdPop
)

type command struct {
	kind  commandKind
	reply chan commandResult
}

type commandResult struct {
	height int64
	snap   *core.SnapshotState
	err    error
}

// coreLoop is the only goroutine that touches the core. Blocks from NATS
// and the admin API arrive on blocks; admin commands arrive on cmds and
// run between blocks.
type coreLoop struct {
	core     *core.DeterministicCore
	blocks   <-chan ingestion.RawBlock
	cmds     chan command
	snaps    *snapshotWriter
	interval int64
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSnapshot int64
}

func newCoreLoop(
	c *core.DeterministicCore,
	blocks <-chan ingestion.RawBlock,
	snaps *snapshotWriter,
	interval int64,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *coreLoop {
	return &coreLoop{
		core:         c,
		blocks:       blocks,
		cmds:         make(chan command),
		snaps:        snaps,
		interval:     interval,
		health:       health,
		metrics:      metrics,
		logger:       logger,
		lastSnapshot: c.HeadHeight(),
	}
}

func (l *coreLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-l.blocks:
			l.apply(raw)

		case cmd := <-l.cmds:
			cmd.reply <- l.execute(cmd)
		}
	}
}

// apply acks a block once it is applied or already behind the head. A
// block that fails is nak'ed so JetStream redelivers it; an unparseable one
// is acked since redelivery cannot fix it.
func (l *coreLoop) apply(raw ingestion.RawBlock) {
	b, err := ingestion.ParseRawBlock(raw)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable block dropped")
		raw.Ack()
		return
	}

	_, err = l.core.ProcessBlock(b, raw.Data)
	switch {
	case err == nil:
		raw.Ack()
	case errors.Is(err, core.ErrStaleBlock):
		l.logger.Debug().Int64("height", b.Height).Msg("stale block acked")
		raw.Ack()
		return
	default:
		l.logger.Error().Err(err).Int64("height", b.Height).Msg("block not applied")
		raw.Nak()
		return
	}

	head := l.core.HeadHeight()
	l.health.SetHead(head)
	if head-l.lastSnapshot >= l.interval {
		l.lastSnapshot = head
		l.snaps.submit(l.core.CreateSnapshotState())
	}
}

func (l *coreLoop) execute(cmd command) commandResult {
	switch cmd.kind {
	case cmdSnapshot:
		l.lastSnapshot = l.core.HeadHeight()
		return commandResult{height: l.lastSnapshot, snap: l.core.CreateSnapshotState()}
	case cmdPop:
		if err := l.core.PopBlock(); err != nil {
			return commandResult{err: err}
		}
		head := l.core.HeadHeight()
		l.health.SetHead(head)
		return commandResult{height: head}
	}
	return commandResult{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

func (l *coreLoop) call(ctx context.Context, kind commandKind) (commandResult, error) {
	cmd := command{kind: kind, reply: make(chan commandResult, 1)}
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

// TakeSnapshot captures state on the core goroutine and writes it before
// returning.
func (l *coreLoop) TakeSnapshot(ctx context.Context) (int64, error) {
	res, err := l.call(ctx, cmdSnapshot)
	if err != nil {
		return 0, err
	}
	if err := l.snaps.save(ctx, res.snap); err != nil {
		return 0, err
	}
	return res.height, nil
}

// PopBlock reverts the head block.
func (l *coreLoop) PopBlock(ctx context.Context) (int64, error) {
	res, err := l.call(ctx, cmdPop)
	if err != nil {
		return 0, err
	}
	return res.height, nil
}

// --- Snapshot writer ---

// snapshotWriter saves periodic snapshots off the core goroutine. A
// snapshot submitted while the previous one is still being written is
// dropped; the next interval takes a fresh one.
type snapshotWriter struct {
	store   persistence.SnapshotStore
	backend string
	pending chan *core.SnapshotState
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newSnapshotWriter(store persistence.SnapshotStore, backend string, metrics *observability.Metrics, logger zerolog.Logger) *snapshotWriter {
	return &snapshotWriter{
		store:   store,
		backend: backend,
		pending: make(chan *core.SnapshotState, 1),
		metrics: metrics,
		logger:  logger,
	}
}

func (w *snapshotWriter) submit(snap *core.SnapshotState) {
	select {
	case w.pending <- snap:
	default:
		w.logger.Warn().Int64("height", snap.Height).Msg("snapshot writer busy, skipped")
	}
}

func (w *snapshotWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.pending:
			if err := w.save(ctx, snap); err != nil {
				w.logger.Error().Err(err).Int64("height", snap.Height).Msg("periodic snapshot failed")
			}
		}
	}
}

func (w *snapshotWriter) save(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	size, err := w.store.Save(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot at %d: %w", snap.Height, err)
	}
	if w.metrics != nil {
		w.metrics.SnapshotTaken.WithLabelValues(w.backend).Inc()
		w.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		w.metrics.SnapshotSizeBytes.Set(float64(size))
		w.metrics.SnapshotLastHeight.Set(float64(snap.Height))
	}
	w.logger.Info().
		Int64("height", snap.Height).
		Int("bytes", size).
		Str("backend", w.backend).
		Msg("snapshot saved")
	return nil
}
