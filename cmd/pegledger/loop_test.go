package main

import (
	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/market"
	"PegLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")

	genesisTime = time.UnixMicro(1_700_000_000_000_000).UTC()
)

type memSnapshots struct {
	mu    sync.Mutex
	saved []*core.SnapshotState
}

func (m *memSnapshots) Save(_ context.Context, s *core.SnapshotState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return 1, nil
}

func (m *memSnapshots) LoadLatest(context.Context) (*core.SnapshotState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil, nil
	}
	return m.saved[len(m.saved)-1], nil
}

func (m *memSnapshots) Close() error { return nil }

func (m *memSnapshots) heights() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hs []int64
	for _, s := range m.saved {
		hs = append(hs, s.Height)
	}
	return hs
}

type loopHarness struct {
	loop  *coreLoop
	core  *core.DeterministicCore
	snaps *memSnapshots
	in    chan ingestion.RawBlock
}

func newLoopHarness(t *testing.T, interval int64) *loopHarness {
	t.Helper()
	persist := make(chan core.CoreOutput, 64)
	proj := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(16, persist, proj, nil, nil, zerolog.Nop())
	require.NoError(t, c.InitGenesis(market.Genesis{
		Timestamp: genesisTime,
		Witnesses: []uuid.UUID{uuid.MustParse("00000000-0000-0000-0000-0000000000f1")},
		Balances:  []market.GenesisBalance{{Account: alice, Amount: 1_000_000}},
	}, nil))

	snaps := &memSnapshots{}
	writer := newSnapshotWriter(snaps, "memory", nil, zerolog.Nop())
	in := make(chan ingestion.RawBlock)
	loop := newCoreLoop(c, in, writer, interval, observability.NewHealthChecker(), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go writer.run(ctx)
	go loop.run(ctx)

	return &loopHarness{loop: loop, core: c, snaps: snaps, in: in}
}

// send delivers a raw block and returns "ack" or "nak"
func (h *loopHarness) send(t *testing.T, data []byte) string {
	t.Helper()
	result := make(chan string, 1)
	h.in <- ingestion.RawBlock{
		Subject: "test",
		Data:    data,
		AckFunc: func() { result <- "ack" },
		NakFunc: func() { result <- "nak" },
	}
	select {
	case r := <-result:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("block was neither acked nor nak'ed")
		return ""
	}
}

func transferBlock(t *testing.T, height int64, amount int64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"height":       height,
		"timestamp_us": genesisTime.Add(time.Duration(height) * 10 * time.Second).UnixMicro(),
		"operations": []map[string]interface{}{{
			"type": "Transfer",
			"data": map[string]interface{}{
				"operation_id": uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprint(height))).String(),
				"from":         alice.String(),
				"to":           bob.String(),
				"amount":       map[string]interface{}{"amount": amount, "asset_id": 0},
			},
		}},
	})
	require.NoError(t, err)
	return data
}

func TestCoreLoop_AckSemantics(t *testing.T) {
	h := newLoopHarness(t, 1000)

	assert.Equal(t, "ack", h.send(t, transferBlock(t, 1, 100)))
	assert.Equal(t, "ack", h.send(t, transferBlock(t, 1, 100)), "stale block is acked")
	assert.Equal(t, "nak", h.send(t, transferBlock(t, 3, 100)), "gap is nak'ed for redelivery")
	assert.Equal(t, "ack", h.send(t, []byte("{broken")), "unparseable block is acked")

	res, err := h.loop.PopBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res)
}

func TestCoreLoop_AdminCommands(t *testing.T) {
	h := newLoopHarness(t, 1000)
	ctx := context.Background()

	require.Equal(t, "ack", h.send(t, transferBlock(t, 1, 100)))
	require.Equal(t, "ack", h.send(t, transferBlock(t, 2, 50)))

	height, err := h.loop.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), height)
	assert.Equal(t, []int64{2}, h.snaps.heights())

	head, err := h.loop.PopBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)

	head, err = h.loop.PopBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	_, err = h.loop.PopBlock(ctx)
	assert.Error(t, err, "genesis cannot be popped")
}

func TestCoreLoop_PeriodicSnapshot(t *testing.T) {
	h := newLoopHarness(t, 2)

	for height := int64(1); height <= 4; height++ {
		require.Equal(t, "ack", h.send(t, transferBlock(t, height, 10)))
	}

	require.Eventually(t, func() bool {
		return len(h.snaps.heights()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{2, 4}, h.snaps.heights())
}

func TestCoreLoop_CallHonoursContext(t *testing.T) {
	snaps := &memSnapshots{}
	loop := newCoreLoop(
		core.NewDeterministicCore(16, make(chan core.CoreOutput, 1), nil, nil, nil, zerolog.Nop()),
		make(chan ingestion.RawBlock),
		newSnapshotWriter(snaps, "memory", nil, zerolog.Nop()),
		10, observability.NewHealthChecker(), nil, zerolog.Nop(),
	)
	// loop.run is not started, so the command can never be delivered
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := loop.TakeSnapshot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
