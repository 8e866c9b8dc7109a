package projection_test

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/market"
	"PegLedger/internal/projection"
	"PegLedger/internal/protocol"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
)

func transferBatch(amount int64) *ledger.Batch {
	b := &ledger.Batch{BatchID: uuid.MustParse("10000000-0000-0000-0000-000000000001"), EventRef: "op-1", Sequence: 5}
	b.Add(ledger.JournalTypeTransfer,
		ledger.NewUserAccountKey(bob, ledger.SubTypeAvailable, protocol.CoreAssetID),
		ledger.NewUserAccountKey(alice, ledger.SubTypeAvailable, protocol.CoreAssetID),
		amount)
	return b
}

func TestBalanceDeltas_DebitGainsCreditLoses(t *testing.T) {
	deltas := projection.BalanceDeltas([]*ledger.Batch{transferBatch(250)})
	require.Len(t, deltas, 2)

	assert.Equal(t, "user:"+bob.String()+":available:0", deltas[0].AccountPath)
	assert.Equal(t, int64(250), deltas[0].Delta)
	assert.Equal(t, "user:"+alice.String()+":available:0", deltas[1].AccountPath)
	assert.Equal(t, int64(-250), deltas[1].Delta)

	var sum int64
	for _, d := range deltas {
		sum += d.Delta
	}
	assert.Zero(t, sum)
}

func TestBalanceDeltas_Empty(t *testing.T) {
	assert.Empty(t, projection.BalanceDeltas(nil))
}

func TestFillRows_OnlyFillOrders(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	out := core.CoreOutput{
		Envelope: &event.BlockEnvelope{Height: 3, Timestamp: ts},
		Result: &market.BlockResult{
			Height: 3,
			VirtualOps: []event.VirtualOp{
				&event.FillOrder{
					OrderKind: protocol.OrderKindLimit,
					OrderID:   7,
					Account:   alice,
					Pays:      protocol.NewAmount(100, protocol.CoreAssetID),
					Receives:  protocol.NewAmount(40, 1),
					Fee:       protocol.NewAmount(1, 1),
					IsMaker:   true,
				},
				&event.FillOrder{
					OrderKind: protocol.OrderKindCall,
					OrderID:   2,
					Account:   bob,
					Pays:      protocol.NewAmount(40, 1),
					Receives:  protocol.NewAmount(100, protocol.CoreAssetID),
				},
			},
		},
	}

	rows := projection.FillRows(out)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(3), rows[0].Height)
	assert.Equal(t, 0, rows[0].OpIndex)
	assert.Equal(t, "limit", rows[0].OrderKind)
	assert.Equal(t, alice.String(), rows[0].Account)
	assert.Equal(t, uint32(1), rows[0].RecvAsset)
	assert.Equal(t, int64(1), rows[0].FeeAmount)
	assert.True(t, rows[0].IsMaker)
	assert.Equal(t, ts, rows[0].Timestamp)

	assert.Equal(t, 1, rows[1].OpIndex)
	assert.Equal(t, "call", rows[1].OrderKind)
	assert.False(t, rows[1].IsMaker)
}

func TestFillRows_NoResult(t *testing.T) {
	out := core.CoreOutput{Envelope: &event.BlockEnvelope{Height: 9}, Popped: true}
	assert.Nil(t, projection.FillRows(out))
}
