package persistence_test

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/market"
	"PegLedger/internal/persistence"
	"PegLedger/internal/protocol"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")

	blockTime = time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
)

func sampleOutput(height int64) core.CoreOutput {
	batch := &ledger.Batch{
		BatchID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("batch-%d", height))),
		EventRef:  "op-a",
		Sequence:  height,
		Timestamp: blockTime.UnixMicro(),
	}
	batch.Add(ledger.JournalTypeTransfer,
		ledger.NewUserAccountKey(bob, ledger.SubTypeAvailable, protocol.CoreAssetID),
		ledger.NewUserAccountKey(alice, ledger.SubTypeAvailable, protocol.CoreAssetID),
		500)

	var hash, prev [32]byte
	hash[0], prev[0] = byte(height), byte(height-1)

	return core.CoreOutput{
		Envelope: &event.BlockEnvelope{
			Height:         height,
			Timestamp:      blockTime,
			OperationCount: 2,
			RejectedCount:  1,
			Payload:        []byte(`{"height":1}`),
			StateHash:      hash,
			PrevHash:       prev,
		},
		Result: &market.BlockResult{
			Height:    height,
			Timestamp: blockTime,
			Ops: []market.OpResult{
				{Index: 0, Key: "op-a", Type: event.EventTypeTransfer},
				{Index: 1, Key: "op-b", Type: event.EventTypeTransfer,
					Err: fmt.Errorf("%w: not enough", market.ErrInsufficientBalance)},
			},
			Batches: []*ledger.Batch{batch},
		},
	}
}

func TestRowsFromOutput(t *testing.T) {
	rows := persistence.RowsFromOutput(sampleOutput(4))

	assert.Equal(t, int64(4), rows.Block.Height)
	assert.Equal(t, byte(4), rows.Block.StateHash[0])
	assert.Equal(t, byte(3), rows.Block.PrevHash[0])
	assert.Equal(t, 2, rows.Block.OperationCount)
	assert.Equal(t, 1, rows.Block.RejectedCount)

	require.Len(t, rows.Journals, 1)
	j := rows.Journals[0]
	assert.Equal(t, "user:"+bob.String()+":available:0", j.DebitAccount)
	assert.Equal(t, "user:"+alice.String()+":available:0", j.CreditAccount)
	assert.Equal(t, int64(500), j.Amount)
	assert.Equal(t, "transfer", j.JournalType)
	assert.Equal(t, int64(4), j.Height)
	assert.True(t, j.Timestamp.Equal(blockTime))

	require.Len(t, rows.Applied, 1)
	assert.Equal(t, "op-a", rows.Applied[0].IdempotencyKey)

	require.Len(t, rows.Rejections, 1)
	r := rows.Rejections[0]
	assert.Equal(t, 1, r.OpIndex)
	assert.Equal(t, "op-b", r.IdempotencyKey)
	assert.Equal(t, "insufficient_balance", r.Kind)
}

func TestRowsFromOutput_EmptyPayloadBecomesObject(t *testing.T) {
	out := core.CoreOutput{Envelope: &event.BlockEnvelope{Height: 0}}
	rows := persistence.RowsFromOutput(out)

	assert.Equal(t, []byte("{}"), rows.Block.Payload)
	assert.Empty(t, rows.Journals)
	assert.Empty(t, rows.Applied)
}

func TestRowsFromOutput_CopiesHashes(t *testing.T) {
	out := sampleOutput(2)
	rows := persistence.RowsFromOutput(out)
	out.Envelope.StateHash[0] = 0xff
	assert.Equal(t, byte(2), rows.Block.StateHash[0])
}
