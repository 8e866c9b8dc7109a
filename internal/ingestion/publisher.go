package ingestion

import (
	"PegLedger/internal/core"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStreamName    = "PEG_OUTBOUND"
	OutboundSubjectPrefix = "peg.ledger.vops"
	PoppedSubject         = "peg.ledger.popped"
)

// OutboundPublisher publishes virtual operations to NATS for downstream
// consumers. It is fed only after the block is persisted.
// Subjects follow the pattern: peg.ledger.vops.{op_type}
// Popped blocks are announced on peg.ledger.popped.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PoppedNotice tells consumers to discard everything at or above Height
type PoppedNotice struct {
	Height    int64  `json:"height"`
	StateHash string `json:"state_hash"`
}

// PublishableOp is one virtual operation ready for outbound publishing.
type PublishableOp struct {
	Height    int64       `json:"height"`
	Index     int         `json:"index"`
	OpType    string      `json:"op_type"`
	Payload   interface{} `json:"payload"`
	StateHash string      `json:"state_hash"`
	Timestamp time.Time   `json:"timestamp"`
}

// MsgID is the JetStream dedup id, stable across republishes
func (p PublishableOp) MsgID() string {
	return fmt.Sprintf("%d:%d", p.Height, p.Index)
}

// VirtualOpsOf lists the virtual operations of an applied block in order
func VirtualOpsOf(out core.CoreOutput) []PublishableOp {
	if out.Result == nil || len(out.Result.VirtualOps) == 0 {
		return nil
	}
	hash := hex.EncodeToString(out.Envelope.StateHash[:])
	ops := make([]PublishableOp, 0, len(out.Result.VirtualOps))
	for i, v := range out.Result.VirtualOps {
		ops = append(ops, PublishableOp{
			Height:    out.Envelope.Height,
			Index:     i,
			OpType:    v.EventType().String(),
			Payload:   v,
			StateHash: hash,
			Timestamp: out.Envelope.Timestamp,
		})
	}
	return ops
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if out.Popped {
				if err := op.publishPopped(ctx, out); err != nil {
					op.logger.Warn().Int64("height", out.Envelope.Height).Err(err).Msg("popped notice failed")
				}
				continue
			}

			for _, evt := range VirtualOpsOf(out) {
				if err := op.publish(ctx, evt); err != nil {
					// Non-fatal: downstream consumers can read the block log directly
					op.logger.Warn().
						Int64("height", evt.Height).
						Str("op_type", evt.OpType).
						Err(err).
						Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publishPopped(ctx context.Context, out core.CoreOutput) error {
	data, err := json.Marshal(PoppedNotice{
		Height:    out.Envelope.Height,
		StateHash: hex.EncodeToString(out.Envelope.StateHash[:]),
	})
	if err != nil {
		return err
	}
	_, err = op.js.Publish(ctx, PoppedSubject, data)
	return err
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableOp) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", OutboundSubjectPrefix, evt.OpType)
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStreamName,
		Subjects:   []string{OutboundSubjectPrefix + ".>", PoppedSubject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStreamName).Msg("ensured outbound stream")
	return nil
}
