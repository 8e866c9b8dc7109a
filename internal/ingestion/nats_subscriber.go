package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	BlockStreamName   = "PEG_BLOCKS"
	BlockSubject      = "peg.blocks.>"
	BlockConsumerName = "ledger-blocks"
)

// NATSSubscriber consumes produced blocks from JetStream and feeds them to
// the core loop via blockChan. Blocks are delivered in stream order by a
// single durable consumer.
type NATSSubscriber struct {
	js        jetstream.JetStream
	blockChan chan<- RawBlock
	consumer  jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawBlock is a received-but-unparsed block. The loop acks after the block
// is applied (or found stale) and naks on transient failure.
type RawBlock struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// Ack is safe on blocks without a NATS message behind them
func (r RawBlock) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawBlock) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func NewNATSSubscriber(js jetstream.JetStream, blockChan chan<- RawBlock, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		blockChan: blockChan,
		logger:    logger,
	}
}

// Subscribe creates the block consumer.
// Explicit ACK, max_deliver=5, ack_wait=30s, one in flight.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, BlockStreamName, jetstream.ConsumerConfig{
		Durable:       BlockConsumerName,
		FilterSubject: BlockSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", BlockConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawBlock{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}

		select {
		case ns.blockChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", BlockConsumerName, err)
	}

	ns.consumer = cc
	ns.logger.Info().
		Str("subject", BlockSubject).
		Str("consumer", BlockConsumerName).
		Msg("subscribed")
	return nil
}

// EnsureStreams creates the block stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	cfg := jetstream.StreamConfig{
		Name:      BlockStreamName,
		Subjects:  []string{BlockSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// Stop gracefully stops the consumer
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("pegledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
