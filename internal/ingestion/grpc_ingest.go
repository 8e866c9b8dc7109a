package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBlockNotApplied is returned to an admin caller whose block was nak'ed
var ErrBlockNotApplied = errors.New("block not applied")

// AdminIngestService injects blocks by hand, bypassing NATS. It is for
// operators and tests, not for throughput.
type AdminIngestService struct {
	blockChan chan<- RawBlock
}

func NewAdminIngestService(blockChan chan<- RawBlock) *AdminIngestService {
	return &AdminIngestService{blockChan: blockChan}
}

// InjectBlock parses data, queues it for the core and waits for the outcome
func (s *AdminIngestService) InjectBlock(ctx context.Context, data []byte) (int64, error) {
	b, err := ParseBlock(data)
	if err != nil {
		return 0, err
	}

	done := make(chan error, 1)
	raw := RawBlock{
		Subject:   "admin",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { done <- nil },
		NakFunc:   func() { done <- fmt.Errorf("%w: height %d", ErrBlockNotApplied, b.Height) },
	}

	select {
	case s.blockChan <- raw:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case err := <-done:
		return b.Height, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
