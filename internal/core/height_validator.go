package core

import (
	"fmt"
)

// HeightValidator checks that blocks arrive at contiguous heights.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type HeightValidator struct {
	expected int64 // next expected height
	metrics  *HeightMetrics
}

func NewHeightValidator(head int64) *HeightValidator {
	return &HeightValidator{
		expected: head + 1,
		metrics:  NewHeightMetrics(),
	}
}

// ErrStaleBlock marks a block at or below the head. Replayed blocks hit
// this and are skipped by the caller.
var ErrStaleBlock = fmt.Errorf("stale block")

// ErrHeightGap marks a block ahead of the expected height
var ErrHeightGap = fmt.Errorf("block height gap")

// Validate checks height against the expected next height without advancing
func (hv *HeightValidator) Validate(height int64) error {
	switch {
	case height < hv.expected:
		hv.metrics.stale++
		return fmt.Errorf("%w: expected=%d, got=%d", ErrStaleBlock, hv.expected, height)
	case height > hv.expected:
		hv.metrics.gaps++
		return fmt.Errorf("%w: expected=%d, got=%d", ErrHeightGap, hv.expected, height)
	}
	return nil
}

// Advance records a successfully applied block
func (hv *HeightValidator) Advance() {
	hv.expected++
}

// Rewind steps back after a popped block
func (hv *HeightValidator) Rewind() {
	hv.expected--
}

// Expected returns the next expected height
func (hv *HeightValidator) Expected() int64 {
	return hv.expected
}

// Reset sets the head (used during recovery)
func (hv *HeightValidator) Reset(head int64) {
	hv.expected = head + 1
}

func (hv *HeightValidator) Metrics() *HeightMetrics {
	return hv.metrics
}

// --- Metrics ---

// HeightMetrics tracks height validation stats.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type HeightMetrics struct {
	gaps  int64
	stale int64
}

func NewHeightMetrics() *HeightMetrics {
	return &HeightMetrics{}
}

func (m *HeightMetrics) Gaps() int64  { return m.gaps }
func (m *HeightMetrics) Stale() int64 { return m.stale }
