package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/state"
	"time"
)

// runMaintenance is the end-of-block pass: volume reset, order expiry,
// due force settlements, feed pruning and revival, then a full margin call
// drain
func (e *Engine) runMaintenance(now time.Time) error {
	props := e.store.Props()
	if !now.Before(props.NextMaintenanceTime) {
		for _, a := range e.store.Assets() {
			if b, ok := e.store.GetBitasset(a.ID); ok && b.ForceSettledVolume != 0 {
				e.store.ModifyBitasset(b, func(b *state.BitassetData) { b.ForceSettledVolume = 0 })
			}
		}
		interval := time.Duration(props.MaintenanceIntervalSec) * time.Second
		if interval <= 0 {
			interval = DefaultMaintenanceIntervalSec * time.Second
		}
		next := props.NextMaintenanceTime
		for !next.After(now) {
			next = next.Add(interval)
		}
		e.store.ModifyProps(func(p *state.GlobalProperties) { p.NextMaintenanceTime = next })
	}

	for _, o := range e.store.ExpiredLimitOrders(now) {
		if err := e.cancelLimitOrder(o, event.CancelReasonExpired); err != nil {
			return err
		}
	}

	for _, a := range e.store.Assets() {
		b, ok := e.store.GetBitasset(a.ID)
		if !ok {
			continue
		}
		if err := e.processSettlements(a, b, now); err != nil {
			return err
		}
	}

	for _, a := range e.store.Assets() {
		b, ok := e.store.GetBitasset(a.ID)
		if !ok {
			continue
		}
		e.pruneFeeds(b, now)
		if err := e.refreshFeeds(a, b); err != nil {
			return err
		}
		if err := e.tryRevive(a, b); err != nil {
			return err
		}
		e.enqueue(a.ID)
	}

	return e.drain()
}
