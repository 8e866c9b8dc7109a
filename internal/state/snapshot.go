package state

import (
	"PegLedger/internal/protocol"
	"encoding/binary"
	"hash"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the serializable form of the object store
type Snapshot struct {
	Props       GlobalProperties  `json:"props"`
	Assets      []Asset           `json:"assets"`
	Bitassets   []BitassetData    `json:"bitassets"`
	CallOrders  []CallOrder       `json:"call_orders"`
	LimitOrders []LimitOrder      `json:"limit_orders"`
	Settlements []ForceSettlement `json:"settlements"`
}

// Snapshot copies every object in canonical order
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Props: s.props}
	snap.Props.Witnesses = append([]uuid.UUID(nil), s.props.Witnesses...)
	snap.Props.Committee = append([]uuid.UUID(nil), s.props.Committee...)

	for _, a := range s.assets {
		snap.Assets = append(snap.Assets, *a)
		if b, ok := s.bitassets[a.ID]; ok {
			snap.Bitassets = append(snap.Bitassets, b.clone())
		}
	}
	for _, c := range s.AllCallOrders() {
		snap.CallOrders = append(snap.CallOrders, *c)
	}
	for _, o := range s.AllLimitOrders() {
		snap.LimitOrders = append(snap.LimitOrders, *o)
	}
	for _, f := range s.AllForceSettlements() {
		snap.Settlements = append(snap.Settlements, *f)
	}
	return snap
}

// Restore replaces the store contents. Not recorded in the undo log.
func (s *Store) Restore(snap Snapshot) {
	s.reset()
	s.props = snap.Props
	for i := range snap.Assets {
		a := snap.Assets[i]
		s.assets = append(s.assets, &a)
		s.symbols[a.Symbol] = a.ID
	}
	for i := range snap.Bitassets {
		b := snap.Bitassets[i].clone()
		s.bitassets[b.AssetID] = &b
	}
	for i := range snap.CallOrders {
		c := snap.CallOrders[i]
		s.insertCall(&c)
	}
	for i := range snap.LimitOrders {
		o := snap.LimitOrders[i]
		s.limits[o.ID] = &o
		s.indexLimit(&o)
	}
	for i := range snap.Settlements {
		f := snap.Settlements[i]
		s.settlements[f.ID] = &f
		s.indexSettle(&f)
	}
}

// WriteDigest feeds a canonical binary encoding of the store into h
func (s *Store) WriteDigest(h hash.Hash) {
	d := digestWriter{h: h}

	p := s.props
	d.i64(p.HeadBlock)
	d.time(p.HeadTime)
	d.time(p.NextMaintenanceTime)
	d.u64(uint64(p.MaintenanceIntervalSec))
	d.i64(p.DustThreshold)
	d.ids(p.Witnesses)
	d.ids(p.Committee)
	d.u64(uint64(p.NextCallOrderID))
	d.u64(uint64(p.NextLimitOrderID))
	d.u64(uint64(p.NextForceSettlementID))

	d.u64(uint64(len(s.assets)))
	for _, a := range s.assets {
		d.u64(uint64(a.ID))
		d.str(a.Symbol)
		d.u64(uint64(a.Precision))
		d.id(a.Issuer)
		d.u64(uint64(a.Kind))
		d.i64(a.Options.MaxSupply)
		d.u64(uint64(a.Options.MarketFeePercent))
		d.opt16(a.Options.TakerFeePercent)
		d.i64(a.Options.MaxMarketFee)
		d.u64(uint64(a.Options.IssuerPermissions))
		d.u64(uint64(a.Options.Flags))
		d.price(a.Options.CoreExchangeRate)
		d.i64(a.CurrentSupply)

		b, ok := s.bitassets[a.ID]
		if !ok {
			continue
		}
		o := b.Options
		d.u64(uint64(o.FeedLifetimeSec))
		d.u64(uint64(o.MinimumFeeds))
		d.u64(uint64(o.ForceSettlementDelaySec))
		d.u64(uint64(o.ForceSettlementOffsetPercent))
		d.u64(uint64(o.MaximumForceSettlementVolume))
		d.u64(uint64(o.ShortBackingAsset))
		d.opt16(o.MaintenanceCollateralRatio)
		d.opt16(o.MaximumShortSqueezeRatio)
		d.opt16(o.InitialCollateralRatio)
		d.opt16(o.MarginCallFeeRatio)
		d.opt16(o.ForceSettleFeePercent)
		d.u64(uint64(o.BlackSwanResponseMethod))
		d.bool(b.IsPredictionMarket)
		d.u64(uint64(len(b.Feeds)))
		for _, f := range b.Feeds {
			d.id(f.Producer)
			d.time(f.PublishedAt)
			d.feed(f.Feed)
		}
		d.ids(b.FeedProducers)
		d.feed(b.MedianFeed)
		d.feed(b.CurrentFeed)
		d.time(b.CurrentFeedPublicationTime)
		d.price(b.CurrentMaintenanceCollateralization)
		d.price(b.MedianInitialCollateralization)
		d.i64(b.ForceSettledVolume)
		d.price(b.SettlementPrice)
		d.i64(b.SettlementFund)
	}

	calls := s.AllCallOrders()
	d.u64(uint64(len(calls)))
	for _, c := range calls {
		d.u64(uint64(c.ID))
		d.id(c.Borrower)
		d.i64(c.Debt)
		d.i64(c.Collateral)
		d.u64(uint64(c.DebtAsset))
		d.u64(uint64(c.CollateralAsset))
		d.opt16(c.TargetCollateralRatio)
	}

	limits := s.AllLimitOrders()
	d.u64(uint64(len(limits)))
	for _, o := range limits {
		d.u64(uint64(o.ID))
		d.id(o.Seller)
		d.i64(o.ForSale)
		d.price(o.SellPrice)
		d.time(o.Expiration)
	}

	settles := s.AllForceSettlements()
	d.u64(uint64(len(settles)))
	for _, f := range settles {
		d.u64(uint64(f.ID))
		d.id(f.Owner)
		d.amount(f.Balance)
		d.time(f.SettlementDate)
	}
}

type digestWriter struct {
	h   hash.Hash
	buf [8]byte
}

func (d *digestWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(d.buf[:], v)
	d.h.Write(d.buf[:])
}

func (d *digestWriter) i64(v int64)      { d.u64(uint64(v)) }
func (d *digestWriter) id(v uuid.UUID)   { d.h.Write(v[:]) }
func (d *digestWriter) time(t time.Time) { d.i64(t.Unix()) }

func (d *digestWriter) bool(v bool) {
	if v {
		d.u64(1)
	} else {
		d.u64(0)
	}
}

func (d *digestWriter) str(v string) {
	d.u64(uint64(len(v)))
	d.h.Write([]byte(v))
}

func (d *digestWriter) ids(v []uuid.UUID) {
	d.u64(uint64(len(v)))
	for _, id := range v {
		d.id(id)
	}
}

func (d *digestWriter) opt16(v *uint16) {
	if v == nil {
		d.u64(1 << 32)
		return
	}
	d.u64(uint64(*v))
}

func (d *digestWriter) amount(a protocol.AssetAmount) {
	d.i64(a.Amount)
	d.u64(uint64(a.AssetID))
}

func (d *digestWriter) price(p protocol.Price) {
	d.amount(p.Base)
	d.amount(p.Quote)
}

func (d *digestWriter) feed(f protocol.PriceFeed) {
	d.price(f.SettlementPrice)
	d.price(f.CoreExchangeRate)
	d.u64(uint64(f.MaintenanceCollateralRatio))
	d.u64(uint64(f.MaximumShortSqueezeRatio))
	d.u64(uint64(f.InitialCollateralRatio))
}
