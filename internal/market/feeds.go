package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

func (e *Engine) applyPublishFeed(op *event.AssetPublishFeed) error {
	a, b, err := e.getMarketIssued(op.AssetID)
	if err != nil {
		return err
	}
	if err := e.authorizeProducer(a, b, op.Publisher); err != nil {
		return err
	}

	feed := op.Feed
	if feed.SettlementPrice.Quote.AssetID != b.Options.ShortBackingAsset {
		return reject(ErrValidation, "settlement price of %s must be quoted in asset %d",
			a.Symbol, b.Options.ShortBackingAsset)
	}
	if !feed.CoreExchangeRate.IsNull() {
		cer := feed.CoreExchangeRate
		if cer.Base.AssetID == protocol.CoreAssetID {
			cer = cer.Invert()
		}
		if cer.Base.AssetID != a.ID || cer.Quote.AssetID != protocol.CoreAssetID {
			return reject(ErrValidation, "core exchange rate of %s must relate it to the core asset", a.Symbol)
		}
		feed.CoreExchangeRate = cer
	}
	if feed.InitialCollateralRatio == 0 {
		feed.InitialCollateralRatio = feed.MaintenanceCollateralRatio
	}

	now := e.headTime()
	e.store.ModifyBitasset(b, func(b *state.BitassetData) {
		entry := state.FeedEntry{Producer: op.Publisher, PublishedAt: now, Feed: feed}
		i := sort.Search(len(b.Feeds), func(i int) bool {
			return protocol.CompareAccounts(b.Feeds[i].Producer, op.Publisher) >= 0
		})
		if i < len(b.Feeds) && b.Feeds[i].Producer == op.Publisher {
			b.Feeds[i] = entry
			return
		}
		b.Feeds = slices.Insert(b.Feeds, i, entry)
	})

	if err := e.refreshFeeds(a, b); err != nil {
		return err
	}
	if err := e.tryRevive(a, b); err != nil {
		return err
	}
	e.enqueue(a.ID)
	return nil
}

// authorizeProducer checks the producer against the asset's feed source
func (e *Engine) authorizeProducer(a *state.Asset, b *state.BitassetData, producer uuid.UUID) error {
	switch {
	case a.Options.HasFlag(protocol.PermWitnessFedAsset):
		if !e.store.IsWitness(producer) {
			return reject(ErrAuthorization, "%s is witness-fed and %s is not a witness", a.Symbol, producer)
		}
	case a.Options.HasFlag(protocol.PermCommitteeFedAsset):
		if !e.store.IsCommitteeMember(producer) {
			return reject(ErrAuthorization, "%s is committee-fed and %s is not a committee member", a.Symbol, producer)
		}
	default:
		if !slices.Contains(b.FeedProducers, producer) {
			return reject(ErrAuthorization, "%s is not a feed producer of %s", producer, a.Symbol)
		}
	}
	return nil
}

// refreshFeeds recomputes the median and the current feed
func (e *Engine) refreshFeeds(a *state.Asset, b *state.BitassetData) error {
	median, published := computeMedianFeed(b.Feeds, b.Options, e.headTime())
	mic, err := median.InitialCollateralization()
	if err != nil {
		return internal(err)
	}
	e.store.ModifyBitasset(b, func(b *state.BitassetData) {
		b.MedianFeed = median
		b.CurrentFeedPublicationTime = published
		b.MedianInitialCollateralization = mic
	})
	return e.deriveCurrentFeed(a, b)
}

func feedIsValid(f state.FeedEntry, lifetime uint32, now time.Time) bool {
	if f.PublishedAt.IsZero() {
		return false
	}
	return now.Sub(f.PublishedAt) < time.Duration(lifetime)*time.Second
}

// computeMedianFeed takes the median of each field independently. With an
// even count the upper of the two middle values is chosen.
func computeMedianFeed(entries []state.FeedEntry, opts protocol.BitassetOptions, now time.Time) (protocol.PriceFeed, time.Time) {
	var valid []protocol.PriceFeed
	var published time.Time
	for _, f := range entries {
		if !feedIsValid(f, opts.FeedLifetimeSec, now) {
			continue
		}
		valid = append(valid, f.Feed)
		if published.IsZero() || f.PublishedAt.Before(published) {
			published = f.PublishedAt
		}
	}

	var median protocol.PriceFeed
	switch {
	case len(valid) == 0 || len(valid) < int(opts.MinimumFeeds):
		median = protocol.NullFeed()
		published = time.Time{}
	case len(valid) == 1:
		median = valid[0]
	default:
		// nth_element(size/2) as in BitShares: the upper middle for an even count
		mid := len(valid) / 2
		median.SettlementPrice = nthPrice(valid, mid, func(f protocol.PriceFeed) protocol.Price { return f.SettlementPrice })
		median.CoreExchangeRate = nthPrice(valid, mid, func(f protocol.PriceFeed) protocol.Price { return f.CoreExchangeRate })
		median.MaintenanceCollateralRatio = nthRatio(valid, mid, func(f protocol.PriceFeed) uint16 { return f.MaintenanceCollateralRatio })
		median.MaximumShortSqueezeRatio = nthRatio(valid, mid, func(f protocol.PriceFeed) uint16 { return f.MaximumShortSqueezeRatio })
		median.InitialCollateralRatio = nthRatio(valid, mid, func(f protocol.PriceFeed) uint16 { return f.InitialCollateralRatio })
	}

	if opts.MaintenanceCollateralRatio != nil {
		median.MaintenanceCollateralRatio = *opts.MaintenanceCollateralRatio
	}
	if opts.MaximumShortSqueezeRatio != nil {
		median.MaximumShortSqueezeRatio = *opts.MaximumShortSqueezeRatio
	}
	if opts.InitialCollateralRatio != nil {
		median.InitialCollateralRatio = *opts.InitialCollateralRatio
	}
	if median.InitialCollateralRatio < median.MaintenanceCollateralRatio {
		median.InitialCollateralRatio = median.MaintenanceCollateralRatio
	}
	return median, published
}

// nthPrice sorts stably so equal prices with different terms resolve by
// producer order
func nthPrice(feeds []protocol.PriceFeed, n int, field func(protocol.PriceFeed) protocol.Price) protocol.Price {
	vals := make([]protocol.Price, len(feeds))
	for i, f := range feeds {
		vals[i] = field(f)
	}
	sort.SliceStable(vals, func(i, j int) bool { return vals[i].Less(vals[j]) })
	return vals[n]
}

func nthRatio(feeds []protocol.PriceFeed, n int, field func(protocol.PriceFeed) uint16) uint16 {
	vals := make([]uint16, len(feeds))
	for i, f := range feeds {
		vals[i] = field(f)
	}
	slices.Sort(vals)
	return vals[n]
}

// deriveCurrentFeed sets the current feed from the median, capping it in
// no-settlement mode so the least collateralized call can always pay.
func (e *Engine) deriveCurrentFeed(a *state.Asset, b *state.BitassetData) error {
	current := b.MedianFeed
	if b.Options.BlackSwanResponseMethod == protocol.BSRMNoSettlement && !current.IsNull() && !b.IsGloballySettled() {
		if call, ok := e.store.LeastCollateralizedCall(a.ID); ok {
			mssp, err := current.MaxShortSqueezePrice()
			if err != nil {
				return internal(err)
			}
			lc := call.Collateralization()
			if lc.LessOrEqual(mssp.Invert()) {
				capped, err := lc.Invert().MulRatio(protocol.NewRatio(int64(current.MaximumShortSqueezeRatio), protocol.CollateralRatioDenom))
				if err != nil {
					return internal(err)
				}
				current.SettlementPrice = capped
			}
		}
	}

	if current.Equal(b.CurrentFeed) {
		return nil
	}
	cmc, err := current.MaintenanceCollateralization()
	if err != nil {
		return internal(err)
	}
	prev := b.CurrentFeed.SettlementPrice
	e.store.ModifyBitasset(b, func(b *state.BitassetData) {
		b.CurrentFeed = current
		b.CurrentMaintenanceCollateralization = cmc
	})
	if current.SettlementPrice != prev && current.SettlementPrice != b.MedianFeed.SettlementPrice {
		e.emit(&event.FeedCapped{
			AssetID:      a.ID,
			MedianPrice:  b.MedianFeed.SettlementPrice,
			CurrentPrice: current.SettlementPrice,
		})
	}
	return nil
}

// pruneFeeds drops expired feeds, keeping the most recent ones so that at
// least min(MinimumFeeds, count) remain, and never fewer than one
func (e *Engine) pruneFeeds(b *state.BitassetData, now time.Time) {
	if len(b.Feeds) == 0 {
		return
	}
	need := int(b.Options.MinimumFeeds)
	if need > len(b.Feeds) {
		need = len(b.Feeds)
	}
	if need < 1 {
		need = 1
	}

	var keep, expired []state.FeedEntry
	for _, f := range b.Feeds {
		if feedIsValid(f, b.Options.FeedLifetimeSec, now) {
			keep = append(keep, f)
		} else {
			expired = append(expired, f)
		}
	}
	if len(expired) == 0 {
		return
	}
	sort.SliceStable(expired, func(i, j int) bool { return expired[i].PublishedAt.After(expired[j].PublishedAt) })
	for _, f := range expired {
		if len(keep) >= need {
			break
		}
		keep = append(keep, f)
	}
	if len(keep) == len(b.Feeds) {
		return
	}
	sort.Slice(keep, func(i, j int) bool { return protocol.CompareAccounts(keep[i].Producer, keep[j].Producer) < 0 })
	e.store.ModifyBitasset(b, func(b *state.BitassetData) { b.Feeds = keep })
}

func (e *Engine) applyAssetUpdateFeedProducers(op *event.AssetUpdateFeedProducers) error {
	a, b, err := e.getMarketIssued(op.AssetID)
	if err != nil {
		return err
	}
	if a.Issuer != op.Issuer {
		return reject(ErrAuthorization, "only the issuer may update feed producers of %s", a.Symbol)
	}
	if a.Options.HasFlag(protocol.PermWitnessFedAsset) || a.Options.HasFlag(protocol.PermCommitteeFedAsset) {
		return reject(ErrValidation, "%s takes feeds from witnesses or committee", a.Symbol)
	}

	producers := append([]uuid.UUID(nil), op.NewProducers...)
	state.SortAccounts(producers)
	e.store.ModifyBitasset(b, func(b *state.BitassetData) {
		b.FeedProducers = producers
		kept := b.Feeds[:0:0]
		for _, f := range b.Feeds {
			if slices.Contains(producers, f.Producer) {
				kept = append(kept, f)
			}
		}
		b.Feeds = kept
	})

	if err := e.refreshFeeds(a, b); err != nil {
		return err
	}
	e.enqueue(a.ID)
	return nil
}
