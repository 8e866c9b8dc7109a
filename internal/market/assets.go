package market

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/protocol"
	"PegLedger/internal/state"
)

func (e *Engine) applyAssetCreate(op *event.AssetCreate) error {
	if _, exists := e.store.AssetBySymbol(op.Symbol); exists {
		return reject(ErrValidation, "asset symbol %q already exists", op.Symbol)
	}
	nextID := protocol.AssetID(len(e.store.Assets()))

	opts := op.Options
	cer, err := normalizeCER(opts.CoreExchangeRate, nextID)
	if err != nil {
		return err
	}
	opts.CoreExchangeRate = cer

	asset := state.Asset{
		Symbol:    op.Symbol,
		Precision: op.Precision,
		Issuer:    op.Issuer,
		Kind:      protocol.AssetKindUserIssued,
		Options:   opts,
	}
	var bitasset *state.BitassetData
	if op.BitassetOptions != nil {
		bopts := *op.BitassetOptions
		backing, err := e.getAsset(bopts.ShortBackingAsset)
		if err != nil {
			return err
		}
		if backing.Kind == protocol.AssetKindPredictionMarket {
			return reject(ErrValidation, "a prediction market cannot back another asset")
		}
		asset.Kind = protocol.AssetKindMarketIssued
		if op.IsPredictionMarket {
			if !opts.HasPermission(protocol.PermGlobalSettle) {
				return reject(ErrValidation, "a prediction market needs the global settle permission")
			}
			asset.Kind = protocol.AssetKindPredictionMarket
		}
		bitasset = &state.BitassetData{
			Options:            bopts,
			IsPredictionMarket: op.IsPredictionMarket,
			MedianFeed:         protocol.NullFeed(),
			CurrentFeed:        protocol.NullFeed(),
		}
	}

	a, err := e.store.CreateAsset(asset, bitasset)
	if err != nil {
		return reject(ErrValidation, "%v", err)
	}
	if bitasset != nil {
		b, _ := e.store.GetBitasset(a.ID)
		return e.refreshFeeds(a, b)
	}
	return nil
}

// normalizeCER orients a core exchange rate as asset/CORE
func normalizeCER(cer protocol.Price, asset protocol.AssetID) (protocol.Price, error) {
	if cer.IsNull() {
		return cer, nil
	}
	if cer.Base.AssetID == protocol.CoreAssetID {
		cer = cer.Invert()
	}
	if cer.Base.AssetID != asset || cer.Quote.AssetID != protocol.CoreAssetID {
		return protocol.Price{}, reject(ErrValidation, "core exchange rate %s must relate asset %d to the core asset", cer, asset)
	}
	return cer, nil
}

func (e *Engine) applyAssetUpdate(op *event.AssetUpdate) error {
	a, err := e.getAsset(op.AssetID)
	if err != nil {
		return err
	}
	if a.Kind == protocol.AssetKindCore {
		return reject(ErrValidation, "the core asset cannot be updated")
	}
	if a.Issuer != op.Issuer {
		return reject(ErrAuthorization, "only the issuer may update %s", a.Symbol)
	}

	next := op.NewOptions
	old := a.Options
	if next.MaxSupply < a.CurrentSupply {
		return reject(ErrValidation, "max supply %d is below current supply %d", next.MaxSupply, a.CurrentSupply)
	}
	if added := next.IssuerPermissions &^ old.IssuerPermissions; added != 0 && a.CurrentSupply > 0 {
		return reject(ErrValidation, "permissions %#x can only be added while supply is zero", added)
	}
	if a.Kind == protocol.AssetKindUserIssued && next.IssuerPermissions&^protocol.UIAPermissionMask != 0 {
		return reject(ErrValidation, "user-issued asset cannot hold market-issued permissions %#x", next.IssuerPermissions)
	}
	if a.Kind == protocol.AssetKindPredictionMarket && !next.HasPermission(protocol.PermGlobalSettle) {
		return reject(ErrValidation, "a prediction market keeps the global settle permission")
	}
	cer, err := normalizeCER(next.CoreExchangeRate, a.ID)
	if err != nil {
		return err
	}
	next.CoreExchangeRate = cer

	const feedSource = protocol.PermWitnessFedAsset | protocol.PermCommitteeFedAsset
	sourceChanged := next.Flags&feedSource != old.Flags&feedSource
	e.store.ModifyAsset(a, func(a *state.Asset) { a.Options = next })

	if b, ok := e.store.GetBitasset(a.ID); ok && sourceChanged {
		e.store.ModifyBitasset(b, func(b *state.BitassetData) { b.Feeds = nil })
		if err := e.refreshFeeds(a, b); err != nil {
			return err
		}
		e.enqueue(a.ID)
	}
	return nil
}

func (e *Engine) applyAssetUpdateBitasset(op *event.AssetUpdateBitasset) error {
	a, b, err := e.getMarketIssued(op.AssetID)
	if err != nil {
		return err
	}
	if a.Issuer != op.Issuer {
		return reject(ErrAuthorization, "only the issuer may update %s", a.Symbol)
	}
	if b.IsGloballySettled() {
		return reject(ErrAssetFrozen, "%s is globally settled", a.Symbol)
	}

	next, old := op.NewOptions, b.Options
	backingChanged := next.ShortBackingAsset != old.ShortBackingAsset
	if backingChanged {
		if a.CurrentSupply != 0 {
			return reject(ErrValidation, "the backing asset of %s can only change while supply is zero", a.Symbol)
		}
		backing, err := e.getAsset(next.ShortBackingAsset)
		if err != nil {
			return err
		}
		if backing.ID == a.ID || backing.Kind == protocol.AssetKindPredictionMarket {
			return reject(ErrValidation, "asset %d cannot back %s", backing.ID, a.Symbol)
		}
	}

	overrides := []struct {
		name          string
		perm          uint16
		before, after *uint16
	}{
		{"maintenance_collateral_ratio", protocol.PermUpdateMCR, old.MaintenanceCollateralRatio, next.MaintenanceCollateralRatio},
		{"maximum_short_squeeze_ratio", protocol.PermUpdateMSSR, old.MaximumShortSqueezeRatio, next.MaximumShortSqueezeRatio},
		{"initial_collateral_ratio", protocol.PermUpdateICR, old.InitialCollateralRatio, next.InitialCollateralRatio},
	}
	for _, o := range overrides {
		if !sameOptional(o.before, o.after) && !a.Options.HasPermission(o.perm) {
			return reject(ErrAuthorization, "%s issuer may not change %s", a.Symbol, o.name)
		}
	}
	if next.BlackSwanResponseMethod != old.BlackSwanResponseMethod {
		if err := e.canOwnerUpdateBSRM(a, b); err != nil {
			return err
		}
	}

	e.store.ModifyBitasset(b, func(b *state.BitassetData) {
		b.Options = next
		if backingChanged {
			b.Feeds = nil
		}
	})
	if err := e.refreshFeeds(a, b); err != nil {
		return err
	}
	e.enqueue(a.ID)
	return nil
}

func sameOptional(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (e *Engine) applyAssetIssue(op *event.AssetIssue) error {
	a, err := e.getAsset(op.Amount.AssetID)
	if err != nil {
		return err
	}
	if a.Kind != protocol.AssetKindUserIssued {
		return reject(ErrValidation, "%s is not user-issued", a.Symbol)
	}
	if a.Issuer != op.Issuer {
		return reject(ErrAuthorization, "only the issuer may issue %s", a.Symbol)
	}
	return e.mint(ledger.JournalTypeIssue, a, available(op.To, a.ID), op.Amount.Amount)
}
