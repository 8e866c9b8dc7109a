package config

import (
	"PegLedger/internal/event"
	"PegLedger/internal/market"
	"PegLedger/internal/protocol"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// bootstrapNamespace derives the operation ids of the bootstrap block, so
// every node builds the same block from the same genesis file.
var bootstrapNamespace = uuid.MustParse("6f1c2a8e-4b7d-5e90-a3c1-2d8f0b6e9a41")

// GenesisFile is the TOML genesis and chain parameter file.
type GenesisFile struct {
	Timestamp              time.Time      `toml:"timestamp"`
	MaintenanceIntervalSec uint32         `toml:"maintenance_interval_sec"`
	UndoHistory            int            `toml:"undo_history"`
	DustThreshold          int64          `toml:"dust_threshold"`
	Witnesses              []string       `toml:"witnesses"`
	Committee              []string       `toml:"committee"`
	Core                   CoreAsset      `toml:"core"`
	Balances               []Balance      `toml:"balances"`
	Assets                 []InitialAsset `toml:"assets"`
}

type CoreAsset struct {
	Symbol    string `toml:"symbol"`
	Precision uint8  `toml:"precision"`
	MaxSupply int64  `toml:"max_supply"`
}

type Balance struct {
	Account string `toml:"account"`
	Amount  int64  `toml:"amount"`
}

// InitialAsset is created by the bootstrap block at height 1
type InitialAsset struct {
	Symbol             string    `toml:"symbol"`
	Issuer             string    `toml:"issuer"`
	Precision          uint8     `toml:"precision"`
	MaxSupply          int64     `toml:"max_supply"`
	MarketFeePercent   uint16    `toml:"market_fee_percent"`
	MaxMarketFee       int64     `toml:"max_market_fee"`
	Permissions        []string  `toml:"permissions"`
	Flags              []string  `toml:"flags"`
	IsPredictionMarket bool      `toml:"prediction_market"`
	Bitasset           *Bitasset `toml:"bitasset"`
	FeedProducers      []string  `toml:"feed_producers"`
}

// Bitasset holds the market-issued options of an initial asset. Ratios are
// in per-mille and percentages in basis points, as on the wire.
type Bitasset struct {
	Backing                      string  `toml:"backing"`
	FeedLifetimeSec              uint32  `toml:"feed_lifetime_sec"`
	MinimumFeeds                 uint8   `toml:"minimum_feeds"`
	ForceSettlementDelaySec      uint32  `toml:"force_settlement_delay_sec"`
	ForceSettlementOffsetPercent uint16  `toml:"force_settlement_offset_percent"`
	MaximumForceSettlementVolume uint16  `toml:"maximum_force_settlement_volume"`
	MCR                          *uint16 `toml:"maintenance_collateral_ratio"`
	MSSR                         *uint16 `toml:"maximum_short_squeeze_ratio"`
	ICR                          *uint16 `toml:"initial_collateral_ratio"`
	MarginCallFeeRatio           *uint16 `toml:"margin_call_fee_ratio"`
	ForceSettleFeePercent        *uint16 `toml:"force_settle_fee_percent"`
	BlackSwanResponse            string  `toml:"black_swan_response"`
}

// Genesis is a decoded genesis: engine genesis plus the bootstrap block.
type Genesis struct {
	Market      market.Genesis
	UndoHistory int
	// Bootstrap is nil when there are no initial assets
	Bootstrap *event.Block
}

var permissionNames = map[string]uint16{
	"charge_market_fee":    protocol.PermChargeMarketFee,
	"disable_force_settle": protocol.PermDisableForceSettle,
	"global_settle":        protocol.PermGlobalSettle,
	"witness_fed_asset":    protocol.PermWitnessFedAsset,
	"committee_fed_asset":  protocol.PermCommitteeFedAsset,
	"update_mcr":           protocol.PermUpdateMCR,
	"update_icr":           protocol.PermUpdateICR,
	"update_mssr":          protocol.PermUpdateMSSR,
	"update_bsrm":          protocol.PermUpdateBSRM,
}

// LoadGenesis reads and decodes a genesis file.
func LoadGenesis(path string) (*Genesis, []byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("genesis: path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("genesis: read: %w", err)
	}
	g, err := DecodeGenesis(data)
	if err != nil {
		return nil, nil, err
	}
	return g, data, nil
}

// DecodeGenesis decodes TOML genesis data. Unknown keys are an error.
func DecodeGenesis(data []byte) (*Genesis, error) {
	var file GenesisFile
	meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&file)
	if err != nil {
		return nil, fmt.Errorf("genesis: decode toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("genesis: unknown fields %v", undecoded)
	}
	return file.Build()
}

// Build validates the file and converts it.
func (f GenesisFile) Build() (*Genesis, error) {
	if f.Timestamp.IsZero() {
		return nil, errors.New("genesis: timestamp required")
	}
	witnesses, err := parseAccounts("witnesses", f.Witnesses)
	if err != nil {
		return nil, err
	}
	committee, err := parseAccounts("committee", f.Committee)
	if err != nil {
		return nil, err
	}

	g := &Genesis{
		UndoHistory: f.UndoHistory,
		Market: market.Genesis{
			Timestamp:              f.Timestamp.UTC().Truncate(time.Second),
			MaintenanceIntervalSec: f.MaintenanceIntervalSec,
			DustThreshold:          f.DustThreshold,
			Witnesses:              witnesses,
			Committee:              committee,
			CoreSymbol:             f.Core.Symbol,
			CorePrecision:          f.Core.Precision,
			CoreMaxSupply:          f.Core.MaxSupply,
		},
	}
	if g.Market.CoreSymbol == "" {
		g.Market.CoreSymbol = "CORE"
	}
	if f.Core.Precision > protocol.MaxAssetPrecision {
		return nil, fmt.Errorf("genesis: core precision %d exceeds %d", f.Core.Precision, protocol.MaxAssetPrecision)
	}

	for i, b := range f.Balances {
		id, err := uuid.Parse(b.Account)
		if err != nil {
			return nil, fmt.Errorf("genesis: balance %d account: %w", i, err)
		}
		if b.Amount <= 0 {
			return nil, fmt.Errorf("genesis: balance %d amount must be positive", i)
		}
		g.Market.Balances = append(g.Market.Balances, market.GenesisBalance{Account: id, Amount: b.Amount})
	}

	if len(f.Assets) > 0 {
		block, err := f.bootstrapBlock(g.Market.CoreSymbol)
		if err != nil {
			return nil, err
		}
		g.Bootstrap = block
	}
	return g, nil
}

// bootstrapBlock creates the initial assets at height 1, one second after
// genesis. Asset ids follow creation order after CORE.
func (f GenesisFile) bootstrapBlock(coreSymbol string) (*event.Block, error) {
	ids := map[string]protocol.AssetID{coreSymbol: protocol.CoreAssetID}
	block := &event.Block{
		Height:    1,
		Timestamp: f.Timestamp.UTC().Truncate(time.Second).Add(time.Second),
	}

	for i, a := range f.Assets {
		issuer, err := uuid.Parse(a.Issuer)
		if err != nil {
			return nil, fmt.Errorf("genesis: asset %s issuer: %w", a.Symbol, err)
		}
		if _, dup := ids[a.Symbol]; dup {
			return nil, fmt.Errorf("genesis: duplicate asset symbol %s", a.Symbol)
		}
		perms, err := parseBits(a.Permissions)
		if err != nil {
			return nil, fmt.Errorf("genesis: asset %s permissions: %w", a.Symbol, err)
		}
		flags, err := parseBits(a.Flags)
		if err != nil {
			return nil, fmt.Errorf("genesis: asset %s flags: %w", a.Symbol, err)
		}

		op := &event.AssetCreate{
			OperationID: uuid.NewSHA1(bootstrapNamespace, []byte("create:"+a.Symbol)),
			Issuer:      issuer,
			Symbol:      a.Symbol,
			Precision:   a.Precision,
			Options: protocol.AssetOptions{
				MaxSupply:         a.MaxSupply,
				MarketFeePercent:  a.MarketFeePercent,
				MaxMarketFee:      a.MaxMarketFee,
				IssuerPermissions: perms,
				Flags:             flags,
			},
			IsPredictionMarket: a.IsPredictionMarket,
		}
		if a.Bitasset != nil {
			opts, err := a.Bitasset.options(ids)
			if err != nil {
				return nil, fmt.Errorf("genesis: asset %s: %w", a.Symbol, err)
			}
			op.BitassetOptions = &opts
		}
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("genesis: asset %s: %w", a.Symbol, err)
		}
		id := protocol.AssetID(i + 1)
		ids[a.Symbol] = id
		block.Operations = append(block.Operations, op)

		if len(a.FeedProducers) > 0 {
			producers, err := parseAccounts("feed_producers", a.FeedProducers)
			if err != nil {
				return nil, fmt.Errorf("genesis: asset %s: %w", a.Symbol, err)
			}
			block.Operations = append(block.Operations, &event.AssetUpdateFeedProducers{
				OperationID:  uuid.NewSHA1(bootstrapNamespace, []byte("producers:"+a.Symbol)),
				Issuer:       issuer,
				AssetID:      id,
				NewProducers: producers,
			})
		}
	}
	return block, nil
}

func (b Bitasset) options(ids map[string]protocol.AssetID) (protocol.BitassetOptions, error) {
	opts := protocol.DefaultBitassetOptions()
	if b.Backing != "" {
		backing, ok := ids[b.Backing]
		if !ok {
			return opts, fmt.Errorf("unknown backing asset %q", b.Backing)
		}
		opts.ShortBackingAsset = backing
	}
	if b.FeedLifetimeSec != 0 {
		opts.FeedLifetimeSec = b.FeedLifetimeSec
	}
	if b.MinimumFeeds != 0 {
		opts.MinimumFeeds = b.MinimumFeeds
	}
	if b.ForceSettlementDelaySec != 0 {
		opts.ForceSettlementDelaySec = b.ForceSettlementDelaySec
	}
	if b.MaximumForceSettlementVolume != 0 {
		opts.MaximumForceSettlementVolume = b.MaximumForceSettlementVolume
	}
	opts.ForceSettlementOffsetPercent = b.ForceSettlementOffsetPercent
	opts.MaintenanceCollateralRatio = b.MCR
	opts.MaximumShortSqueezeRatio = b.MSSR
	opts.InitialCollateralRatio = b.ICR
	opts.MarginCallFeeRatio = b.MarginCallFeeRatio
	opts.ForceSettleFeePercent = b.ForceSettleFeePercent

	switch b.BlackSwanResponse {
	case "", "global_settlement":
		opts.BlackSwanResponseMethod = protocol.BSRMGlobalSettlement
	case "no_settlement":
		opts.BlackSwanResponseMethod = protocol.BSRMNoSettlement
	default:
		return opts, fmt.Errorf("unknown black_swan_response %q", b.BlackSwanResponse)
	}
	return opts, nil
}

func parseBits(names []string) (uint16, error) {
	var bits uint16
	for _, n := range names {
		bit, ok := permissionNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", n)
		}
		bits |= bit
	}
	return bits, nil
}

func parseAccounts(field string, values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for i, v := range values {
		id, err := uuid.Parse(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("genesis: %s[%d]: %w", field, i, err)
		}
		out = append(out, id)
	}
	return out, nil
}
