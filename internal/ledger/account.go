package ledger

import (
	"PegLedger/internal/protocol"
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeOrders
	SubTypeCollateral
	SubTypeSettling

	// System sub-types. Supply carries the negated circulating supply of
	// its asset; the others hold amounts owed to nobody in particular.
	SubTypeSystemSupply
	SubTypeSystemMarketFees
	SubTypeSystemCollateralFees
	SubTypeSystemSettlementFund
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // account UUID for users, owning asset id for system accounts
	SubType  AccountSubType
	AssetID  protocol.AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID protocol.AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for a system account owned by an asset.
// The owner is the MPA for collateral fees and the settlement fund, and the
// held asset itself for supply and market fees.
func NewSystemAccountKey(subType AccountSubType, owner, assetID protocol.AssetID) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint32(entityID[:4], uint32(owner))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// SupplyAccount is the issuance counter-account of an asset
func SupplyAccount(assetID protocol.AssetID) AccountKey {
	return NewSystemAccountKey(SubTypeSystemSupply, assetID, assetID)
}

// MarketFeeAccount accumulates market fees charged in assetID
func MarketFeeAccount(assetID protocol.AssetID) AccountKey {
	return NewSystemAccountKey(SubTypeSystemMarketFees, assetID, assetID)
}

// CollateralFeeAccount accumulates margin call and force settle fees of an MPA
func CollateralFeeAccount(mpa, backing protocol.AssetID) AccountKey {
	return NewSystemAccountKey(SubTypeSystemCollateralFees, mpa, backing)
}

// SettlementFundAccount holds the collateral of a globally settled MPA
func SettlementFundAccount(mpa, backing protocol.AssetID) AccountKey {
	return NewSystemAccountKey(SubTypeSystemSettlementFund, mpa, backing)
}

// Owner returns the owning asset of a system account
func (k AccountKey) Owner() protocol.AssetID {
	return protocol.AssetID(binary.BigEndian.Uint32(k.EntityID[:4]))
}

// Compare orders keys by (scope, entity, sub-type, asset)
func (k AccountKey) Compare(o AccountKey) int {
	if k.Scope != o.Scope {
		if k.Scope < o.Scope {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(k.EntityID[:], o.EntityID[:]); c != 0 {
		return c
	}
	if k.SubType != o.SubType {
		if k.SubType < o.SubType {
			return -1
		}
		return 1
	}
	switch {
	case k.AssetID < o.AssetID:
		return -1
	case k.AssetID > o.AssetID:
		return 1
	}
	return 0
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%d", uid.String(), k.subTypeName(), k.AssetID)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%d:%d", k.subTypeName(), k.Owner(), k.AssetID)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeOrders:
		return "orders"
	case SubTypeCollateral:
		return "collateral"
	case SubTypeSettling:
		return "settling"
	case SubTypeSystemSupply:
		return "supply"
	case SubTypeSystemMarketFees:
		return "market_fees"
	case SubTypeSystemCollateralFees:
		return "collateral_fees"
	case SubTypeSystemSettlementFund:
		return "settlement_fund"
	default:
		return "unknown"
	}
}
