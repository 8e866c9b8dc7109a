package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for operations and virtual operations
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Operations submitted in blocks
	EventTypeTransfer
	EventTypeAssetCreate
	EventTypeAssetUpdate
	EventTypeAssetUpdateBitasset
	EventTypeAssetUpdateFeedProducers
	EventTypeAssetIssue
	EventTypeAssetPublishFeed
	EventTypeCallOrderUpdate
	EventTypeLimitOrderCreate
	EventTypeLimitOrderCancel
	EventTypeAssetSettle
	EventTypeAssetGlobalSettle

	// Virtual operations emitted by the engine
	EventTypeFillOrder
	EventTypeOrderCancelled
	EventTypeBlackSwan
	EventTypeGlobalSettlement
	EventTypeSettlementClaimed
	EventTypeAssetRevived
	EventTypeFeedCapped
)

// BlockEnvelope wraps every applied block in the log
type BlockEnvelope struct {
	Height int64

	// Block time supplied by the producer (NOT wall-clock)
	Timestamp time.Time

	OperationCount int
	RejectedCount  int

	// JSON-encoded block as received
	Payload []byte

	// SHA-256 of state AFTER applying this block
	StateHash [32]byte

	// Previous block's state hash (chain integrity)
	PrevHash [32]byte
}

// Operation is the interface all submitted operations implement
type Operation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Account returns the acting account
	Account() uuid.UUID

	// Validate performs stateless checks
	Validate() error
}

// VirtualOp is emitted by the engine as a consequence of operations
type VirtualOp interface {
	EventType() EventType
}

// Block is an ordered list of operations sharing one timestamp
type Block struct {
	Height     int64
	Timestamp  time.Time
	Operations []Operation
}

func (et EventType) String() string {
	switch et {
	case EventTypeTransfer:
		return "Transfer"
	case EventTypeAssetCreate:
		return "AssetCreate"
	case EventTypeAssetUpdate:
		return "AssetUpdate"
	case EventTypeAssetUpdateBitasset:
		return "AssetUpdateBitasset"
	case EventTypeAssetUpdateFeedProducers:
		return "AssetUpdateFeedProducers"
	case EventTypeAssetIssue:
		return "AssetIssue"
	case EventTypeAssetPublishFeed:
		return "AssetPublishFeed"
	case EventTypeCallOrderUpdate:
		return "CallOrderUpdate"
	case EventTypeLimitOrderCreate:
		return "LimitOrderCreate"
	case EventTypeLimitOrderCancel:
		return "LimitOrderCancel"
	case EventTypeAssetSettle:
		return "AssetSettle"
	case EventTypeAssetGlobalSettle:
		return "AssetGlobalSettle"
	case EventTypeFillOrder:
		return "FillOrder"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeBlackSwan:
		return "BlackSwan"
	case EventTypeGlobalSettlement:
		return "GlobalSettlement"
	case EventTypeSettlementClaimed:
		return "SettlementClaimed"
	case EventTypeAssetRevived:
		return "AssetRevived"
	case EventTypeFeedCapped:
		return "FeedCapped"
	default:
		return "Unknown"
	}
}

// ParseEventType maps a wire name back to its EventType.
func ParseEventType(name string) EventType {
	for et := EventTypeTransfer; et <= EventTypeFeedCapped; et++ {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}
