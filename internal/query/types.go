package query

import (
	"PegLedger/internal/core"
	"time"

	"github.com/google/uuid"
)

// AssetBalance is one account's holdings of one asset, split by purpose.
// Amounts are in satoshis; the Display fields are decimal strings when the
// asset precision is known.
type AssetBalance struct {
	AssetID    uint32 `json:"asset_id"`
	Available  int64  `json:"available"`
	Orders     int64  `json:"orders"`
	Collateral int64  `json:"collateral"`
	Settling   int64  `json:"settling"`
	Total      int64  `json:"total"`

	DisplayTotal     string `json:"display_total,omitempty"`
	DisplayAvailable string `json:"display_available,omitempty"`
}

// BalanceResponse lists every asset an account holds.
type BalanceResponse struct {
	Account    uuid.UUID      `json:"account"`
	Assets     []AssetBalance `json:"assets"`
	AsOfHeight int64          `json:"as_of_height"`
}

// BitassetResponse is the projected state of one market-issued asset
type BitassetResponse struct {
	core.BitassetView
	DisplaySupply          string `json:"display_supply"`
	DisplayMedianPrice     string `json:"display_median_price,omitempty"`
	DisplaySettlementPrice string `json:"display_settlement_price,omitempty"`
	AsOfHeight             int64  `json:"as_of_height"`
}

// FillResponse is one projected fill
type FillResponse struct {
	Height     int64     `json:"height"`
	OpIndex    int       `json:"op_index"`
	OrderKind  string    `json:"order_kind"`
	OrderID    uint64    `json:"order_id"`
	Account    uuid.UUID `json:"account"`
	PaysAsset  uint32    `json:"pays_asset"`
	PaysAmount int64     `json:"pays_amount"`
	RecvAsset  uint32    `json:"recv_asset"`
	RecvAmount int64     `json:"recv_amount"`
	FeeAmount  int64     `json:"fee_amount"`
	IsMaker    bool      `json:"is_maker"`
	Timestamp  time.Time `json:"timestamp"`
}

// JournalHistoryEntry is a journal leg touching an account.
type JournalHistoryEntry struct {
	JournalID     string    `json:"journal_id"`
	BatchID       string    `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Height        int64     `json:"height"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	AssetID       uint32    `json:"asset_id"`
	Amount        int64     `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// RejectedOp is an operation of a block that was not applied
type RejectedOp struct {
	OpIndex        int    `json:"op_index"`
	OpType         string `json:"op_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
}

// BlockResponse is a persisted block header with its rejections
type BlockResponse struct {
	Height         int64        `json:"height"`
	StateHash      string       `json:"state_hash"`
	PrevHash       string       `json:"prev_hash"`
	Timestamp      time.Time    `json:"timestamp"`
	OperationCount int          `json:"operation_count"`
	RejectedCount  int          `json:"rejected_count"`
	Rejected       []RejectedOp `json:"rejected,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfHeight       int64             `json:"as_of_height"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   uint32 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
