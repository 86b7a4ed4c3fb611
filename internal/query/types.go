package query

import "encoding/json"

// CreditResponse is a user's spendable credit balance.
type CreditResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionResponse is one projected position. Detail carries the full
// position record; the envelope fields are the indexed columns.
type PositionResponse struct {
	PositionID   int64           `json:"position_id"`
	Kind         string          `json:"kind"` // "market" | "leveraged"
	Account      string          `json:"account"`
	EventID      *int64          `json:"event_id,omitempty"`
	Status       int32           `json:"status"`
	Detail       json.RawMessage `json:"detail"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// EventResponse is one projected market event.
type EventResponse struct {
	EventID      int64 `json:"event_id"`
	Status       int32 `json:"status"`
	StartTime    int64 `json:"start_time"`
	ExpireTime   int64 `json:"expire_time"`
	Volume       int64 `json:"volume"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// SettlementResponse is one payout record from the settlement history.
type SettlementResponse struct {
	Kind       int32  `json:"kind"` // 0 = market sell, 1 = leveraged close
	Account    string `json:"account"`
	PositionID uint64 `json:"position_id,omitempty"`
	Amount     int64  `json:"amount"`
	PnL        int64  `json:"pnl"`
	Payout     int64  `json:"payout"`
	Forced     bool   `json:"forced"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

// JournalHistoryEntry is a single double-entry record from the command log.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the admin integrity verification result.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset flags a zero-sum violation for an asset.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
