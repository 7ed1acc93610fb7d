package domain

import "time"

// EntryType classifies a ledger movement against a match's escrow.
type EntryType string

const (
	EntryPayIn  EntryType = "pay_in"
	EntryPayOut EntryType = "pay_out"
	EntryRefund EntryType = "refund"
)

// EscrowEntry is one row of the settlement ledger. Pay-ins add to a
// match's escrow; pay-outs and refunds drain it.
type EscrowEntry struct {
	ID        int64     `json:"id"`
	MatchID   string    `json:"match_id"`
	Address   string    `json:"address"`
	AmountWei int64     `json:"amount_wei"`
	Type      EntryType `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// SettlementRetry is a failed pay-out or refund queued for replay.
type SettlementRetry struct {
	ID        int64     `json:"id"`
	MatchID   string    `json:"match_id"`
	Address   string    `json:"address"`
	AmountWei int64     `json:"amount_wei"`
	Type      EntryType `json:"type"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Settled   bool      `json:"settled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
