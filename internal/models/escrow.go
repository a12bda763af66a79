package models

import (
	"time"

	"github.com/google/uuid"
)

// EscrowWallet is the per-deal settlement wallet. Created exactly once;
// the seed is AES-GCM encrypted at rest and decrypted only while signing
// an outgoing transfer.
type EscrowWallet struct {
	ID            uuid.UUID `json:"id"`
	DealID        uuid.UUID `json:"deal_id"`
	Address       string    `json:"address"`
	PublicKey     string    `json:"public_key"` // hex
	EncryptedSeed string    `json:"-"`
	Network       string    `json:"network"` // mainnet/testnet
	CreatedAt     time.Time `json:"created_at"`
}

// Ledger entry types
const (
	LedgerEntryPayment  = "payment_to_escrow"
	LedgerEntryRelease  = "release_to_owner"
	LedgerEntryRefund   = "refund_to_advertiser"
	LedgerEntryFee      = "platform_fee"
)

// Ledger entry statuses
const (
	LedgerStatusPending   = "pending"
	LedgerStatusConfirmed = "confirmed"
	LedgerStatusFailed    = "failed"
	LedgerStatusReversed  = "reversed"
)

// Ledger directions
const (
	LedgerDirIn  = "in"
	LedgerDirOut = "out"
)

// LedgerEntry records one money movement. Rows are append-only; only
// status and confirmation count ever change after insert.
type LedgerEntry struct {
	ID            uuid.UUID `json:"id"`
	DealID        uuid.UUID `json:"deal_id"`
	Direction     string    `json:"direction"` // in / out
	EntryType     string    `json:"entry_type"`
	FromAddress   *string   `json:"from_address,omitempty"`
	ToAddress     *string   `json:"to_address,omitempty"`
	AmountTON     string    `json:"amount_ton"`
	TxHash        *string   `json:"tx_hash,omitempty"`
	Confirmations int       `json:"confirmations"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
