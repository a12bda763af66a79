package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

// InsertWallet stores the wallet unless one already exists for the deal.
// Returns false when another caller won the race; the existing row stays
// authoritative.
func (r *EscrowRepo) InsertWallet(ctx context.Context, w *models.EscrowWallet) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO escrow_wallets (deal_id, address, public_key, encrypted_seed, network)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (deal_id) DO NOTHING
	`, w.DealID, w.Address, w.PublicKey, w.EncryptedSeed, w.Network)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *EscrowRepo) GetWalletByDealID(ctx context.Context, dealID uuid.UUID) (*models.EscrowWallet, error) {
	var w models.EscrowWallet
	err := r.pool.QueryRow(ctx, `
		SELECT id, deal_id, address, public_key, encrypted_seed, network, created_at
		FROM escrow_wallets WHERE deal_id = $1
	`, dealID).Scan(&w.ID, &w.DealID, &w.Address, &w.PublicKey, &w.EncryptedSeed, &w.Network, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// AddLedgerEntry appends one money-movement row.
func (r *EscrowRepo) AddLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO ledger_entries (deal_id, direction, entry_type, from_address, to_address, amount_ton, tx_hash, confirmations, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, e.DealID, e.Direction, e.EntryType, e.FromAddress, e.ToAddress, e.AmountTON, e.TxHash, e.Confirmations, e.Status,
	).Scan(&e.ID, &e.CreatedAt)
}

// SetLedgerStatus transitions a ledger entry's status; rows are never
// otherwise mutated.
func (r *EscrowRepo) SetLedgerStatus(ctx context.Context, id uuid.UUID, status string, txHash *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ledger_entries SET status = $1, tx_hash = COALESCE($2, tx_hash) WHERE id = $3
	`, status, txHash, id)
	return err
}

// HasLedgerEntry reports whether a movement of the given type was
// already recorded for the deal. Used as the idempotency re-check after
// a lock lease may have expired.
func (r *EscrowRepo) HasLedgerEntry(ctx context.Context, dealID uuid.UUID, entryType string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE deal_id = $1 AND entry_type = $2 AND status <> $3)
	`, dealID, entryType, models.LedgerStatusFailed).Scan(&exists)
	return exists, err
}

func (r *EscrowRepo) ListLedgerByDeal(ctx context.Context, dealID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, deal_id, direction, entry_type, from_address, to_address, amount_ton, tx_hash, confirmations, status, created_at
		FROM ledger_entries WHERE deal_id = $1 ORDER BY created_at ASC
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.DealID, &e.Direction, &e.EntryType, &e.FromAddress, &e.ToAddress,
			&e.AmountTON, &e.TxHash, &e.Confirmations, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
