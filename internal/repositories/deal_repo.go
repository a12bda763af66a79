package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so conditional
// writes run the same inside and outside a row-locked transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const dealColumns = `id, deal_type, listing_id, campaign_id, channel_id, channel_owner_id, advertiser_id,
	       status, ad_format, price_ton, platform_fee_bps,
	       escrow_address, owner_wallet_address, payment_tx_hash, payment_confirmed_at,
	       scheduled_post_time, actual_post_time, post_message_ref, post_verification_until,
	       first_publication_time, min_publication_days,
	       verified_at, decline_reason, created_at, updated_at`

type DealRepo struct {
	pool *pgxpool.Pool
}

func NewDealRepo(pool *pgxpool.Pool) *DealRepo {
	return &DealRepo{pool: pool}
}

// on returns the write target: the given transaction, or the pool when
// the caller runs outside one (conditional writes repeat their
// preconditions in the WHERE clause, so they are safe standalone).
func (r *DealRepo) on(q Querier) Querier {
	if q == nil {
		return r.pool
	}
	return q
}

// WithTx runs fn in a transaction; row locks taken inside are held until
// commit or rollback.
func (r *DealRepo) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func scanDeal(row pgx.Row) (*models.Deal, error) {
	var d models.Deal
	err := row.Scan(&d.ID, &d.DealType, &d.ListingID, &d.CampaignID, &d.ChannelID, &d.ChannelOwnerID, &d.AdvertiserID,
		&d.Status, &d.AdFormat, &d.PriceTON, &d.PlatformFeeBPS,
		&d.EscrowAddress, &d.OwnerWalletAddress, &d.PaymentTxHash, &d.PaymentConfirmedAt,
		&d.ScheduledPostTime, &d.ActualPostTime, &d.PostMessageRef, &d.PostVerificationUntil,
		&d.FirstPublicationTime, &d.MinPublicationDays,
		&d.VerifiedAt, &d.DeclineReason, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *DealRepo) Create(ctx context.Context, d *models.Deal) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO deals (deal_type, listing_id, campaign_id, channel_id, channel_owner_id, advertiser_id,
		                   status, ad_format, price_ton, platform_fee_bps, scheduled_post_time, min_publication_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`, d.DealType, d.ListingID, d.CampaignID, d.ChannelID, d.ChannelOwnerID, d.AdvertiserID,
		d.Status, d.AdFormat, d.PriceTON, d.PlatformFeeBPS, d.ScheduledPostTime, d.MinPublicationDays,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (r *DealRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return scanDeal(r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
}

// GetByIDForUpdate reads the deal under a row lock. Callers must
// re-validate every precondition against the returned row, never against
// a snapshot taken before the lock.
func (r *DealRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	return scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
}

// UpdateStatusIf moves the deal to a new status only when its current
// status is one of the expected ones. A false return is not an error by
// itself: the caller re-reads and decides between "already applied" and
// "precondition violated".
func (r *DealRepo) UpdateStatusIf(ctx context.Context, q Querier, id uuid.UUID, to string, from ...string) (bool, error) {
	tag, err := r.on(q).Exec(ctx, `
		UPDATE deals SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeclineIf records the decline reason together with the status move.
func (r *DealRepo) DeclineIf(ctx context.Context, q Querier, id uuid.UUID, reason string, from ...string) (bool, error) {
	tag, err := r.on(q).Exec(ctx, `
		UPDATE deals SET status = $1, decline_reason = $2, updated_at = now()
		WHERE id = $3 AND status = ANY($4)
	`, models.DealStatusDeclined, reason, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetEscrowAddressIfEmpty attaches the escrow address at most once.
func (r *DealRepo) SetEscrowAddressIfEmpty(ctx context.Context, q Querier, id uuid.UUID, address string) (bool, error) {
	tag, err := r.on(q).Exec(ctx, `
		UPDATE deals SET escrow_address = $1, updated_at = now()
		WHERE id = $2 AND escrow_address IS NULL
	`, address, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetOwnerWallet records the channel owner's payout address.
func (r *DealRepo) SetOwnerWallet(ctx context.Context, q Querier, id uuid.UUID, address string) error {
	_, err := r.on(q).Exec(ctx, `UPDATE deals SET owner_wallet_address = $1, updated_at = now() WHERE id = $2`, address, id)
	return err
}

// ConfirmPaymentIf records the funding transaction exactly once: the
// guard repeats both the status and the tx-hash-still-NULL precondition.
func (r *DealRepo) ConfirmPaymentIf(ctx context.Context, q Querier, id uuid.UUID, to, txHash string) (bool, error) {
	tag, err := r.on(q).Exec(ctx, `
		UPDATE deals SET status = $1, payment_tx_hash = $2, payment_confirmed_at = now(), updated_at = now()
		WHERE id = $3 AND status = $4 AND payment_tx_hash IS NULL
	`, to, txHash, id, models.DealStatusPaymentPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPostedIf records publication facts together with the status move.
// first_publication_time is set only on the first publication.
func (r *DealRepo) MarkPostedIf(ctx context.Context, q Querier, id uuid.UUID, postRef string, postedAt, verifyUntil time.Time, from ...string) (bool, error) {
	tag, err := r.on(q).Exec(ctx, `
		UPDATE deals SET status = $1, post_message_ref = $2, actual_post_time = $3,
		       post_verification_until = $4,
		       first_publication_time = COALESCE(first_publication_time, $3),
		       updated_at = now()
		WHERE id = $5 AND status = ANY($6)
	`, models.DealStatusPosted, postRef, postedAt, verifyUntil, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkVerifiedIf moves posted -> verified, stamping verified_at.
func (r *DealRepo) MarkVerifiedIf(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	tag, err := r.on(q).Exec(ctx, `
		UPDATE deals SET status = $1, verified_at = now(), updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.DealStatusVerified, id, models.DealStatusPosted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type DealFilter struct {
	ChannelOwnerID *int64
	AdvertiserID   *int64
	Status         *string
	Limit          int
	Offset         int
}

func (r *DealRepo) List(ctx context.Context, f DealFilter) ([]models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.ChannelOwnerID != nil {
		where = append(where, fmt.Sprintf("channel_owner_id = $%d", argIdx))
		args = append(args, *f.ChannelOwnerID)
		argIdx++
	}
	if f.AdvertiserID != nil {
		where = append(where, fmt.Sprintf("advertiser_id = $%d", argIdx))
		args = append(args, *f.AdvertiserID)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeals(rows)
}

func collectDeals(rows pgx.Rows) ([]models.Deal, error) {
	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

// ---- scheduler scans ----

// ListAwaitingPayment returns payment_pending deals that already have an
// escrow address attached.
func (r *DealRepo) ListAwaitingPayment(ctx context.Context, limit int) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = $1 AND escrow_address IS NOT NULL
		ORDER BY updated_at ASC LIMIT $2
	`, models.DealStatusPaymentPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeals(rows)
}

// ListDueForPublish returns deals whose agreed post time has passed and
// whose status still allows publishing.
func (r *DealRepo) ListDueForPublish(ctx context.Context, limit int) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = ANY($1) AND scheduled_post_time IS NOT NULL AND scheduled_post_time <= now()
		ORDER BY scheduled_post_time ASC LIMIT $2
	`, []string{models.DealStatusPaid, models.DealStatusScheduled, models.DealStatusCreativeApproved}, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeals(rows)
}

// ListPostedForVerification returns posted deals whose verification
// window has elapsed.
func (r *DealRepo) ListPostedForVerification(ctx context.Context, limit int) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = $1 AND post_verification_until IS NOT NULL AND post_verification_until <= now()
		ORDER BY post_verification_until ASC LIMIT $2
	`, models.DealStatusPosted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeals(rows)
}

// ListVerifiedOlderThan returns verified deals the advertiser has not
// confirmed within the auto-release timeout.
func (r *DealRepo) ListVerifiedOlderThan(ctx context.Context, timeout time.Duration, limit int) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = $1 AND verified_at IS NOT NULL AND verified_at < now() - ($2 || ' seconds')::interval
		ORDER BY verified_at ASC LIMIT $3
	`, models.DealStatusVerified, fmt.Sprintf("%d", int(timeout.Seconds())), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeals(rows)
}

// ListInactive returns deals stuck in early statuses with no activity
// for the given window.
func (r *DealRepo) ListInactive(ctx context.Context, timeout time.Duration, limit int) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = ANY($1) AND updated_at < now() - ($2 || ' seconds')::interval
		ORDER BY updated_at ASC LIMIT $3
	`, []string{models.DealStatusPending, models.DealStatusNegotiating, models.DealStatusPaymentPending},
		fmt.Sprintf("%d", int(timeout.Seconds())), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeals(rows)
}
