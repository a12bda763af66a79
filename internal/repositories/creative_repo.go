package repositories

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/miner-sl/ad-marketplace-sub000/internal/domain"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
)

type CreativeRepo struct {
	pool *pgxpool.Pool
}

func NewCreativeRepo(pool *pgxpool.Pool) *CreativeRepo {
	return &CreativeRepo{pool: pool}
}

// Create inserts a new creative row with the next version for the deal.
// History is never mutated; a resubmission is a new row.
func (r *CreativeRepo) Create(ctx context.Context, c *models.Creative) error {
	mediaBytes, _ := json.Marshal(c.MediaURLs)
	return r.pool.QueryRow(ctx, `
		INSERT INTO deal_creatives (deal_id, version, text, media_urls, repost_from_url, status)
		VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM deal_creatives WHERE deal_id = $1), $2, $3, $4, $5)
		RETURNING id, version, created_at
	`, c.DealID, c.Text, mediaBytes, c.RepostFromURL, c.Status).Scan(&c.ID, &c.Version, &c.CreatedAt)
}

// GetLatest returns the authoritative creative: highest version wins.
func (r *CreativeRepo) GetLatest(ctx context.Context, dealID uuid.UUID) (*models.Creative, error) {
	var c models.Creative
	var mediaBytes []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, deal_id, version, text, media_urls, repost_from_url, status, revision_notes, created_at
		FROM deal_creatives WHERE deal_id = $1 ORDER BY version DESC LIMIT 1
	`, dealID).Scan(&c.ID, &c.DealID, &c.Version, &c.Text, &mediaBytes, &c.RepostFromURL, &c.Status, &c.RevisionNotes, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(mediaBytes, &c.MediaURLs)
	return &c, nil
}

func (r *CreativeRepo) SetStatus(ctx context.Context, id uuid.UUID, status string, revisionNotes *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE deal_creatives SET status = $1, revision_notes = COALESCE($2, revision_notes) WHERE id = $3
	`, status, revisionNotes, id)
	return err
}
