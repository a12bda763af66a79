package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/miner-sl/ad-marketplace-sub000/internal/models"
)

// MessageRepo stores the append-only negotiation thread.
type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Append(ctx context.Context, m *models.DealMessage) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO deal_messages (deal_id, sender_id, text)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, m.DealID, m.SenderID, m.Text).Scan(&m.ID, &m.CreatedAt)
}

func (r *MessageRepo) ListByDeal(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.DealMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, deal_id, sender_id, text, created_at
		FROM deal_messages WHERE deal_id = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, dealID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.DealMessage
	for rows.Next() {
		var m models.DealMessage
		if err := rows.Scan(&m.ID, &m.DealID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
