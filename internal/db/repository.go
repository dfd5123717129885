package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"payment-service/internal/model"
)

// PaymentRepository stores payments in Postgres. Amount and created_at are
// written once on insert; later saves only move status and updated_at.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Load(ctx context.Context, id string) (*model.Payment, error) {
	query := `SELECT id, status, amount::text, description, owner_id, confirmation_url, created_at, updated_at
	          FROM payment WHERE id = $1`

	var (
		p      model.Payment
		status string
		amount string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &status, &amount, &p.Description, &p.OwnerID,
		&p.ConfirmationURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select payment %s", id)
	}

	p.Status = model.Status(status)
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "decode amount of payment %s", id)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	return &p, nil
}

// Save inserts p or updates the status of the stored row. A terminal row only
// accepts a save carrying the same status.
func (r *PaymentRepository) Save(ctx context.Context, p model.Payment) error {
	query := `INSERT INTO payment (id, status, amount, description, owner_id, confirmation_url, created_at, updated_at)
	          VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8)
	          ON CONFLICT (id) DO UPDATE
	          SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	          WHERE payment.status = 'pending' OR payment.status = EXCLUDED.status`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	tag, err := r.pool.Exec(ctx, query, p.ID, string(p.Status), p.Amount.String(), p.Description, p.OwnerID,
		p.ConfirmationURL, createdAt, updatedAt)
	if err != nil {
		return errors.Wrapf(err, "upsert payment %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}
