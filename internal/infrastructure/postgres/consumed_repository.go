package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

// ConsumedPaymentRepository implements payment.ConsumedPayments. The
// signature primary key makes concurrent claims race safely.
type ConsumedPaymentRepository struct {
	pool *pgxpool.Pool
}

func NewConsumedPaymentRepository(pool *pgxpool.Pool) *ConsumedPaymentRepository {
	return &ConsumedPaymentRepository{pool: pool}
}

func (r *ConsumedPaymentRepository) Claim(ctx context.Context, p *payment.ConsumedPayment) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO consumed_payments (signature, dispatch_id, receiver, amount, consumed_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (signature) DO NOTHING
	`, p.Signature, p.DispatchID, p.Receiver, p.Amount, p.ConsumedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrPaymentConsumed
	}
	return nil
}
