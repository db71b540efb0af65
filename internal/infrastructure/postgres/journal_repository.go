package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

// JournalRepository implements payment.Journal. Rows are append-only.
type JournalRepository struct {
	pool *pgxpool.Pool
}

func NewJournalRepository(pool *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{pool: pool}
}

func (r *JournalRepository) Record(ctx context.Context, a *payment.SettlementAttempt) error {
	var settlement []byte
	if a.Settlement != nil {
		var err error
		settlement, err = json.Marshal(a.Settlement)
		if err != nil {
			return fmt.Errorf("failed to encode settlement: %w", err)
		}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO settlement_attempts
		(attempt_id, dispatch_id, executor_id, provider, reference, receiver, amount, asset, outcome, settlement, error_message, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, a.AttemptID, a.DispatchID, a.ExecutorID, a.Provider, a.Invoice.Reference, a.Invoice.Receiver, a.Invoice.Amount, a.Invoice.Asset,
		string(a.Outcome), settlement, a.ErrorMessage, a.DurationMs, a.CreatedAt)
	return err
}

func (r *JournalRepository) ListByDispatch(ctx context.Context, dispatchID uuid.UUID) ([]*payment.SettlementAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT attempt_id, dispatch_id, executor_id, provider, reference, receiver, amount, asset, outcome, settlement, error_message, duration_ms, created_at
		FROM settlement_attempts WHERE dispatch_id=$1 ORDER BY created_at ASC, id ASC
	`, dispatchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*payment.SettlementAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (*payment.SettlementAttempt, error) {
	var (
		a          payment.SettlementAttempt
		outcome    string
		settlement []byte
	)
	if err := row.Scan(&a.AttemptID, &a.DispatchID, &a.ExecutorID, &a.Provider,
		&a.Invoice.Reference, &a.Invoice.Receiver, &a.Invoice.Amount, &a.Invoice.Asset,
		&outcome, &settlement, &a.ErrorMessage, &a.DurationMs, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Outcome = payment.AttemptOutcome(outcome)
	if len(settlement) > 0 {
		a.Settlement = &payment.Settlement{}
		if err := json.Unmarshal(settlement, a.Settlement); err != nil {
			return nil, fmt.Errorf("failed to decode settlement %s: %w", a.AttemptID, err)
		}
	}
	return &a, nil
}
