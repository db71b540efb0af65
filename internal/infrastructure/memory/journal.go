package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

// Journal is an in-process payment.Journal. Entries live for the process lifetime.
type Journal struct {
	mu       sync.Mutex
	attempts []*payment.SettlementAttempt
}

func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) Record(ctx context.Context, attempt *payment.SettlementAttempt) error {
	_ = ctx
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *attempt
	j.attempts = append(j.attempts, &cp)
	return nil
}

func (j *Journal) ListByDispatch(ctx context.Context, dispatchID uuid.UUID) ([]*payment.SettlementAttempt, error) {
	_ = ctx
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*payment.SettlementAttempt
	for _, a := range j.attempts {
		if a.DispatchID == dispatchID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
