package memory

import (
	"context"
	"sync"

	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

// ConsumedPayments is an in-process payment.ConsumedPayments. Claims live for
// the process lifetime.
type ConsumedPayments struct {
	mu     sync.Mutex
	claims map[string]payment.ConsumedPayment
}

func NewConsumedPayments() *ConsumedPayments {
	return &ConsumedPayments{claims: make(map[string]payment.ConsumedPayment)}
}

func (c *ConsumedPayments) Claim(ctx context.Context, p *payment.ConsumedPayment) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claims[p.Signature]; ok {
		return payment.ErrPaymentConsumed
	}
	c.claims[p.Signature] = *p
	return nil
}
