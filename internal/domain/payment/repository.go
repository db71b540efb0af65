package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome is the result of one settlement attempt.
type AttemptOutcome string

const (
	OutcomeSettled AttemptOutcome = "SETTLED"
	OutcomeFailed  AttemptOutcome = "FAILED"
)

// SettlementAttempt is an append-only journal entry for one Settle call.
type SettlementAttempt struct {
	AttemptID    uuid.UUID      `json:"attemptId"`
	DispatchID   uuid.UUID      `json:"dispatchId"`
	ExecutorID   string         `json:"executorId"`
	Provider     string         `json:"provider"`
	Invoice      Invoice        `json:"invoice"`
	Outcome      AttemptOutcome `json:"outcome"`
	Settlement   *Settlement    `json:"settlement,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	DurationMs   int            `json:"durationMs"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// NewSettlementAttempt creates a journal entry for inv.
func NewSettlementAttempt(dispatchID uuid.UUID, executorID, provider string, inv Invoice) *SettlementAttempt {
	return &SettlementAttempt{
		AttemptID:  uuid.New(),
		DispatchID: dispatchID,
		ExecutorID: executorID,
		Provider:   provider,
		Invoice:    inv,
		CreatedAt:  time.Now().UTC(),
	}
}

// MarkSettled records a successful settlement.
func (a *SettlementAttempt) MarkSettled(s *Settlement) {
	a.Outcome = OutcomeSettled
	a.Settlement = s
}

// MarkFailed records a failed settlement.
func (a *SettlementAttempt) MarkFailed(err error) {
	a.Outcome = OutcomeFailed
	msg := err.Error()
	a.ErrorMessage = &msg
}

// Journal persists settlement attempt outcomes.
//
//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_journal.go -package=mocks . Journal
type Journal interface {
	Record(ctx context.Context, attempt *SettlementAttempt) error
	ListByDispatch(ctx context.Context, dispatchID uuid.UUID) ([]*SettlementAttempt, error)
}

// ErrPaymentConsumed reports a client payment that already paid for a dispatch.
var ErrPaymentConsumed = errors.New("payment already consumed")

// ConsumedPayment ties a client payment signature to the dispatch it paid for.
type ConsumedPayment struct {
	Signature  string    `json:"signature"`
	DispatchID uuid.UUID `json:"dispatchId"`
	Receiver   string    `json:"receiver"`
	Amount     float64   `json:"amount"`
	ConsumedAt time.Time `json:"consumedAt"`
}

// ConsumedPayments remembers spent client payment signatures. A signature is
// claimed at most once and never released.
type ConsumedPayments interface {
	// Claim records p. It returns ErrPaymentConsumed when the signature was
	// claimed before, including by a concurrent caller.
	Claim(ctx context.Context, p *ConsumedPayment) error
}
