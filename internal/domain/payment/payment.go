package payment

import (
	"context"
	"errors"
	"time"
)

// ReferenceHeader carries the settlement reference on paid retries.
const ReferenceHeader = "X-X402-Reference"

// CurrentProtocolVersion is the payment-required body version with an accepts list.
const CurrentProtocolVersion = 2

var (
	ErrInvoiceIncomplete = errors.New("payment required response is missing invoice fields")
	ErrUnsupportedAsset  = errors.New("unsupported asset")
	ErrInvalidReceiver   = errors.New("invalid receiver account")
	ErrNonPositiveAmount = errors.New("transfer amount must be positive")
)

// Invoice is the normalized payment request extracted from a 402 response.
type Invoice struct {
	Reference string  `json:"reference"`
	Receiver  string  `json:"receiver"`
	Amount    float64 `json:"amount"`
	Asset     string  `json:"asset"`
}

// Settlement records a completed payment for one invoice.
type Settlement struct {
	Provider    string         `json:"provider"`
	Reference   string         `json:"reference"`
	Signature   string         `json:"signature,omitempty"`
	Receiver    string         `json:"receiver"`
	Amount      float64        `json:"amount"`
	Asset       string         `json:"asset"`
	CompletedAt time.Time      `json:"completedAt"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// RetryReference is the token attached to the paid retry. It falls back to the
// invoice reference when the settler returned none.
func (s *Settlement) RetryReference(inv *Invoice) string {
	if s != nil && s.Reference != "" {
		return s.Reference
	}
	if inv != nil {
		return inv.Reference
	}
	return ""
}

// Settler pays an invoice.
//
//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_settler.go -package=mocks . Settler
type Settler interface {
	Settle(ctx context.Context, inv *Invoice) (*Settlement, error)
	Provider() string
}
