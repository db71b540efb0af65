package dispatch

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

// Outcome is the terminal result of dispatching to one executor.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Strategy names a built-in selection strategy.
type Strategy string

const (
	StrategyLowestPrice  Strategy = "lowest_price"
	StrategyHighestPrice Strategy = "highest_price"
	StrategySequential   Strategy = "sequential"
	StrategyRandom       Strategy = "random"
	StrategyClosest      Strategy = "closest"
	StrategySmart        Strategy = "smart"
	StrategyFastest      Strategy = "fastest"
)

var knownStrategies = map[Strategy]struct{}{
	StrategyLowestPrice:  {},
	StrategyHighestPrice: {},
	StrategySequential:   {},
	StrategyRandom:       {},
	StrategyClosest:      {},
	StrategySmart:        {},
	StrategyFastest:      {},
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	_, ok := knownStrategies[s]
	return ok
}

var (
	ErrIntentRequired  = errors.New("intent name is required")
	ErrInvalidStrategy = errors.New("unknown selection strategy")
	ErrInvalidCount    = errors.New("count must be positive")
)

// Intent is the capability a command requests.
type Intent struct {
	Name       string         `json:"name"`
	Tokens     []string       `json:"tokens,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Identifiers returns the tokens used to match executor methods. Explicit
// tokens win; otherwise the name is split on separators.
func (i Intent) Identifiers() []string {
	if len(i.Tokens) > 0 {
		return i.Tokens
	}
	name := strings.TrimSpace(i.Name)
	if name == "" {
		return nil
	}
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == ',' || r == ' ' || r == '|'
	})
	if len(parts) == 0 {
		return []string{name}
	}
	return parts
}

// SelectionParams control executor selection for one dispatch.
type SelectionParams struct {
	Strategy       Strategy           `json:"strategy,omitempty"`
	Count          int                `json:"count,omitempty"`
	ExecutorIDs    []string           `json:"executorIds,omitempty"`
	TargetLocation *executor.Location `json:"targetLocation,omitempty"`
	Filter         string             `json:"filter,omitempty"`
	MarkupPercent  *float64           `json:"markupPercent,omitempty"`
	Context        map[string]any     `json:"context,omitempty"`
}

// Validate rejects malformed parameters before any network call.
func (p SelectionParams) Validate() error {
	if p.Strategy != "" && !p.Strategy.Valid() {
		return ErrInvalidStrategy
	}
	if p.Count < 0 {
		return ErrInvalidCount
	}
	if p.TargetLocation != nil {
		if err := p.TargetLocation.Validate(); err != nil {
			return err
		}
	}
	if p.MarkupPercent != nil && *p.MarkupPercent < 0 {
		return errors.New("markupPercent must not be negative")
	}
	return nil
}

// SelectionMeta explains why an executor was picked.
type SelectionMeta struct {
	Strategy   Strategy `json:"strategy"`
	Rank       int      `json:"rank"`
	Price      *float64 `json:"price,omitempty"`
	Distance   *float64 `json:"distance,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Delegated  bool     `json:"delegated,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
}

// PricingSummary is the cost of one result with the client-facing markup.
type PricingSummary struct {
	BaseAmount     float64 `json:"baseAmount"`
	MarkupPercent  float64 `json:"markupPercent"`
	SuggestedPrice float64 `json:"suggestedPrice"`
	Asset          string  `json:"asset,omitempty"`
}

// NewPricingSummary computes suggestedPrice = round(base × (1 + markup/100), 6).
func NewPricingSummary(base, markupPercent float64, asset string) PricingSummary {
	return PricingSummary{
		BaseAmount:     payment.Round6(base),
		MarkupPercent:  markupPercent,
		SuggestedPrice: payment.SuggestedPrice(base, markupPercent),
		Asset:          asset,
	}
}

// Result is the outcome of one executor's handshake.
type Result struct {
	DispatchID           uuid.UUID            `json:"dispatchId"`
	ExecutorID           string               `json:"executorId"`
	Outcome              Outcome              `json:"outcome"`
	Stage                payment.Stage        `json:"stage"`
	State                payment.State        `json:"state"`
	StatusCode           int                  `json:"statusCode,omitempty"`
	Response             json.RawMessage      `json:"response,omitempty"`
	Invoice              *payment.Invoice     `json:"invoice,omitempty"`
	Settlement           *payment.Settlement  `json:"settlement,omitempty"`
	ConfirmationAttempts int                  `json:"confirmationAttempts"`
	Pricing              PricingSummary       `json:"pricing"`
	Selection            SelectionMeta        `json:"selection"`
	Error                string               `json:"error,omitempty"`
	ErrorKind            string               `json:"errorKind,omitempty"`
	Transitions          []payment.Transition `json:"transitions,omitempty"`
	StartedAt            time.Time            `json:"startedAt"`
	FinishedAt           time.Time            `json:"finishedAt"`
}

// Succeeded reports whether the handshake completed.
func (r *Result) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// Batch aggregates the results of one logical command.
type Batch struct {
	DispatchID     uuid.UUID `json:"dispatchId"`
	Intent         Intent    `json:"intent"`
	Strategy       Strategy  `json:"strategy"`
	Results        []*Result `json:"results"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	TotalRobotCost float64   `json:"totalRobotCost"`
	MarkupPercent  float64   `json:"markupPercent"`
	SuggestedPrice float64   `json:"suggestedPrice"`
}

// Summarize recomputes counts and totals from successful results.
func (b *Batch) Summarize(markupPercent float64) {
	b.Succeeded, b.Failed = 0, 0
	total := 0.0
	for _, r := range b.Results {
		if r.Succeeded() {
			b.Succeeded++
			total += r.Pricing.BaseAmount
		} else {
			b.Failed++
		}
	}
	b.MarkupPercent = markupPercent
	b.TotalRobotCost = payment.Round6(total)
	b.SuggestedPrice = payment.SuggestedPrice(total, markupPercent)
}

// Quote is a priced selection that has not been dispatched.
type Quote struct {
	Intent         Intent          `json:"intent"`
	Strategy       Strategy        `json:"strategy"`
	ExecutorIDs    []string        `json:"executorIds"`
	Selection      []SelectionMeta `json:"selection"`
	BaseAmount     float64         `json:"baseAmount"`
	MarkupPercent  float64         `json:"markupPercent"`
	SuggestedPrice float64         `json:"suggestedPrice"`
	Asset          string          `json:"asset,omitempty"`
}

// PaymentProof is a client-submitted on-chain payment for a direct command.
type PaymentProof struct {
	Signature string `json:"signature"`
}
