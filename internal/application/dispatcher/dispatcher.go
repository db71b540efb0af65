package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/application/payment"
	"github.com/execution-hub/paid-dispatch/internal/application/selector"
	"github.com/execution-hub/paid-dispatch/internal/application/verifier"
	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	paydomain "github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

var ErrNoCandidates = errors.New("no ready executor offers the intent")

// Registry is the part of the executor registry the dispatcher reads.
type Registry interface {
	Ready() []*executor.Executor
	ProbeNow(ctx context.Context, executorID string) (executor.Status, error)
}

// Runner executes one command on one executor.
type Runner interface {
	Execute(ctx context.Context, cmd payment.Command) *dispatch.Result
}

// Verifier checks client-submitted payments.
type Verifier interface {
	Verify(ctx context.Context, signature, receiver string, amount float64) (verifier.Verdict, error)
}

// VerifiedExecution is the outcome of a direct command paid by the client.
// Batch is nil when the payment was rejected.
type VerifiedExecution struct {
	Verdict verifier.Verdict `json:"verdict"`
	Quote   *dispatch.Quote  `json:"quote"`
	Batch   *dispatch.Batch  `json:"batch,omitempty"`
}

// Dispatcher fans a command out to selected executors.
type Dispatcher struct {
	registry Registry
	selector *selector.Selector
	runner   Runner
	verifier Verifier
	consumed paydomain.ConsumedPayments
	cfg      config.Source
	logger   zerolog.Logger
}

// New creates a dispatcher. v and consumed may be nil when direct execution is
// not offered.
func New(registry Registry, sel *selector.Selector, runner Runner, v Verifier, consumed paydomain.ConsumedPayments, cfg config.Source, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		selector: sel,
		runner:   runner,
		verifier: v,
		consumed: consumed,
		cfg:      cfg,
		logger:   logger.With().Str("service", "dispatcher").Logger(),
	}
}

// plan is a priced selection ready to run.
type plan struct {
	intent    dispatch.Intent
	strategy  dispatch.Strategy
	markup    float64
	tokens    []string
	selection selector.Selection
}

// Dispatch selects executors for intent and runs the payment handshake on
// each, sequentially in selection order. Per-executor failures are reported
// in the batch; an error means nothing was dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, intent dispatch.Intent, params dispatch.SelectionParams) (*dispatch.Batch, error) {
	p, err := d.plan(ctx, intent, params)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, p, uuid.New()), nil
}

// Quote prices a selection without dispatching it.
func (d *Dispatcher) Quote(ctx context.Context, intent dispatch.Intent, params dispatch.SelectionParams) (*dispatch.Quote, error) {
	p, err := d.plan(ctx, intent, params)
	if err != nil {
		return nil, err
	}
	return p.quote(), nil
}

// ExecuteVerified checks the client's payment against the quoted price and
// dispatches the quoted selection only when it is valid. A payment signature
// pays for one dispatch; later requests carrying it are rejected.
func (d *Dispatcher) ExecuteVerified(ctx context.Context, intent dispatch.Intent, params dispatch.SelectionParams, proof dispatch.PaymentProof) (*VerifiedExecution, error) {
	const op = "dispatcher.execute_verified"
	receiver := d.cfg.Current().Verifier.ReceiverAccount
	if d.verifier == nil || d.consumed == nil || receiver == "" {
		return nil, fault.New(fault.KindConfiguration, op, "client payment verification is not configured")
	}
	signature := strings.TrimSpace(proof.Signature)
	if signature == "" {
		return nil, fault.New(fault.KindValidation, op, "payment signature is required")
	}

	p, err := d.plan(ctx, intent, params)
	if err != nil {
		return nil, err
	}
	quote := p.quote()
	verdict, err := d.verifier.Verify(ctx, signature, receiver, quote.SuggestedPrice)
	if err != nil {
		return nil, err
	}
	out := &VerifiedExecution{Verdict: verdict, Quote: quote}
	if !verdict.Valid {
		d.logger.Warn().
			Str("signature", signature).
			Str("reason", verdict.Reason).
			Float64("expected", quote.SuggestedPrice).
			Msg("client payment rejected")
		return out, nil
	}

	dispatchID := uuid.New()
	err = d.consumed.Claim(ctx, &paydomain.ConsumedPayment{
		Signature:  signature,
		DispatchID: dispatchID,
		Receiver:   receiver,
		Amount:     quote.SuggestedPrice,
		ConsumedAt: time.Now().UTC(),
	})
	if errors.Is(err, paydomain.ErrPaymentConsumed) {
		d.logger.Warn().Str("signature", signature).Msg("client payment reused")
		out.Verdict.Valid = false
		out.Verdict.Reason = paydomain.ErrPaymentConsumed.Error()
		return out, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, op, fmt.Errorf("failed to record payment: %w", err))
	}
	out.Batch = d.run(ctx, p, dispatchID)
	return out, nil
}

// ProbeNow re-probes one executor.
func (d *Dispatcher) ProbeNow(ctx context.Context, executorID string) (executor.Status, error) {
	return d.registry.ProbeNow(ctx, executorID)
}

func (d *Dispatcher) plan(ctx context.Context, intent dispatch.Intent, params dispatch.SelectionParams) (*plan, error) {
	const op = "dispatcher.plan"
	intent.Name = strings.TrimSpace(intent.Name)
	if intent.Name == "" {
		return nil, fault.Wrap(fault.KindValidation, op, dispatch.ErrIntentRequired)
	}
	if err := params.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, err)
	}
	filter, err := selector.CompileFilter(params.Filter)
	if err != nil {
		return nil, err
	}

	settings := d.cfg.Current()
	p := &plan{
		intent:   intent,
		strategy: params.Strategy,
		markup:   settings.Payment.MarkupPercent,
		tokens:   intent.Identifiers(),
	}
	if p.strategy == "" {
		p.strategy = settings.Selector.DefaultStrategy
	}
	if params.MarkupPercent != nil {
		p.markup = *params.MarkupPercent
	}

	candidates := d.candidates(p.tokens, params.ExecutorIDs)
	if len(candidates) == 0 {
		return nil, fault.Wrap(fault.KindCapacity, op, fmt.Errorf("%w: %q", ErrNoCandidates, intent.Name))
	}
	candidates, err = filter.Apply(candidates, p.tokens)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fault.Wrap(fault.KindCapacity, op, fmt.Errorf("%w: filter %q excluded every executor", ErrNoCandidates, params.Filter))
	}

	sel, err := d.selector.Select(ctx, selector.Request{
		Candidates: candidates,
		Intent:     intent,
		Strategy:   p.strategy,
		Target:     params.TargetLocation,
		Context:    params.Context,
	})
	if err != nil {
		return nil, err
	}
	count := params.Count
	if count == 0 {
		count = 1
	}
	p.selection = sel.Truncate(count)
	return p, nil
}

// candidates returns ready executors offering a method for tokens, restricted
// to ids when given.
func (d *Dispatcher) candidates(tokens []string, ids []string) []*executor.Executor {
	var allowed map[string]struct{}
	if len(ids) > 0 {
		allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			allowed[id] = struct{}{}
		}
	}
	var out []*executor.Executor
	for _, e := range d.registry.Ready() {
		if allowed != nil {
			if _, ok := allowed[e.ID]; !ok {
				continue
			}
		}
		if _, ok := e.MatchMethod(tokens); !ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, p *plan, dispatchID uuid.UUID) *dispatch.Batch {
	batch := &dispatch.Batch{
		DispatchID: dispatchID,
		Intent:     p.intent,
		Strategy:   p.strategy,
		Results:    make([]*dispatch.Result, 0, p.selection.Len()),
	}
	log := d.logger.With().Str("dispatch_id", batch.DispatchID.String()).Str("intent", p.intent.Name).Logger()
	log.Info().Str("strategy", string(p.strategy)).Int("executors", p.selection.Len()).Msg("dispatch started")

	for i, e := range p.selection.Executors {
		method, _ := e.MatchMethod(p.tokens)
		res := d.runner.Execute(ctx, payment.Command{
			DispatchID:    batch.DispatchID,
			Executor:      e,
			Method:        method,
			Parameters:    p.intent.Parameters,
			Selection:     p.selection.Meta[i],
			MarkupPercent: p.markup,
		})
		batch.Results = append(batch.Results, res)
	}
	batch.Summarize(p.markup)

	log.Info().
		Int("succeeded", batch.Succeeded).
		Int("failed", batch.Failed).
		Float64("total_cost", batch.TotalRobotCost).
		Float64("suggested_price", batch.SuggestedPrice).
		Msg("dispatch finished")
	return batch
}

func (p *plan) quote() *dispatch.Quote {
	q := &dispatch.Quote{
		Intent:        p.intent,
		Strategy:      p.strategy,
		MarkupPercent: p.markup,
		ExecutorIDs:   make([]string, 0, p.selection.Len()),
		Selection:     p.selection.Meta,
	}
	total := 0.0
	for i, e := range p.selection.Executors {
		q.ExecutorIDs = append(q.ExecutorIDs, e.ID)
		if price := p.selection.Meta[i].Price; price != nil {
			total += *price
		}
		if q.Asset == "" {
			if m, ok := e.MatchMethod(p.tokens); ok {
				if pr := m.Pricing(); pr != nil {
					q.Asset = pr.Asset
				}
			}
		}
	}
	summary := dispatch.NewPricingSummary(total, p.markup, q.Asset)
	q.BaseAmount = summary.BaseAmount
	q.SuggestedPrice = summary.SuggestedPrice
	return q
}
