package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/keystore"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/metrics"
)

const maxResponseBody = 4 << 20

// Command is one intent to run on one executor.
type Command struct {
	DispatchID    uuid.UUID
	Executor      *executor.Executor
	Method        executor.MethodDescriptor
	Parameters    map[string]any
	Selection     dispatch.SelectionMeta
	MarkupPercent float64
}

// ProtocolClient runs the payment-required handshake against an executor.
type ProtocolClient struct {
	client  *http.Client
	settler payment.Settler
	journal payment.Journal
	signer  *keystore.Signer
	cfg     config.Source
	metrics *metrics.Metrics
	logger  zerolog.Logger
	wait    func(ctx context.Context, d time.Duration) error
}

// NewProtocolClient builds a client. signer may be nil when no executor
// requires the secured transport.
func NewProtocolClient(settler payment.Settler, journal payment.Journal, signer *keystore.Signer, cfg config.Source, m *metrics.Metrics, logger zerolog.Logger) *ProtocolClient {
	return &ProtocolClient{
		client:  &http.Client{},
		settler: settler,
		journal: journal,
		signer:  signer,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("service", "protocol").Logger(),
		wait:    sleepContext,
	}
}

// response is one executor reply.
type response struct {
	status int
	body   []byte
}

// run is the state of one handshake.
type run struct {
	cmd      Command
	hs       *payment.Handshake
	result   *dispatch.Result
	settings *config.Config
	verb     string
	url      string
	body     []byte
}

// Execute runs the handshake to a terminal state. Failures are reported in
// the result, never as an error.
func (c *ProtocolClient) Execute(ctx context.Context, cmd Command) *dispatch.Result {
	r := c.start(cmd)
	log := c.logger.With().Str("dispatch_id", cmd.DispatchID.String()).Str("executor_id", cmd.Executor.ID).Logger()

	c.advance(r, payment.StateRequested, r.verb+" "+r.url)
	resp, err := c.send(ctx, r, "")
	if err != nil {
		kind := fault.KindTransport
		if k, ok := fault.KindOf(err); ok {
			kind = k
		}
		return c.fail(r, payment.StageInitial, fault.Wrap(kind, "protocol.request", err), nil)
	}
	r.result.StatusCode = resp.status
	if isSuccess(resp.status) {
		c.advance(r, payment.StateCompleted, "completed without payment")
		return c.complete(r, payment.StageCompleted, resp)
	}
	if resp.status != http.StatusPaymentRequired {
		return c.fail(r, payment.StageInitial,
			fault.New(fault.KindProtocol, "protocol.request", executorError(resp)), &resp)
	}

	c.advance(r, payment.StateInvoiceReceived, "payment required")
	inv, err := payment.ParseInvoice(resp.body)
	if err != nil {
		return c.fail(r, payment.StagePaymentInitiation, fault.Wrap(fault.KindProtocol, "protocol.invoice", err), &resp)
	}
	r.result.Invoice = inv
	log.Debug().Str("reference", inv.Reference).Float64("amount", inv.Amount).Str("asset", inv.Asset).Msg("invoice received")

	c.advance(r, payment.StateSettling, "settling "+inv.Reference)
	settlement, err := c.settle(ctx, r, inv)
	if err != nil {
		return c.fail(r, payment.StagePaymentSettlement, err, &resp)
	}
	r.result.Settlement = settlement
	log.Info().Str("provider", settlement.Provider).Str("reference", settlement.Reference).Msg("invoice settled")

	return c.confirm(ctx, r, settlement.RetryReference(inv))
}

// confirm sends paid retries until the executor accepts or rejects the
// payment, or the attempt ceiling is reached.
func (c *ProtocolClient) confirm(ctx context.Context, r *run, reference string) *dispatch.Result {
	maxAttempts := r.settings.Payment.MaxConfirmAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := r.settings.Payment.ConfirmDelay

	var last *response
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.wait(ctx, delay); err != nil {
				return c.fail(r, payment.StagePaymentConfirmation, fault.Wrap(fault.KindTransport, "protocol.confirm", err), last)
			}
		}
		c.advance(r, payment.StateConfirming, fmt.Sprintf("paid retry %d/%d", attempt, maxAttempts))
		r.result.ConfirmationAttempts = attempt

		resp, err := c.send(ctx, r, reference)
		if err != nil {
			lastErr = err
			continue
		}
		last, lastErr = &resp, nil
		r.result.StatusCode = resp.status
		switch {
		case isSuccess(resp.status):
			c.advance(r, payment.StateCompleted, "payment confirmed")
			return c.complete(r, payment.StagePaymentConfirmed, resp)
		case resp.status != http.StatusPaymentRequired:
			return c.fail(r, payment.StagePaymentConfirmation,
				fault.New(fault.KindProtocol, "protocol.confirm", executorError(resp)), last)
		}
	}

	msg := fmt.Sprintf("payment not confirmed after %d attempts", maxAttempts)
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	return c.fail(r, payment.StagePaymentConfirmation, fault.New(fault.KindConfirmationExhausted, "protocol.confirm", msg), last)
}

// settle pays inv and records the attempt outcome in the journal.
func (c *ProtocolClient) settle(ctx context.Context, r *run, inv *payment.Invoice) (*payment.Settlement, error) {
	if c.settler == nil {
		return nil, fault.New(fault.KindConfiguration, "protocol.settle", "no payment settler configured")
	}
	attempt := payment.NewSettlementAttempt(r.cmd.DispatchID, r.cmd.Executor.ID, c.settler.Provider(), *inv)
	started := time.Now()
	settlement, err := c.settler.Settle(ctx, inv)
	attempt.DurationMs = int(time.Since(started).Milliseconds())
	if err == nil && settlement == nil {
		err = fmt.Errorf("settler %s returned no settlement", c.settler.Provider())
	}
	if err != nil {
		if _, ok := fault.KindOf(err); !ok {
			err = fault.Wrap(fault.KindSettlement, "protocol.settle", err)
		}
		attempt.MarkFailed(err)
	} else {
		attempt.MarkSettled(settlement)
	}
	c.metrics.ObserveSettlement(attempt.Provider, string(attempt.Outcome))

	if c.journal != nil {
		if jerr := c.journal.Record(context.WithoutCancel(ctx), attempt); jerr != nil {
			c.logger.Error().Err(jerr).
				Str("dispatch_id", r.cmd.DispatchID.String()).
				Str("reference", inv.Reference).
				Str("outcome", string(attempt.Outcome)).
				Msg("failed to journal settlement attempt")
		}
	}
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (c *ProtocolClient) start(cmd Command) *run {
	settings := c.cfg.Current()
	verb, target := cmd.Method.Endpoint(cmd.Executor.Address)
	var body []byte
	if methodHasBody(verb) {
		params := cmd.Parameters
		if params == nil {
			params = map[string]any{}
		}
		body, _ = json.Marshal(params)
	} else if len(cmd.Parameters) > 0 {
		target = withQuery(target, cmd.Parameters)
	}
	return &run{
		cmd:      cmd,
		hs:       payment.NewHandshake(),
		settings: settings,
		verb:     verb,
		url:      target,
		body:     body,
		result: &dispatch.Result{
			DispatchID: cmd.DispatchID,
			ExecutorID: cmd.Executor.ID,
			Selection:  cmd.Selection,
			StartedAt:  time.Now().UTC(),
		},
	}
}

// send issues the command with its own timeout. A non-empty reference marks
// a paid retry.
func (c *ProtocolClient) send(ctx context.Context, r *run, reference string) (response, error) {
	timeout := r.settings.Payment.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.verb, r.url, body)
	if err != nil {
		return response{}, fault.Wrap(fault.KindValidation, "protocol.send", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reference != "" {
		req.Header.Set(payment.ReferenceHeader, reference)
	}
	if r.cmd.Executor.RequiresSecure || r.cmd.Executor.Status.Secure {
		if err := c.signer.Sign(req, r.body); err != nil {
			return response{}, fault.Wrap(fault.KindConfiguration, "protocol.sign", err)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return response{}, err
	}
	return response{status: resp.StatusCode, body: data}, nil
}

func (c *ProtocolClient) advance(r *run, target payment.State, note string) {
	if err := r.hs.Advance(target, note); err != nil {
		c.logger.Error().Err(err).Str("executor_id", r.cmd.Executor.ID).Msg("handshake transition rejected")
	}
}

func (c *ProtocolClient) complete(r *run, stage payment.Stage, resp response) *dispatch.Result {
	r.result.Outcome = dispatch.OutcomeSuccess
	r.result.Response = rawJSON(resp.body)
	return c.finish(r, stage)
}

func (c *ProtocolClient) fail(r *run, stage payment.Stage, err error, last *response) *dispatch.Result {
	if r.hs.State != payment.StateFailed {
		c.advance(r, payment.StateFailed, err.Error())
	}
	r.result.Outcome = dispatch.OutcomeFailed
	r.result.Error = err.Error()
	if kind, ok := fault.KindOf(err); ok {
		r.result.ErrorKind = string(kind)
	}
	if last != nil {
		r.result.StatusCode = last.status
		r.result.Response = rawJSON(last.body)
	}
	return c.finish(r, stage)
}

func (c *ProtocolClient) finish(r *run, stage payment.Stage) *dispatch.Result {
	res := r.result
	res.Stage = stage
	res.State = r.hs.State
	res.Transitions = r.hs.Transitions
	res.FinishedAt = time.Now().UTC()
	base, asset := c.knownAmount(r)
	res.Pricing = dispatch.NewPricingSummary(base, r.cmd.MarkupPercent, asset)

	c.metrics.ObserveDispatch(string(stage), string(res.Outcome))
	if res.Settlement != nil {
		c.metrics.ObserveConfirmationAttempts(res.ConfirmationAttempts)
	}
	evt := c.logger.Info()
	if !res.Succeeded() {
		evt = c.logger.Warn().Str("error", res.Error)
	}
	evt.Str("dispatch_id", res.DispatchID.String()).
		Str("executor_id", res.ExecutorID).
		Str("stage", string(stage)).
		Str("state", string(res.State)).
		Int("confirmation_attempts", res.ConfirmationAttempts).
		Float64("base_amount", res.Pricing.BaseAmount).
		Msg("dispatch finished")
	return res
}

// knownAmount is the best cost estimate at this point: the settled amount,
// then the invoiced amount, then the advertised method price.
func (c *ProtocolClient) knownAmount(r *run) (float64, string) {
	switch {
	case r.result.Settlement != nil:
		return r.result.Settlement.Amount, r.result.Settlement.Asset
	case r.result.Invoice != nil:
		return r.result.Invoice.Amount, r.result.Invoice.Asset
	}
	if p := r.cmd.Method.Pricing(); p != nil {
		return p.Amount.Float64(), p.Asset
	}
	return 0, ""
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func methodHasBody(verb string) bool {
	switch verb {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	default:
		return true
	}
}

func withQuery(target string, params map[string]any) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// executorError extracts an executor's own error message from a reply.
func executorError(resp response) string {
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.body, &body); err == nil {
		switch e := body.Error.(type) {
		case string:
			if e != "" {
				return fmt.Sprintf("executor returned %d: %s", resp.status, e)
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return fmt.Sprintf("executor returned %d: %s", resp.status, m)
			}
		}
		if body.Message != "" {
			return fmt.Sprintf("executor returned %d: %s", resp.status, body.Message)
		}
	}
	text := strings.TrimSpace(string(resp.body))
	if text == "" {
		text = http.StatusText(resp.status)
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return fmt.Sprintf("executor returned %d: %s", resp.status, text)
}

// rawJSON keeps JSON bodies as-is and wraps anything else as a JSON string.
func rawJSON(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
