package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment/mocks"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/keystore"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/memory"
)

const currentInvoice = `{
	"protocolVersion": 2,
	"accepts": [{"amount": "0.1", "asset": "SOL", "payTo": "Recv111", "extra": {"reference": "ref-1"}}]
}`

// scriptedExecutor replies with the next scripted response per request and
// records what it received.
type scriptedExecutor struct {
	mu        sync.Mutex
	replies   []reply
	requests  []*http.Request
	bodies    [][]byte
	callCount int
}

type reply struct {
	status int
	body   string
}

func (s *scriptedExecutor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(context.Background()))
	s.bodies = append(s.bodies, body)
	idx := s.callCount
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.callCount++
	rep := s.replies[idx]
	s.mu.Unlock()

	w.WriteHeader(rep.status)
	_, _ = w.Write([]byte(rep.body))
}

func (s *scriptedExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type fixture struct {
	client  *ProtocolClient
	settler *mocks.MockSettler
	journal *memory.Journal
	waits   int
	exec    *executor.Executor
	server  *httptest.Server
	script  *scriptedExecutor
}

func newFixture(t *testing.T, replies ...reply) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		settler: mocks.NewMockSettler(ctrl),
		journal: memory.NewJournal(),
		script:  &scriptedExecutor{replies: replies},
	}
	f.settler.EXPECT().Provider().Return("gateway").AnyTimes()
	f.server = httptest.NewServer(f.script)
	t.Cleanup(f.server.Close)

	cfg := config.Defaults()
	cfg.Payment.MaxConfirmAttempts = 3
	cfg.Payment.ConfirmDelay = time.Second
	cfg.Payment.CommandTimeout = 2 * time.Second
	f.client = NewProtocolClient(f.settler, f.journal, nil, config.Static{Config: cfg}, nil, zerolog.Nop())
	f.client.wait = func(ctx context.Context, d time.Duration) error {
		f.waits++
		return ctx.Err()
	}
	f.exec = &executor.Executor{ID: "arm-1", Address: f.server.URL, Status: executor.Status{State: executor.StateReady}}
	return f
}

func (f *fixture) command() Command {
	return Command{
		DispatchID: uuid.New(),
		Executor:   f.exec,
		Method: executor.Detailed(executor.MethodDetail{
			Name:    "pick",
			Path:    "/arm/pick",
			Pricing: &executor.Pricing{Amount: 0.25, Asset: "SOL"},
		}),
		Parameters:    map[string]any{"item": "box"},
		MarkupPercent: 10,
	}
}

func okSettlement() *payment.Settlement {
	return &payment.Settlement{Provider: "gateway", Reference: "settled-ref", Receiver: "Recv111", Amount: 0.1, Asset: "SOL"}
}

func TestExecuteFreeCommand(t *testing.T) {
	f := newFixture(t, reply{200, `{"done":true}`})
	res := f.client.Execute(context.Background(), f.command())

	assert.Equal(t, dispatch.OutcomeSuccess, res.Outcome)
	assert.Equal(t, payment.StageCompleted, res.Stage)
	assert.Equal(t, payment.StateCompleted, res.State)
	assert.JSONEq(t, `{"done":true}`, string(res.Response))
	assert.Nil(t, res.Invoice)
	assert.Equal(t, 0, res.ConfirmationAttempts)
	assert.Equal(t, 0.25, res.Pricing.BaseAmount)
	assert.Equal(t, 0.275, res.Pricing.SuggestedPrice)

	require.Len(t, f.script.requests, 1)
	req := f.script.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/arm/pick", req.URL.Path)
	assert.Empty(t, req.Header.Get(payment.ReferenceHeader))
	assert.JSONEq(t, `{"item":"box"}`, string(f.script.bodies[0]))
}

func TestExecuteTransportFailure(t *testing.T) {
	f := newFixture(t, reply{200, `{}`})
	f.server.Close()

	res := f.client.Execute(context.Background(), f.command())
	assert.Equal(t, dispatch.OutcomeFailed, res.Outcome)
	assert.Equal(t, payment.StageInitial, res.Stage)
	assert.Equal(t, payment.StateFailed, res.State)
	assert.Equal(t, string(fault.KindTransport), res.ErrorKind)
	assert.Equal(t, 0.25, res.Pricing.BaseAmount, "advertised price is the fallback estimate")
}

func TestExecuteExecutorRejects(t *testing.T) {
	f := newFixture(t, reply{500, `{"error":"arm jammed"}`})
	res := f.client.Execute(context.Background(), f.command())

	assert.Equal(t, payment.StageInitial, res.Stage)
	assert.Contains(t, res.Error, "arm jammed")
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, 1, f.script.calls())
}

func TestExecuteIncompleteInvoice(t *testing.T) {
	f := newFixture(t, reply{402, `{"protocolVersion":2,"accepts":[{"amount":"0.1","asset":"SOL","payTo":"Recv111","extra":{}}]}`})
	res := f.client.Execute(context.Background(), f.command())

	assert.Equal(t, dispatch.OutcomeFailed, res.Outcome)
	assert.Equal(t, payment.StagePaymentInitiation, res.Stage)
	assert.Equal(t, string(fault.KindProtocol), res.ErrorKind)
	assert.Nil(t, res.Invoice)
	assert.Nil(t, res.Settlement)
	assert.Equal(t, 1, f.script.calls())
}

func TestExecuteSettlementFailureIsJournaled(t *testing.T) {
	f := newFixture(t, reply{402, currentInvoice})
	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(nil, errors.New("facilitator down"))

	cmd := f.command()
	res := f.client.Execute(context.Background(), cmd)

	assert.Equal(t, payment.StagePaymentSettlement, res.Stage)
	assert.Equal(t, string(fault.KindSettlement), res.ErrorKind)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, 0.1, res.Pricing.BaseAmount)
	assert.Equal(t, 1, f.script.calls(), "settlement failures are not retried")

	attempts, err := f.journal.ListByDispatch(context.Background(), cmd.DispatchID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, payment.OutcomeFailed, attempts[0].Outcome)
	assert.Contains(t, *attempts[0].ErrorMessage, "facilitator down")
}

func TestExecuteConfirmedOnSecondRetry(t *testing.T) {
	f := newFixture(t,
		reply{402, currentInvoice},
		reply{402, currentInvoice},
		reply{200, `{"picked":"box"}`},
	)
	f.settler.EXPECT().
		Settle(gomock.Any(), &payment.Invoice{Reference: "ref-1", Receiver: "Recv111", Amount: 0.1, Asset: "SOL"}).
		Return(okSettlement(), nil)

	cmd := f.command()
	res := f.client.Execute(context.Background(), cmd)

	assert.Equal(t, dispatch.OutcomeSuccess, res.Outcome)
	assert.Equal(t, payment.StagePaymentConfirmed, res.Stage)
	assert.Equal(t, 2, res.ConfirmationAttempts)
	assert.Equal(t, 1, f.waits)
	assert.JSONEq(t, `{"picked":"box"}`, string(res.Response))
	assert.Equal(t, 0.1, res.Pricing.BaseAmount)
	assert.Equal(t, 0.11, res.Pricing.SuggestedPrice)

	require.Len(t, f.script.requests, 3)
	assert.Empty(t, f.script.requests[0].Header.Get(payment.ReferenceHeader))
	for i := 1; i < 3; i++ {
		assert.Equal(t, "settled-ref", f.script.requests[i].Header.Get(payment.ReferenceHeader))
		assert.Equal(t, f.script.bodies[0], f.script.bodies[i], "paid retry must repeat the original body")
		assert.Equal(t, f.script.requests[0].URL.Path, f.script.requests[i].URL.Path)
	}

	var states []payment.State
	for _, tr := range res.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []payment.State{
		payment.StateRequested,
		payment.StateInvoiceReceived,
		payment.StateSettling,
		payment.StateConfirming,
		payment.StateConfirming,
		payment.StateCompleted,
	}, states)

	attempts, err := f.journal.ListByDispatch(context.Background(), cmd.DispatchID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, payment.OutcomeSettled, attempts[0].Outcome)
}

func TestExecuteConfirmationExhausted(t *testing.T) {
	f := newFixture(t, reply{402, currentInvoice})
	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(okSettlement(), nil)

	res := f.client.Execute(context.Background(), f.command())

	assert.Equal(t, dispatch.OutcomeFailed, res.Outcome)
	assert.Equal(t, payment.StagePaymentConfirmation, res.Stage)
	assert.Equal(t, string(fault.KindConfirmationExhausted), res.ErrorKind)
	assert.Equal(t, 3, res.ConfirmationAttempts)
	assert.Equal(t, 4, f.script.calls(), "one unpaid request plus the attempt ceiling")
	assert.Equal(t, 2, f.waits)
	assert.Equal(t, 402, res.StatusCode)
	assert.NotEmpty(t, res.Response, "last response is kept for diagnostics")
	require.NotNil(t, res.Settlement)
}

func TestExecuteConfirmationRejectedStopsEarly(t *testing.T) {
	f := newFixture(t,
		reply{402, currentInvoice},
		reply{403, `{"message":"reference unknown"}`},
		reply{200, `{}`},
	)
	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(okSettlement(), nil)

	res := f.client.Execute(context.Background(), f.command())

	assert.Equal(t, payment.StagePaymentConfirmation, res.Stage)
	assert.Equal(t, string(fault.KindProtocol), res.ErrorKind)
	assert.Contains(t, res.Error, "reference unknown")
	assert.Equal(t, 1, res.ConfirmationAttempts)
	assert.Equal(t, 2, f.script.calls())
	assert.Equal(t, 0, f.waits)
}

func TestExecuteCancelledDuringDelay(t *testing.T) {
	f := newFixture(t, reply{402, currentInvoice})
	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(okSettlement(), nil)
	f.client.wait = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for f.script.calls() < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	res := f.client.Execute(ctx, f.command())

	assert.Equal(t, payment.StagePaymentConfirmation, res.Stage)
	assert.Equal(t, 1, res.ConfirmationAttempts)
	assert.Equal(t, string(fault.KindTransport), res.ErrorKind)
}

func TestExecuteNoSettler(t *testing.T) {
	f := newFixture(t, reply{402, currentInvoice})
	f.client.settler = nil

	res := f.client.Execute(context.Background(), f.command())
	assert.Equal(t, payment.StagePaymentSettlement, res.Stage)
	assert.Equal(t, string(fault.KindConfiguration), res.ErrorKind)
}

func TestExecuteSecuredExecutorSignsRequests(t *testing.T) {
	ks := keystore.New("robots", "s3cret")
	var verified []bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verified = append(verified, keystore.Verify(r.Context(), ks, r, body) == nil)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, reply{200, `{}`})
	f.client.signer = keystore.NewSigner(ks)
	f.exec.Address = srv.URL
	f.exec.RequiresSecure = true

	res := f.client.Execute(context.Background(), f.command())
	require.True(t, res.Succeeded())
	assert.Equal(t, []bool{true}, verified)

	f.client.signer = nil
	res = f.client.Execute(context.Background(), f.command())
	assert.Equal(t, payment.StageInitial, res.Stage)
	assert.Equal(t, string(fault.KindConfiguration), res.ErrorKind)
}

func TestExecuteGetUsesQuery(t *testing.T) {
	f := newFixture(t, reply{200, `plain text`})
	cmd := f.command()
	cmd.Method = executor.Detailed(executor.MethodDetail{Name: "scan", Path: "/scan", Method: "get"})
	cmd.Parameters = map[string]any{"zone": "b2"}

	res := f.client.Execute(context.Background(), cmd)
	require.True(t, res.Succeeded())
	assert.Equal(t, http.MethodGet, f.script.requests[0].Method)
	assert.Equal(t, "b2", f.script.requests[0].URL.Query().Get("zone"))
	assert.Empty(t, f.script.bodies[0])

	var text string
	require.NoError(t, json.Unmarshal(res.Response, &text))
	assert.Equal(t, "plain text", text)
	assert.Equal(t, 0.0, res.Pricing.BaseAmount)
}
