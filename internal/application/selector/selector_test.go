package selector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

func pricedExec(id string, price float64) *executor.Executor {
	return &executor.Executor{
		ID: id,
		Status: executor.Status{
			State: executor.StateReady,
			AvailableMethods: []executor.MethodDescriptor{
				executor.Detailed(executor.MethodDetail{
					Name:    "pick",
					Path:    "/arm/pick",
					Pricing: &executor.Pricing{Amount: payment.Amount(price), Asset: "SOL"},
				}),
			},
		},
	}
}

func ids(sel Selection) []string {
	out := make([]string, len(sel.Executors))
	for i, e := range sel.Executors {
		out[i] = e.ID
	}
	return out
}

func TestLowestPriceStableOrder(t *testing.T) {
	unpriced := &executor.Executor{ID: "free", Status: executor.Status{
		State:            executor.StateReady,
		AvailableMethods: []executor.MethodDescriptor{executor.Simple("pick")},
	}}
	candidates := []*executor.Executor{
		pricedExec("a", 0.2),
		unpriced,
		pricedExec("b", 0.1),
		pricedExec("c", 0.3),
		pricedExec("d", 0.1),
	}
	sel, err := Rank(Request{Candidates: candidates, Intent: dispatch.Intent{Name: "pick"}, Strategy: dispatch.StrategyLowestPrice})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d", "a", "c", "free"}, ids(sel))
	assert.Equal(t, 1, sel.Meta[0].Rank)
	require.NotNil(t, sel.Meta[0].Price)
	assert.Equal(t, 0.1, *sel.Meta[0].Price)
	assert.Nil(t, sel.Meta[4].Price)
}

func TestHighestPrice(t *testing.T) {
	candidates := []*executor.Executor{pricedExec("a", 0.2), pricedExec("b", 0.1), pricedExec("c", 0.3)}
	sel, err := Rank(Request{Candidates: candidates, Intent: dispatch.Intent{Name: "PICK"}, Strategy: dispatch.StrategyHighestPrice})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids(sel))
}

func TestPriceIgnoresNonMatchingIntent(t *testing.T) {
	candidates := []*executor.Executor{pricedExec("a", 0.2), pricedExec("b", 0.1)}
	sel, err := Rank(Request{Candidates: candidates, Intent: dispatch.Intent{Name: "weld"}, Strategy: dispatch.StrategyLowestPrice})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(sel))
}

func TestSequentialAndRandom(t *testing.T) {
	candidates := []*executor.Executor{pricedExec("a", 1), pricedExec("b", 1), pricedExec("c", 1)}
	sel, err := Rank(Request{Candidates: candidates, Strategy: dispatch.StrategySequential})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(sel))

	sel, err = Rank(Request{Candidates: candidates, Strategy: dispatch.StrategyRandom})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(sel))
	assert.Equal(t, []string{"a", "b", "c"}, ids(Selection{Executors: candidates}), "input slice must not be reordered")
}

func TestClosest(t *testing.T) {
	near := pricedExec("near", 1)
	near.Location = &executor.Location{Lat: 1, Lng: 0}
	far := pricedExec("far", 1)
	far.Location = &executor.Location{Lat: 0, Lng: 2}
	nowhere := pricedExec("nowhere", 1)

	sel, err := Rank(Request{
		Candidates: []*executor.Executor{far, nowhere, near},
		Strategy:   dispatch.StrategyClosest,
		Target:     &executor.Location{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far"}, ids(sel))
	assert.InDelta(t, 1.0, *sel.Meta[0].Distance, 1e-9)
	assert.InDelta(t, 2.0, *sel.Meta[1].Distance, 1e-9)
}

func TestClosestWithoutLocations(t *testing.T) {
	_, err := Rank(Request{
		Candidates: []*executor.Executor{pricedExec("a", 1), pricedExec("b", 1)},
		Strategy:   dispatch.StrategyClosest,
		Target:     &executor.Location{Lat: 10, Lng: 10},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindIndeterminate))

	_, err = Rank(Request{Candidates: []*executor.Executor{pricedExec("a", 1)}, Strategy: dispatch.StrategyClosest})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestSmartPrefersCheapAndNear(t *testing.T) {
	cheapNear := pricedExec("cheapNear", 0.1)
	cheapNear.Location = &executor.Location{Lat: 0, Lng: 1}
	pricyFar := pricedExec("pricyFar", 0.5)
	pricyFar.Location = &executor.Location{Lat: 0, Lng: 5}
	noMethod := &executor.Executor{ID: "noMethod", Status: executor.Status{State: executor.StateReady}}

	sel, err := Rank(Request{
		Candidates: []*executor.Executor{noMethod, pricyFar, cheapNear},
		Intent:     dispatch.Intent{Name: "pick"},
		Strategy:   dispatch.StrategySmart,
		Target:     &executor.Location{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cheapNear", "pricyFar", "noMethod"}, ids(sel))
	assert.InDelta(t, 1.0, *sel.Meta[0].Score, 1e-9)
	assert.InDelta(t, 0.4, *sel.Meta[1].Score, 1e-9)
	assert.InDelta(t, 0.2, *sel.Meta[2].Score, 1e-9)
	assert.LessOrEqual(t, *sel.Meta[0].Confidence, 1.0)
}

func TestFastest(t *testing.T) {
	now := time.Now()
	older, newer := now.Add(-time.Minute), now
	a := pricedExec("a", 1)
	a.LastProbedAt = &older
	b := pricedExec("b", 1)
	b.LastProbedAt = &newer
	c := pricedExec("c", 1)

	sel, err := Rank(Request{Candidates: []*executor.Executor{c, a, b}, Strategy: dispatch.StrategyFastest})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, ids(sel))
}

func TestUnknownStrategy(t *testing.T) {
	_, err := Rank(Request{Strategy: "cheapest"})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestTruncate(t *testing.T) {
	sel, err := Rank(Request{
		Candidates: []*executor.Executor{pricedExec("a", 0.2), pricedExec("b", 0.1), pricedExec("c", 0.3)},
		Intent:     dispatch.Intent{Name: "pick"},
		Strategy:   dispatch.StrategyLowestPrice,
	})
	require.NoError(t, err)
	top := sel.Truncate(2)
	assert.Equal(t, []string{"b", "a"}, ids(top))
	assert.Equal(t, 3, sel.Truncate(0).Len())
}

type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) Enabled() bool {
	return m.Called().Bool(0)
}

func (m *mockScorer) Score(ctx context.Context, req Request) (*Verdict, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Verdict), args.Error(1)
}

func TestSelectorDelegatesToScorer(t *testing.T) {
	candidates := []*executor.Executor{pricedExec("a", 0.2), pricedExec("b", 0.1), pricedExec("c", 0.3)}
	conf := 1.7
	scorer := &mockScorer{}
	scorer.On("Enabled").Return(true)
	scorer.On("Score", mock.Anything, mock.Anything).Return(&Verdict{ExecutorID: "c", Reason: "closest to dock", Confidence: &conf}, nil)

	sel, err := New(scorer, nil, zerolog.Nop()).Select(context.Background(), Request{
		Candidates: candidates,
		Intent:     dispatch.Intent{Name: "pick"},
		Strategy:   dispatch.StrategyLowestPrice,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(sel))
	assert.True(t, sel.Meta[0].Delegated)
	assert.Equal(t, "closest to dock", sel.Meta[0].Reason)
	assert.Equal(t, 1.0, *sel.Meta[0].Confidence)
	assert.Equal(t, 2, sel.Meta[1].Rank)
	assert.Equal(t, 3, sel.Meta[2].Rank)
	scorer.AssertExpectations(t)
}

func TestSelectorFallsBackOnScorerFailure(t *testing.T) {
	candidates := []*executor.Executor{pricedExec("a", 0.2), pricedExec("b", 0.1)}
	cases := map[string]*mockScorer{}

	failing := &mockScorer{}
	failing.On("Enabled").Return(true)
	failing.On("Score", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))
	cases["error"] = failing

	unknown := &mockScorer{}
	unknown.On("Enabled").Return(true)
	unknown.On("Score", mock.Anything, mock.Anything).Return(&Verdict{ExecutorID: "zz"}, nil)
	cases["unknown id"] = unknown

	for name, scorer := range cases {
		t.Run(name, func(t *testing.T) {
			sel, err := New(scorer, nil, zerolog.Nop()).Select(context.Background(), Request{
				Candidates: candidates,
				Intent:     dispatch.Intent{Name: "pick"},
				Strategy:   dispatch.StrategyLowestPrice,
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a"}, ids(sel))
			assert.True(t, sel.Meta[0].Fallback)
			assert.False(t, sel.Meta[0].Delegated)
		})
	}
}

func TestSelectorSkipsDisabledScorer(t *testing.T) {
	scorer := &mockScorer{}
	scorer.On("Enabled").Return(false)
	sel, err := New(scorer, nil, zerolog.Nop()).Select(context.Background(), Request{
		Candidates: []*executor.Executor{pricedExec("a", 0.2)},
		Strategy:   dispatch.StrategySequential,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(sel))
	scorer.AssertNotCalled(t, "Score", mock.Anything, mock.Anything)
}

func TestWebhookScorer(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"selectedExecutorId":"b","reason":"fresh","confidence":0.8}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Selector.WebhookURL = srv.URL
	scorer := NewWebhookScorer(config.Static{Config: cfg})
	require.True(t, scorer.Enabled())

	v, err := scorer.Score(context.Background(), Request{
		Candidates: []*executor.Executor{pricedExec("a", 1), pricedExec("b", 2)},
		Intent:     dispatch.Intent{Name: "pick", Parameters: map[string]any{"speed": 2.0}},
		Context:    map[string]any{"site": "dock-4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", v.ExecutorID)
	assert.Equal(t, "fresh", v.Reason)
	assert.Equal(t, 0.8, *v.Confidence)
	require.Len(t, got.Executors, 2)
	assert.Equal(t, "pick", got.Intent.Name)
	assert.Equal(t, 2.0, got.Parameters["speed"])
	assert.Equal(t, "dock-4", got.Context["site"])
}

func TestWebhookScorerMalformed(t *testing.T) {
	bodies := []string{`not json`, `{"reason":"x"}`, `{"selectedExecutorId":""}`}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		cfg := config.Defaults()
		cfg.Selector.WebhookURL = srv.URL
		_, err := NewWebhookScorer(config.Static{Config: cfg}).Score(context.Background(), Request{})
		assert.Error(t, err, body)
		srv.Close()
	}
}

func TestWebhookScorerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Selector.WebhookURL = srv.URL
	cfg.Selector.WebhookTimeout = 20 * time.Millisecond
	_, err := NewWebhookScorer(config.Static{Config: cfg}).Score(context.Background(), Request{})
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	probed := time.Now().Add(-10 * time.Second)
	a := pricedExec("a", 0.1)
	a.Status.Secure = true
	a.LastProbedAt = &probed
	b := pricedExec("b", 0.5)
	b.Location = &executor.Location{Lat: 3, Lng: 4}
	c := &executor.Executor{ID: "c", Name: "bare"}

	f, err := CompileFilter("priced && price <= 0.25 && secure && probedAgeSeconds < 60")
	require.NoError(t, err)
	out, err := f.Apply([]*executor.Executor{a, b, c}, []string{"pick"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)

	f, err = CompileFilter("located && lat > 1")
	require.NoError(t, err)
	out, err = f.Apply([]*executor.Executor{a, b, c}, []string{"pick"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)

	f, err = CompileFilter("name == 'bare'")
	require.NoError(t, err)
	out, err = f.Apply([]*executor.Executor{a, b, c}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c", out[0].ID)
}

func TestFilterErrors(t *testing.T) {
	f, err := CompileFilter("   ")
	require.NoError(t, err)
	assert.Nil(t, f)
	out, err := f.Apply([]*executor.Executor{pricedExec("a", 1)}, nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = CompileFilter("price <=")
	assert.True(t, fault.Is(err, fault.KindValidation))

	f, err = CompileFilter("price + 1")
	require.NoError(t, err)
	_, err = f.Apply([]*executor.Executor{pricedExec("a", 1)}, nil)
	assert.True(t, fault.Is(err, fault.KindValidation))
}
