package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/application/dispatcher"
	"github.com/execution-hub/paid-dispatch/internal/application/verifier"
	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/metrics"
)

// Registry is the executor registry as seen by the API.
type Registry interface {
	Register(ctx context.Context, address string, flags executor.Flags) (*executor.Executor, error)
	List() []*executor.Executor
	Get(executorID string) (*executor.Executor, error)
	Update(ctx context.Context, executorID string, upd executor.MetadataUpdate) (*executor.Executor, error)
	Remove(executorID string) error
	ProbeNow(ctx context.Context, executorID string) (executor.Status, error)
}

// Dispatcher runs and prices commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent dispatch.Intent, params dispatch.SelectionParams) (*dispatch.Batch, error)
	Quote(ctx context.Context, intent dispatch.Intent, params dispatch.SelectionParams) (*dispatch.Quote, error)
	ExecuteVerified(ctx context.Context, intent dispatch.Intent, params dispatch.SelectionParams, proof dispatch.PaymentProof) (*dispatcher.VerifiedExecution, error)
}

// PaymentVerifier checks client payments.
type PaymentVerifier interface {
	Verify(ctx context.Context, signature, receiver string, amount float64) (verifier.Verdict, error)
}

// Settings exposes the configuration snapshot and its override path.
type Settings interface {
	Current() *config.Config
	Apply(o config.Overrides, actor string) (*config.Config, error)
	History() []config.Change
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	registry   Registry
	dispatcher Dispatcher
	verifier   PaymentVerifier
	journal    payment.Journal
	settings   Settings
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewServer wires the handlers. verifier and m may be nil.
func NewServer(
	registry Registry,
	d Dispatcher,
	v PaymentVerifier,
	journal payment.Journal,
	settings Settings,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		registry:   registry,
		dispatcher: d,
		verifier:   v,
		journal:    journal,
		settings:   settings,
		metrics:    m,
		logger:     logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/executors", func(r chi.Router) {
				r.Get("/", s.listExecutors)
				r.Get("/{executorId}", s.getExecutor)
				r.Group(func(r chi.Router) {
					r.Use(s.requireAdmin)
					r.Post("/", s.registerExecutor)
					r.Patch("/{executorId}", s.updateExecutor)
					r.Delete("/{executorId}", s.removeExecutor)
					r.Post("/{executorId}/probe", s.probeExecutor)
				})
			})

			r.Get("/settings", s.getSettings)
			r.With(s.requireAdmin).Put("/settings", s.updateSettings)

			r.Post("/quote", s.quote)
			r.Get("/dispatches/{dispatchId}/settlements", s.listSettlements)
		})

		// Dispatch calls are bounded by per-request timeouts in the
		// protocol client, not by a route deadline.
		r.Post("/dispatch", s.dispatch)
		r.Post("/execute", s.executeVerified)
		r.Post("/payments/verify", s.verifyPayment)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondFault maps a classified error to a status code.
func respondFault(w http.ResponseWriter, err error) {
	kind, _ := fault.KindOf(err)
	switch {
	case kind == fault.KindValidation:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case kind == fault.KindNotFound, errors.Is(err, executor.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case kind == fault.KindCapacity:
		respondError(w, http.StatusConflict, "NO_EXECUTOR", err.Error())
	case kind == fault.KindIndeterminate:
		respondError(w, http.StatusUnprocessableEntity, "INDETERMINATE_SELECTION", err.Error())
	case kind == fault.KindConfiguration:
		respondError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", err.Error())
	case kind == fault.KindProtocol, kind == fault.KindSettlement, kind == fault.KindTransport:
		respondError(w, http.StatusBadGateway, string(kind), err.Error())
	case kind == fault.KindConfirmationExhausted:
		respondError(w, http.StatusGatewayTimeout, string(kind), err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func contextFromRequest(r *http.Request) context.Context {
	return r.Context()
}
