package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

type dispatchRequest struct {
	Intent    dispatch.Intent          `json:"intent"`
	Selection dispatch.SelectionParams `json:"selection"`
}

type executeRequest struct {
	Intent    dispatch.Intent          `json:"intent"`
	Selection dispatch.SelectionParams `json:"selection"`
	Payment   dispatch.PaymentProof    `json:"payment"`
}

type verifyPaymentRequest struct {
	Signature string  `json:"signature"`
	Receiver  string  `json:"receiver,omitempty"`
	Amount    float64 `json:"amount"`
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	batch, err := s.dispatcher.Dispatch(contextFromRequest(r), req.Intent, req.Selection)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	q, err := s.dispatcher.Quote(contextFromRequest(r), req.Intent, req.Selection)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

func (s *Server) executeVerified(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	out, err := s.dispatcher.ExecuteVerified(contextFromRequest(r), req.Intent, req.Selection, req.Payment)
	if err != nil {
		respondFault(w, err)
		return
	}
	status := http.StatusOK
	if !out.Verdict.Valid {
		status = http.StatusPaymentRequired
	}
	respondJSON(w, status, out)
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "payment verification is not configured")
		return
	}
	var req verifyPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	receiver := req.Receiver
	if receiver == "" {
		receiver = s.settings.Current().Verifier.ReceiverAccount
	}
	if receiver == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "receiver is required")
		return
	}
	verdict, err := s.verifier.Verify(contextFromRequest(r), req.Signature, receiver, req.Amount)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, verdict)
}

func (s *Server) listSettlements(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "dispatchId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid dispatchId")
		return
	}
	attempts, err := s.journal.ListByDispatch(contextFromRequest(r), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if attempts == nil {
		attempts = []*payment.SettlementAttempt{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"dispatch_id": id, "attempts": attempts})
}
