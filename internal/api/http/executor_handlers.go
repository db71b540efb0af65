package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
)

type registerExecutorRequest struct {
	Address        string             `json:"address"`
	ExecutorID     string             `json:"executor_id,omitempty"`
	Name           string             `json:"name,omitempty"`
	RequiresSecure bool               `json:"requires_secure,omitempty"`
	Location       *executor.Location `json:"location,omitempty"`
}

type updateExecutorRequest struct {
	Name           *string            `json:"name,omitempty"`
	Address        *string            `json:"address,omitempty"`
	RequiresSecure *bool              `json:"requires_secure,omitempty"`
	Location       *executor.Location `json:"location,omitempty"`
	ClearLocation  bool               `json:"clear_location,omitempty"`
}

func (s *Server) registerExecutor(w http.ResponseWriter, r *http.Request) {
	var req registerExecutorRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	exec, err := s.registry.Register(contextFromRequest(r), req.Address, executor.Flags{
		ID:             req.ExecutorID,
		Name:           req.Name,
		RequiresSecure: req.RequiresSecure,
		Location:       req.Location,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exec)
}

func (s *Server) listExecutors(w http.ResponseWriter, r *http.Request) {
	execs := s.registry.List()
	if r.URL.Query().Get("state") != "" {
		want := executor.State(r.URL.Query().Get("state"))
		filtered := make([]*executor.Executor, 0, len(execs))
		for _, e := range execs {
			if e.Status.State == want {
				filtered = append(filtered, e)
			}
		}
		execs = filtered
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"executors": execs})
}

func (s *Server) getExecutor(w http.ResponseWriter, r *http.Request) {
	exec, err := s.registry.Get(chi.URLParam(r, "executorId"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) updateExecutor(w http.ResponseWriter, r *http.Request) {
	var req updateExecutorRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	exec, err := s.registry.Update(contextFromRequest(r), chi.URLParam(r, "executorId"), executor.MetadataUpdate{
		Name:           req.Name,
		Address:        req.Address,
		RequiresSecure: req.RequiresSecure,
		Location:       req.Location,
		ClearLocation:  req.ClearLocation,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) removeExecutor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executorId")
	if err := s.registry.Remove(id); err != nil {
		respondFault(w, err)
		return
	}
	s.logger.Info().Str("executor_id", id).Str("actor", actorFromRequest(r)).Msg("executor removed")
	respondJSON(w, http.StatusOK, map[string]interface{}{"executor_id": id, "removed": true})
}

func (s *Server) probeExecutor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executorId")
	status, err := s.registry.ProbeNow(contextFromRequest(r), id)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"executor_id": id, "status": status})
}
