package httpapi

import (
	"net/http"

	"github.com/execution-hub/paid-dispatch/internal/config"
)

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.Current()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"settings":    cfg,
		"fingerprint": cfg.Fingerprint(),
		"history":     s.settings.History(),
	})
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req config.Overrides
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	cfg, err := s.settings.Apply(req, actorFromRequest(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"settings":    cfg,
		"fingerprint": cfg.Fingerprint(),
	})
}
