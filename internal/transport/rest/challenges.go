package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type challengeResultRequest struct {
	TokenRef   string            `json:"token_ref"`
	Parameters map[string]string `json:"parameters"`
}

// challengeResult receives the authentication outcome from the out-of-band
// channel. Duplicate deliveries are expected; the orchestrator treats repeats
// on a fulfilled session as no-ops, so this endpoint stays 200 for them.
func (h *Handler) challengeResult(w http.ResponseWriter, r *http.Request) {
	var req challengeResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorBadRequest(w, "invalid JSON")
		return
	}
	if req.TokenRef == "" {
		ErrorBadRequest(w, "token_ref is required")
		return
	}

	if err := h.challenges.DeliverResult(r.Context(), req.TokenRef, req.Parameters); err != nil {
		writeServiceError(w, err)
		return
	}

	Success(w, "Resultado de autenticación recibido", nil)
}

func (h *Handler) cancelChallenge(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if err := h.challenges.Cancel(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}

	Success(w, "Autenticación cancelada", nil)
}
