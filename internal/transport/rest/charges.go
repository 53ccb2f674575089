package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/gateway"
	"tuitionpay/internal/service"
	"tuitionpay/internal/transport/auth"

	"github.com/go-chi/chi/v5"
)

type chargeRequest struct {
	InstallmentID string      `json:"installment_id"`
	Token         string      `json:"token"`
	Amount        interface{} `json:"amount"`
	Email         string      `json:"email"`
}

func (h *Handler) tokenizeAndCharge(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorBadRequest(w, "invalid JSON")
		return
	}
	if req.InstallmentID == "" {
		ErrorBadRequest(w, "installment_id is required")
		return
	}

	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		ErrorBadRequest(w, err.Error())
		return
	}

	result, err := h.charges.TokenizeAndCharge(r.Context(), service.ChargeInput{
		InstallmentID: req.InstallmentID,
		StudentID:     userID,
		TokenRef:      req.Token,
		Amount:        amount,
		Email:         req.Email,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.writeChargeResult(w, result)
}

func (h *Handler) chargeSavedCard(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorBadRequest(w, "invalid JSON")
		return
	}
	if req.InstallmentID == "" {
		ErrorBadRequest(w, "installment_id is required")
		return
	}

	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		ErrorBadRequest(w, err.Error())
		return
	}

	result, err := h.charges.ChargeSavedCard(r.Context(), chi.URLParam(r, "method_id"), service.ChargeInput{
		InstallmentID: req.InstallmentID,
		StudentID:     userID,
		Amount:        amount,
		Email:         req.Email,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.writeChargeResult(w, result)
}

func (h *Handler) getCharge(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.GetUserID(r.Context()); err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	attempt, err := h.chargeReads.Get(r.Context(), chi.URLParam(r, "attempt_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	Success(w, "", chargeView(attempt))
}

// writeChargeResult distinguishes a settled charge from one parked behind a
// step-up challenge: the latter answers 202 with the session handle.
func (h *Handler) writeChargeResult(w http.ResponseWriter, result *service.ChargeResult) {
	if result.Challenge != nil {
		SuccessAccepted(w, "Se requiere autenticación adicional", map[string]interface{}{
			"attempt":   chargeView(result.Attempt),
			"challenge": challengeView(result.Challenge),
		})
		return
	}
	Success(w, "Pago procesado", chargeView(result.Attempt))
}

type saveCardRequest struct {
	Number   string `json:"number"`
	CVV      string `json:"cvv"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Email    string `json:"email"`
}

func (h *Handler) saveCard(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	var req saveCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorBadRequest(w, "invalid JSON")
		return
	}
	if req.Number == "" || req.CVV == "" {
		ErrorBadRequest(w, "number and cvv are required")
		return
	}

	m, err := h.charges.SaveCard(r.Context(), userID, gateway.CardDetails{
		Number:   req.Number,
		CVV:      req.CVV,
		ExpMonth: req.ExpMonth,
		ExpYear:  req.ExpYear,
		Email:    req.Email,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	SuccessCreated(w, "Tarjeta guardada", methodView(m))
}

func (h *Handler) listCards(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	methods, err := h.charges.ListMethods(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(methods))
	for i := range methods {
		views = append(views, methodView(&methods[i]))
	}

	Success(w, "", views)
}

func chargeView(a *domain.ChargeAttempt) map[string]interface{} {
	view := map[string]interface{}{
		"id":             a.ID,
		"installment_id": a.InstallmentID,
		"amount":         a.Amount.StringFixed(2),
		"status":         a.Status,
	}
	if a.GatewayChargeID != nil {
		view["gateway_charge_id"] = *a.GatewayChargeID
	}
	if a.DeclineCode != nil {
		view["decline_code"] = *a.DeclineCode
	}
	if a.FailReason != nil {
		view["fail_reason"] = *a.FailReason
	}
	return view
}

func challengeView(s *domain.ChallengeSession) map[string]interface{} {
	return map[string]interface{}{
		"session_id": s.ID,
		"expires_at": s.ExpiresAt.Format(time.RFC3339),
	}
}

func methodView(m *domain.PaymentMethod) map[string]interface{} {
	return map[string]interface{}{
		"id":         m.ID,
		"brand":      m.Brand,
		"last4":      m.Last4,
		"exp_month":  m.ExpMonth,
		"exp_year":   m.ExpYear,
		"chargeable": m.Chargeable(),
	}
}
