package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/service"
	"tuitionpay/internal/transport/auth"

	"github.com/go-chi/chi/v5"
)

type voucherRequest struct {
	InstallmentID  string      `json:"installment_id"`
	ArtifactRef    string      `json:"artifact_ref"`
	DeclaredAmount interface{} `json:"declared_amount"`
	DeclaredMethod string      `json:"declared_method"`
	DeclaredDate   string      `json:"declared_date"`
}

func parseVoucherRequest(r *http.Request, studentID int64) (*service.SubmitVoucherInput, error) {
	var raw voucherRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, &ValidationError{Message: "invalid JSON"}
	}

	amount, err := parseAmount("declared_amount", raw.DeclaredAmount)
	if err != nil {
		return nil, err
	}

	declaredDate := time.Now()
	if raw.DeclaredDate != "" {
		parsed, err := time.Parse("2006-01-02", raw.DeclaredDate)
		if err != nil {
			return nil, &ValidationError{Field: "declared_date", Message: "declared_date must be YYYY-MM-DD"}
		}
		declaredDate = parsed
	}

	return &service.SubmitVoucherInput{
		InstallmentID:  raw.InstallmentID,
		StudentID:      studentID,
		ArtifactRef:    raw.ArtifactRef,
		DeclaredAmount: amount,
		DeclaredMethod: raw.DeclaredMethod,
		DeclaredDate:   declaredDate,
	}, nil
}

func (h *Handler) submitVoucher(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	in, err := parseVoucherRequest(r, userID)
	if err != nil {
		ErrorBadRequest(w, err.Error())
		return
	}
	if in.InstallmentID == "" {
		ErrorBadRequest(w, "installment_id is required")
		return
	}

	v, err := h.vouchers.Submit(r.Context(), *in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	SuccessCreated(w, "Comprobante registrado, pendiente de revisión", voucherView(v))
}

func (h *Handler) replaceVoucher(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	voucherID := chi.URLParam(r, "voucher_id")

	in, err := parseVoucherRequest(r, userID)
	if err != nil {
		ErrorBadRequest(w, err.Error())
		return
	}

	v, err := h.vouchers.Replace(r.Context(), voucherID, *in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	Success(w, "Comprobante reemplazado", voucherView(v))
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (h *Handler) decideVoucher(w http.ResponseWriter, r *http.Request) {
	cashierID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorBadRequest(w, "invalid JSON")
		return
	}

	v, err := h.vouchers.Decide(r.Context(), service.DecideVoucherInput{
		VoucherID: chi.URLParam(r, "voucher_id"),
		Approve:   req.Approve,
		Reason:    req.Reason,
		CashierID: cashierID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	msg := "Pago verificado"
	if !req.Approve {
		msg = "Comprobante rechazado"
	}
	Success(w, msg, voucherView(v))
}

func (h *Handler) listInstallmentVouchers(w http.ResponseWriter, r *http.Request) {
	installmentID := chi.URLParam(r, "installment_id")

	vouchers, err := h.voucherReads.ListByInstallment(r.Context(), installmentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(vouchers))
	for i := range vouchers {
		views = append(views, voucherView(&vouchers[i]))
	}

	Success(w, "", views)
}

func voucherView(v *domain.Voucher) map[string]interface{} {
	view := map[string]interface{}{
		"id":              v.ID,
		"installment_id":  v.InstallmentID,
		"student_id":      v.StudentID,
		"artifact_ref":    v.ArtifactRef,
		"declared_amount": v.DeclaredAmount.StringFixed(2),
		"declared_method": v.DeclaredMethod,
		"declared_date":   v.DeclaredDate.Format("2006-01-02"),
		"status":          v.Status,
	}
	if v.RejectReason != nil {
		view["reject_reason"] = *v.RejectReason
	}
	if v.DecidedAt != nil {
		view["decided_at"] = v.DecidedAt.Format(time.RFC3339)
	}
	return view
}
