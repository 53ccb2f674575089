package rest

import (
	"net/http"
	"time"

	"tuitionpay/internal/domain"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) getInstallment(w http.ResponseWriter, r *http.Request) {
	inst, err := h.installments.Get(r.Context(), chi.URLParam(r, "installment_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	Success(w, "", h.installmentView(r, inst))
}

func (h *Handler) listInstallments(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "enrollment_id")

	installments, err := h.installments.ListByEnrollment(r.Context(), enrollmentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(installments))
	for i := range installments {
		views = append(views, h.installmentView(r, &installments[i]))
	}

	Success(w, "", views)
}

// installmentView includes the computed total due so clients never add fees
// themselves.
func (h *Handler) installmentView(r *http.Request, inst *domain.Installment) map[string]interface{} {
	now := time.Now()
	due := h.ledger.TotalDue(r.Context(), inst, now)
	fee := due.Sub(inst.Amount)
	if inst.Status != domain.InstallmentPending {
		// settled or cancelled rows keep the fee that was cached at payment time
		fee = inst.LateFee
		due = inst.Amount.Add(fee)
	}

	view := map[string]interface{}{
		"id":            inst.ID,
		"enrollment_id": inst.EnrollmentID,
		"sequence":      inst.Sequence,
		"due_date":      inst.DueDate.Format("2006-01-02"),
		"amount":        inst.Amount.StringFixed(2),
		"late_fee":      fee.StringFixed(2),
		"total_due":     due.StringFixed(2),
		"status":        inst.Status,
	}
	if !inst.PaidAmount.IsZero() {
		view["paid_amount"] = inst.PaidAmount.StringFixed(2)
	}
	if inst.PaidDate != nil {
		view["paid_date"] = inst.PaidDate.Format("2006-01-02")
	}
	return view
}
