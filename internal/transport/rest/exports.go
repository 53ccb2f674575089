package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"tuitionpay/internal/repository"
	"tuitionpay/internal/transport/auth"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type PaymentsExportRequest struct {
	Fields       []string   `json:"fields"`
	EnrollmentID *string    `json:"enrollment_id,omitempty"`
	StudentID    *int64     `json:"student_id,omitempty"`
	PaidFrom     *time.Time `json:"paid_from,omitempty"`
	PaidTo       *time.Time `json:"paid_to,omitempty"`
}

type rawPaymentsExportRequest struct {
	Fields       []string    `json:"fields"`
	EnrollmentID interface{} `json:"enrollment_id"`
	StudentID    interface{} `json:"student_id"`
	PaidFrom     interface{} `json:"paid_from"`
	PaidTo       interface{} `json:"paid_to"`
}

// ValidatePaymentsExportRequest parses and validates JSON input for the
// payments export.
func ValidatePaymentsExportRequest(r *http.Request) (*PaymentsExportRequest, error) {
	var raw rawPaymentsExportRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil && err != io.EOF {
		return nil, err
	}
	if len(raw.Fields) == 0 {
		return nil, &ValidationError{Field: "fields", Message: "fields is required and must be an array"}
	}

	enrollmentID, err := toStringPtr(raw.EnrollmentID)
	if err != nil {
		return nil, &ValidationError{Field: "enrollment_id", Message: "enrollment_id must be string or empty"}
	}

	studentID, err := toInt64Ptr(raw.StudentID)
	if err != nil {
		return nil, &ValidationError{Field: "student_id", Message: "student_id must be integer or empty"}
	}

	paidFrom, err := toDatePtr(raw.PaidFrom)
	if err != nil {
		return nil, &ValidationError{Field: "paid_from", Message: "paid_from must be YYYY-MM-DD or empty"}
	}
	paidTo, err := toDatePtr(raw.PaidTo)
	if err != nil {
		return nil, &ValidationError{Field: "paid_to", Message: "paid_to must be YYYY-MM-DD or empty"}
	}

	return &PaymentsExportRequest{
		Fields:       raw.Fields,
		EnrollmentID: enrollmentID,
		StudentID:    studentID,
		PaidFrom:     paidFrom,
		PaidTo:       paidTo,
	}, nil
}

func (r *PaymentsExportRequest) ToRepositoryFilter() repository.PaymentRecordsFilter {
	return repository.PaymentRecordsFilter{
		EnrollmentID: r.EnrollmentID,
		StudentID:    r.StudentID,
		PaidFrom:     r.PaidFrom,
		PaidTo:       r.PaidTo,
	}
}

func (h *Handler) exportPayments(w http.ResponseWriter, r *http.Request) {
	req, err := ValidatePaymentsExportRequest(r)
	if err != nil {
		if _, ok := err.(*ValidationError); ok {
			ErrorBadRequest(w, err.Error())
			return
		}
		ErrorBadRequest(w, "invalid JSON")
		return
	}

	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exportID, err := h.exports.StartExport(r.Context(), req.Fields, req.ToRepositoryFilter(), userID)
	if err != nil {
		logrus.WithError(err).Error("start payments export failed")
		ErrorInternal(w, "failed to start export")
		return
	}

	SuccessAccepted(w, "Exportación en cola", map[string]interface{}{"export_id": exportID})
}

func (h *Handler) listExports(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exports, err := h.exports.GetExports(r.Context(), userID)
	if err != nil {
		logrus.WithError(err).Error("list exports failed")
		ErrorInternal(w, "failed to list exports")
		return
	}

	Success(w, "", exports)
}

func (h *Handler) getExport(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	export, err := h.exports.GetExport(r.Context(), chi.URLParam(r, "export_id"), userID)
	if err != nil {
		ErrorNotFound(w, "export not found")
		return
	}

	Success(w, "", export)
}

// listPayments is the cashier's JSON view of settled payments, same rows the
// xlsx export renders.
func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter repository.PaymentRecordsFilter
	if v := q.Get("enrollment_id"); v != "" {
		filter.EnrollmentID = &v
	}
	if v := q.Get("student_id"); v != "" {
		id, err := toInt64Ptr(v)
		if err != nil {
			ErrorBadRequest(w, "student_id must be integer")
			return
		}
		filter.StudentID = id
	}
	if v := q.Get("paid_from"); v != "" {
		t, err := toDatePtr(v)
		if err != nil {
			ErrorBadRequest(w, "paid_from must be YYYY-MM-DD")
			return
		}
		filter.PaidFrom = t
	}
	if v := q.Get("paid_to"); v != "" {
		t, err := toDatePtr(v)
		if err != nil {
			ErrorBadRequest(w, "paid_to must be YYYY-MM-DD")
			return
		}
		filter.PaidTo = t
	}

	records, err := h.records.ListVerified(r.Context(), filter)
	if err != nil {
		logrus.WithError(err).Error("list payments failed")
		ErrorInternal(w, "failed to list payments")
		return
	}

	views := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		view := map[string]interface{}{
			"installment_id": rec.InstallmentID,
			"enrollment_id":  rec.EnrollmentID,
			"student_id":     rec.StudentID,
			"sequence":       rec.Sequence,
			"due_date":       rec.DueDate.Format("2006-01-02"),
			"amount":         rec.Amount.StringFixed(2),
			"late_fee":       rec.LateFee.StringFixed(2),
			"paid_amount":    rec.PaidAmount.StringFixed(2),
			"source":         rec.Source,
			"reference":      rec.Reference,
		}
		if rec.PaidDate != nil {
			view["paid_date"] = rec.PaidDate.Format("2006-01-02")
		}
		views = append(views, view)
	}

	Success(w, "", views)
}
