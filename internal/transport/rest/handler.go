package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/gateway"
	"tuitionpay/internal/repository"
	"tuitionpay/internal/service"
	"tuitionpay/internal/transport/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

type VoucherProcessor interface {
	Submit(ctx context.Context, in service.SubmitVoucherInput) (*domain.Voucher, error)
	Replace(ctx context.Context, voucherID string, in service.SubmitVoucherInput) (*domain.Voucher, error)
	Decide(ctx context.Context, in service.DecideVoucherInput) (*domain.Voucher, error)
}

type ChargeProcessor interface {
	TokenizeAndCharge(ctx context.Context, in service.ChargeInput) (*service.ChargeResult, error)
	ChargeSavedCard(ctx context.Context, methodID string, in service.ChargeInput) (*service.ChargeResult, error)
	SaveCard(ctx context.Context, studentID int64, card gateway.CardDetails) (*domain.PaymentMethod, error)
	ListMethods(ctx context.Context, studentID int64) ([]domain.PaymentMethod, error)
}

// ChallengeReceiver is the inbound side of the out-of-band authentication
// channel: result deliveries and user cancellations.
type ChallengeReceiver interface {
	DeliverResult(ctx context.Context, tokenRef string, parameters map[string]string) error
	Cancel(ctx context.Context, sessionID string) error
}

type InstallmentReader interface {
	Get(ctx context.Context, id string) (*domain.Installment, error)
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.Installment, error)
}

type VoucherReader interface {
	ListByInstallment(ctx context.Context, installmentID string) ([]domain.Voucher, error)
}

// ChargeReader serves the status-refresh path after a charge request came
// back with a conflict or a challenge.
type ChargeReader interface {
	Get(ctx context.Context, id string) (*domain.ChargeAttempt, error)
}

// DueCalculator computes the amount owed right now, late fee included.
type DueCalculator interface {
	TotalDue(ctx context.Context, inst *domain.Installment, asOf time.Time) decimal.Decimal
}

type PaymentsExporter interface {
	StartExport(ctx context.Context, selected []string, filter repository.PaymentRecordsFilter, userID int64) (string, error)
	GetExports(ctx context.Context, userID int64) ([]map[string]interface{}, error)
	GetExport(ctx context.Context, exportID string, userID int64) (map[string]interface{}, error)
}

type RecordLister interface {
	ListVerified(ctx context.Context, f repository.PaymentRecordsFilter) ([]repository.PaymentRecord, error)
}

// ArtifactSaver persists an uploaded proof-of-payment file and returns the
// reference the voucher will carry.
type ArtifactSaver interface {
	Save(ctx context.Context, fileName string, data []byte) (string, error)
	GetURL(fileName string) string
}

type Handler struct {
	vouchers     VoucherProcessor
	voucherReads VoucherReader
	charges      ChargeProcessor
	chargeReads  ChargeReader
	challenges   ChallengeReceiver
	installments InstallmentReader
	ledger       DueCalculator
	records      RecordLister
	exports      PaymentsExporter
	artifacts    ArtifactSaver
}

func NewHandler(
	vouchers VoucherProcessor,
	voucherReads VoucherReader,
	charges ChargeProcessor,
	chargeReads ChargeReader,
	challenges ChallengeReceiver,
	installments InstallmentReader,
	ledger DueCalculator,
	records RecordLister,
	exports PaymentsExporter,
	artifacts ArtifactSaver,
) *Handler {
	return &Handler{
		vouchers:     vouchers,
		voucherReads: voucherReads,
		charges:      charges,
		chargeReads:  chargeReads,
		challenges:   challenges,
		installments: installments,
		ledger:       ledger,
		records:      records,
		exports:      exports,
		artifacts:    artifacts,
	}
}

func (h *Handler) InitRouter() *chi.Mux {
	return h.InitRouterWithAuth(nil)
}

func (h *Handler) InitRouterWithAuth(authMiddleware func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
	)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "tuitionpay")
	})

	// Gateway callback; authenticated by session correlation, not by token.
	r.Post("/challenges/result", h.challengeResult)

	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}

		r.Route("/enrollments", func(r chi.Router) {
			r.Get("/{enrollment_id}/installments", h.listInstallments)
		})

		r.Route("/installments", func(r chi.Router) {
			r.Get("/{installment_id}", h.getInstallment)
			r.Get("/{installment_id}/vouchers", h.listInstallmentVouchers)
		})

		r.Route("/vouchers", func(r chi.Router) {
			r.Post("/", h.submitVoucher)
			r.Post("/{voucher_id}/replace", h.replaceVoucher)
			r.With(auth.RequireAbility(domain.AbilityCashier)).Post("/{voucher_id}/decision", h.decideVoucher)
		})

		r.Post("/artifacts", h.uploadArtifact)

		r.Route("/charges", func(r chi.Router) {
			r.Post("/", h.tokenizeAndCharge)
			r.Post("/saved/{method_id}", h.chargeSavedCard)
			r.Get("/{attempt_id}", h.getCharge)
		})

		r.Route("/cards", func(r chi.Router) {
			r.Post("/", h.saveCard)
			r.Get("/", h.listCards)
		})

		r.Post("/challenges/{session_id}/cancel", h.cancelChallenge)

		r.With(auth.RequireAbility(domain.AbilityCashier)).Get("/payments", h.listPayments)

		r.Route("/export", func(r chi.Router) {
			r.Use(auth.RequireAbility(domain.AbilityCashier))
			r.Get("/", h.listExports)
			r.Get("/{export_id}", h.getExport)
			r.Post("/payments", h.exportPayments)
		})
	})

	return r
}
