package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"tuitionpay/internal/domain"

	"github.com/shopspring/decimal"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// writeServiceError maps domain errors onto the HTTP surface. Conflicts come
// back as 409 with a refresh hint; declines keep the gateway code so the UI
// can show it verbatim.
func writeServiceError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	var declined *domain.CardDeclinedError

	switch {
	case errors.As(err, &vErr):
		ErrorBadRequest(w, vErr.Message)
	case errors.As(err, &declined):
		ErrorUnprocessable(w, "la tarjeta fue rechazada", map[string]interface{}{
			"decline_code":    declined.Code,
			"decline_message": declined.Message,
		})
	case errors.Is(err, domain.ErrSavedCardNeedsToken):
		ErrorUnprocessable(w, "la tarjeta guardada requiere autenticación adicional, ingrese los datos de la tarjeta nuevamente", nil)
	case errors.Is(err, domain.ErrMethodNotChargeable):
		ErrorUnprocessable(w, "este medio de pago no puede usarse para cobros", nil)
	case errors.Is(err, domain.ErrChallengeExpired):
		ErrorConflict(w, "la sesión de autenticación expiró, inicie el pago nuevamente")
	case errors.Is(err, domain.ErrChallengeCancelled):
		ErrorConflict(w, "la sesión de autenticación fue cancelada")
	case errors.Is(err, domain.ErrNotFound):
		ErrorNotFound(w, "recurso no encontrado")
	case domain.IsStateConflict(err):
		ErrorConflict(w, "este pago ya fue procesado o está en curso, actualice para ver el estado actual")
	default:
		ErrorInternal(w, "error interno")
	}
}

func toStringPtr(v interface{}) (*string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return &t, nil
	case float64:
		i := int64(t)
		s := strconv.FormatInt(i, 10)
		return &s, nil
	default:
		return nil, &ValidationError{Message: "invalid type for string field"}
	}
}

func toInt64Ptr(v interface{}) (*int64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		i := int64(t)
		return &i, nil
	case string:
		if t == "" {
			return nil, nil
		}
		i, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, err
		}
		return &i, nil
	default:
		return nil, &ValidationError{Message: "invalid type for int field"}
	}
}

func toDatePtr(v interface{}) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		parsed, err := time.Parse("2006-01-02", t)
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	default:
		return nil, &ValidationError{Message: "invalid type for date field"}
	}
}

// parseAmount accepts both JSON numbers and strings; money arrives as a
// string from clients that care about precision.
func parseAmount(field string, v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, &ValidationError{Field: field, Message: field + " must be a decimal amount"}
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Zero, &ValidationError{Field: field, Message: field + " is required"}
	}
}
