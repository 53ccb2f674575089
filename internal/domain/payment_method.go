package domain

import "time"

// PaymentMethod is a durable reference to a tokenized card. Methods without a
// gateway-side persistent id exist for display and history only.
type PaymentMethod struct {
	ID        string
	StudentID int64
	Brand     string
	Last4     string
	ExpMonth  int
	ExpYear   int

	// GatewayCardID is the persistent identifier the gateway issued for this
	// card. Only methods carrying one can be charged again.
	GatewayCardID *string

	CreatedAt *time.Time
}

func (m *PaymentMethod) Chargeable() bool {
	return m.GatewayCardID != nil && *m.GatewayCardID != ""
}
