package domain

import "time"

// Enrollment is a student's commitment to a payment plan. It is created once
// at matriculation and its plan reference never changes afterwards; the
// installments it owns are the only mutable part.
type Enrollment struct {
	ID        string
	StudentID int64
	PlanRef   string
	Currency  string

	CreatedAt *time.Time
}
