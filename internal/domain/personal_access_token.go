package domain

import (
	"encoding/json"
	"time"
)

// Roles carried as token abilities. They are opaque capabilities here; who
// grants them is the auth system's business.
const (
	AbilityStudent = "student"
	AbilityCashier = "cashier"
	AbilityAdmin   = "admin"
)

type PersonalAccessToken struct {
	ID        int64
	TokenHash string
	UserID    int64
	Abilities string
	ExpiresAt *time.Time
}

// HasAbility checks the sanctum-style JSON abilities list. "*" grants
// everything.
func (t *PersonalAccessToken) HasAbility(ability string) bool {
	var abilities []string
	if err := json.Unmarshal([]byte(t.Abilities), &abilities); err != nil {
		return false
	}
	for _, a := range abilities {
		if a == "*" || a == ability {
			return true
		}
	}
	return false
}
