package domain

import (
	"errors"
	"testing"
)

func TestHasAbility(t *testing.T) {
	cases := []struct {
		abilities string
		ability   string
		want      bool
	}{
		{`["student"]`, AbilityStudent, true},
		{`["student"]`, AbilityCashier, false},
		{`["cashier","admin"]`, AbilityCashier, true},
		{`["*"]`, AbilityAdmin, true},
		{`not json`, AbilityStudent, false},
		{``, AbilityStudent, false},
	}

	for _, tc := range cases {
		tok := &PersonalAccessToken{Abilities: tc.abilities}
		if got := tok.HasAbility(tc.ability); got != tc.want {
			t.Errorf("HasAbility(%q, %q) = %v, want %v", tc.abilities, tc.ability, got, tc.want)
		}
	}
}

func TestVoucherDecided(t *testing.T) {
	for status, want := range map[VoucherStatus]bool{
		VoucherPending:  false,
		VoucherApproved: true,
		VoucherRejected: true,
		VoucherReplaced: false,
	} {
		v := &Voucher{Status: status}
		if v.Decided() != want {
			t.Errorf("Decided() for %s = %v, want %v", status, v.Decided(), want)
		}
	}
}

func TestChargeTerminal(t *testing.T) {
	for status, want := range map[ChargeStatus]bool{
		ChargeInitiated:         false,
		ChargeRequiresChallenge: false,
		ChargeConfirmed:         true,
		ChargeFailed:            true,
		ChargeExpired:           true,
	} {
		a := &ChargeAttempt{Status: status}
		if a.Terminal() != want {
			t.Errorf("Terminal() for %s = %v, want %v", status, a.Terminal(), want)
		}
	}
}

func TestIsStateConflict(t *testing.T) {
	for _, err := range []error{
		ErrInvalidStateTransition,
		ErrVersionConflict,
		ErrDuplicateActiveVoucher,
		ErrChargeInFlight,
		ErrAlreadyDecided,
		ErrAlreadyVerified,
	} {
		if !IsStateConflict(err) {
			t.Errorf("expected %v to be a state conflict", err)
		}
	}

	if IsStateConflict(ErrNotFound) {
		t.Error("ErrNotFound is not a state conflict")
	}
	if IsStateConflict(errors.New("boom")) {
		t.Error("arbitrary errors are not state conflicts")
	}
}
