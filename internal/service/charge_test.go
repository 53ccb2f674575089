package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/gateway"
)

type chargeFixture struct {
	svc      *ChargeService
	orch     *ChallengeOrchestrator
	store    *memStore
	gw       *fakeGateway
	notifier *fakeNotifier
}

func newChargeFixture(t *testing.T) *chargeFixture {
	t.Helper()
	store := newMemStore()
	gw := newFakeGateway()
	notifier := &fakeNotifier{}
	ledger := NewLedgerService(store, LateFeeConfig{Mode: LateFeeFixed, Amount: dec("10.00"), GracePeriod: 3 * 24 * time.Hour}, testLogger())

	svc := NewChargeService(chargeStoreAdapter{store}, methodStoreAdapter{store}, store, ledger, gw, notifier, testLogger())
	orch := NewChallengeOrchestrator(nil, time.Minute, testLogger())
	orch.SetCompleter(svc)
	svc.SetChallengeStarter(orch)

	return &chargeFixture{svc: svc, orch: orch, store: store, gw: gw, notifier: notifier}
}

func chargeInput(installmentID, token, amount string) ChargeInput {
	return ChargeInput{
		InstallmentID: installmentID,
		StudentID:     7,
		TokenRef:      token,
		Amount:        dec(amount),
		Email:         "alumno@example.com",
	}
}

func TestTokenizeAndCharge_Success(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	res, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_1", "500.00"))
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Attempt.Status != domain.ChargeConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Attempt.Status)
	}
	if res.Challenge != nil {
		t.Fatal("expected no challenge for a plain success")
	}

	inst, _ := f.store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentVerified {
		t.Fatalf("expected installment verified, got %s", inst.Status)
	}
	if len(f.notifier.confirmed) != 1 {
		t.Fatalf("expected one confirmed notification, got %d", len(f.notifier.confirmed))
	}
}

func TestTokenizeAndCharge_IdempotentReplay(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	first, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_1", "500.00"))
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}

	second, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_1", "500.00"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if second.Attempt.ID != first.Attempt.ID {
		t.Fatal("replay must return the original attempt")
	}
	if f.gw.chargeCalls != 1 {
		t.Fatalf("expected a single gateway submission, got %d", f.gw.chargeCalls)
	}
}

func TestTokenizeAndCharge_MissingToken(t *testing.T) {
	f := newChargeFixture(t)

	var vErr *domain.ValidationError
	if _, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "", "500.00")); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTokenizeAndCharge_AmountMismatch(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	var vErr *domain.ValidationError
	if _, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_1", "499.00")); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTokenizeAndCharge_OverdueRequiresFee(t *testing.T) {
	f := newChargeFixture(t)
	due := time.Now().Add(-10 * 24 * time.Hour)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", due))

	// the bare principal is no longer the amount owed
	var vErr *domain.ValidationError
	if _, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_1", "500.00")); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	res, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_1", "510.00"))
	if err != nil {
		t.Fatalf("charge with fee: %v", err)
	}
	if res.Attempt.Status != domain.ChargeConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Attempt.Status)
	}
}

func TestTokenizeAndCharge_Declined(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))
	f.gw.outcomes["tkn_bad"] = &gateway.Outcome{Kind: gateway.OutcomeDeclined, DeclineCode: "insufficient_funds", DeclineMessage: "Fondos insuficientes"}

	_, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_bad", "500.00"))

	var declined *domain.CardDeclinedError
	if !errors.As(err, &declined) {
		t.Fatalf("expected CardDeclinedError, got %v", err)
	}
	if declined.Code != "insufficient_funds" {
		t.Fatalf("expected decline code preserved, got %s", declined.Code)
	}

	// the decline is terminal for the attempt but frees the installment
	inst, _ := f.store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentPending {
		t.Fatalf("expected installment pending, got %s", inst.Status)
	}
	if len(f.notifier.failed) != 1 {
		t.Fatalf("expected one failed notification, got %d", len(f.notifier.failed))
	}

	// a new attempt with a fresh token goes through
	if _, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_ok", "500.00")); err != nil {
		t.Fatalf("retry after decline: %v", err)
	}
}

func TestTokenizeAndCharge_BlocksWhilePendingVoucher(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	// a pending voucher occupies the installment's artifact slot; the
	// installment row itself is paid, so the charge is rejected up front
	if err := f.store.InsertPending(context.Background(), &domain.Voucher{ID: "v-1", InstallmentID: "inst-1"}); err != nil {
		t.Fatalf("insert voucher: %v", err)
	}

	_, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_1", "500.00"))
	if !domain.IsStateConflict(err) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestChargeChallengeFlow(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))
	f.gw.outcomes["tkn_3ds"] = &gateway.Outcome{Kind: gateway.OutcomeRequiresChallenge}

	res, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_3ds", "500.00"))
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Challenge == nil {
		t.Fatal("expected a challenge session")
	}
	if res.Attempt.Status != domain.ChargeRequiresChallenge {
		t.Fatalf("expected requires_challenge, got %s", res.Attempt.Status)
	}

	// installment stays pending while the attempt waits for authentication,
	// but the slot is held: no second artifact may enter
	inst, _ := f.store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentPending {
		t.Fatalf("expected installment pending, got %s", inst.Status)
	}
	if _, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_other", "500.00")); !domain.IsStateConflict(err) {
		t.Fatalf("expected slot held against second charge, got %v", err)
	}

	// result delivery completes the charge under the same idempotency key
	if err := f.orch.DeliverResult(context.Background(), "tkn_3ds", map[string]string{"cres": "ok"}); err != nil {
		t.Fatalf("deliver result: %v", err)
	}

	attempt, _ := f.store.GetCharge(context.Background(), res.Attempt.ID)
	if attempt.Status != domain.ChargeConfirmed {
		t.Fatalf("expected confirmed after challenge, got %s", attempt.Status)
	}
	inst, _ = f.store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentVerified {
		t.Fatalf("expected installment verified, got %s", inst.Status)
	}
	if f.gw.authCalls != 1 {
		t.Fatalf("expected one authenticated submission, got %d", f.gw.authCalls)
	}

	// duplicate delivery is a no-op, nothing reaches the gateway again
	if err := f.orch.DeliverResult(context.Background(), "tkn_3ds", map[string]string{"cres": "ok"}); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if f.gw.authCalls != 1 {
		t.Fatalf("expected duplicate delivery to be ignored, got %d auth calls", f.gw.authCalls)
	}
}

func TestChargeChallengeRejectedAfterAuth(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))
	f.gw.outcomes["tkn_3ds"] = &gateway.Outcome{Kind: gateway.OutcomeRequiresChallenge}
	f.gw.authOutcome = &gateway.Outcome{Kind: gateway.OutcomeDeclined, DeclineCode: "auth_failed"}

	res, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_3ds", "500.00"))
	if err != nil {
		t.Fatalf("charge: %v", err)
	}

	err = f.orch.DeliverResult(context.Background(), "tkn_3ds", map[string]string{"cres": "fail"})
	var declined *domain.CardDeclinedError
	if !errors.As(err, &declined) {
		t.Fatalf("expected CardDeclinedError, got %v", err)
	}

	attempt, _ := f.store.GetCharge(context.Background(), res.Attempt.ID)
	if attempt.Status != domain.ChargeFailed {
		t.Fatalf("expected failed, got %s", attempt.Status)
	}
	if attempt.FailReason == nil || *attempt.FailReason != domain.FailReasonChallengeRejected {
		t.Fatal("expected challenge_rejected fail reason")
	}

	inst, _ := f.store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentPending {
		t.Fatalf("expected installment chargeable again, got %s", inst.Status)
	}
}

func TestChargeSavedCard_Success(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	m, err := f.svc.SaveCard(context.Background(), 7, gateway.CardDetails{Number: "4111111111111111", CVV: "123", ExpMonth: 9, ExpYear: 2028})
	if err != nil {
		t.Fatalf("save card: %v", err)
	}
	if !m.Chargeable() {
		t.Fatal("expected saved card to be chargeable")
	}

	res, err := f.svc.ChargeSavedCard(context.Background(), m.ID, chargeInput("inst-1", "", "500.00"))
	if err != nil {
		t.Fatalf("charge saved card: %v", err)
	}
	if res.Attempt.Status != domain.ChargeConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Attempt.Status)
	}
}

func TestChargeSavedCard_ChallengeFallsBack(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	m, err := f.svc.SaveCard(context.Background(), 7, gateway.CardDetails{Number: "4111111111111111", CVV: "123", ExpMonth: 9, ExpYear: 2028})
	if err != nil {
		t.Fatalf("save card: %v", err)
	}
	f.gw.outcomes["crd_1111"] = &gateway.Outcome{Kind: gateway.OutcomeRequiresChallenge}

	_, err = f.svc.ChargeSavedCard(context.Background(), m.ID, chargeInput("inst-1", "", "500.00"))
	if !errors.Is(err, domain.ErrSavedCardNeedsToken) {
		t.Fatalf("expected ErrSavedCardNeedsToken, got %v", err)
	}

	// the failed attempt releases the slot for the token retry
	if _, err := f.svc.TokenizeAndCharge(context.Background(), chargeInput("inst-1", "tkn_fresh", "500.00")); err != nil {
		t.Fatalf("token retry after saved-card fallback: %v", err)
	}
}

func TestChargeSavedCard_NotChargeable(t *testing.T) {
	f := newChargeFixture(t)
	f.store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	m := &domain.PaymentMethod{ID: "m-1", StudentID: 7, Brand: "visa", Last4: "4242"}
	if err := f.store.Insert(context.Background(), m); err != nil {
		t.Fatalf("insert method: %v", err)
	}

	_, err := f.svc.ChargeSavedCard(context.Background(), "m-1", chargeInput("inst-1", "", "500.00"))
	if !errors.Is(err, domain.ErrMethodNotChargeable) {
		t.Fatalf("expected ErrMethodNotChargeable, got %v", err)
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := domain.IdempotencyKey("inst-1", "tkn_1", dec("500.00"))
	b := domain.IdempotencyKey("inst-1", "tkn_1", dec("500.0"))
	if a != b {
		t.Fatal("equal amounts must produce the same key")
	}
	if a == domain.IdempotencyKey("inst-1", "tkn_2", dec("500.00")) {
		t.Fatal("different tokens must produce different keys")
	}
	if a == domain.IdempotencyKey("inst-1", "tkn_1", dec("510.00")) {
		t.Fatal("different amounts must produce different keys")
	}
}
