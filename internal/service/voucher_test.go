package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/repository"
)

func newVoucherFixture(t *testing.T) (*VoucherService, *memStore, *fakeNotifier) {
	t.Helper()
	store := newMemStore()
	notifier := &fakeNotifier{}
	ledger := NewLedgerService(store, LateFeeConfig{Mode: LateFeeFixed, Amount: dec("10.00"), GracePeriod: 3 * 24 * time.Hour}, testLogger())
	svc := NewVoucherService(voucherStoreAdapter{store}, store, ledger, notifier, testLogger())
	return svc, store, notifier
}

func submitInput(installmentID string) SubmitVoucherInput {
	return SubmitVoucherInput{
		InstallmentID:  installmentID,
		StudentID:      7,
		ArtifactRef:    "ab12_recibo.pdf",
		DeclaredAmount: dec("500.00"),
		DeclaredMethod: "deposito",
		DeclaredDate:   time.Now(),
	}
}

func TestSubmitVoucher(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	v, err := svc.Submit(context.Background(), submitInput("inst-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if v.Status != domain.VoucherPending {
		t.Fatalf("expected pending voucher, got %s", v.Status)
	}

	inst, _ := store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentPaid {
		t.Fatalf("expected installment paid, got %s", inst.Status)
	}
}

func TestSubmitVoucher_MissingArtifact(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	in := submitInput("inst-1")
	in.ArtifactRef = ""

	var vErr *domain.ValidationError
	if _, err := svc.Submit(context.Background(), in); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitVoucher_Duplicate(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	if _, err := svc.Submit(context.Background(), submitInput("inst-1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := svc.Submit(context.Background(), submitInput("inst-1")); !errors.Is(err, domain.ErrDuplicateActiveVoucher) {
		t.Fatalf("expected ErrDuplicateActiveVoucher, got %v", err)
	}
}

func TestSubmitVoucher_VerifiedInstallment(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	inst := pendingInstallment("inst-1", "500.00", time.Now())
	inst.Status = domain.InstallmentVerified
	store.putInstallment(inst)

	if _, err := svc.Submit(context.Background(), submitInput("inst-1")); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestSubmitVoucher_ConcurrentSubmissions(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Submit(context.Background(), submitInput("inst-1"))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.IsStateConflict(err):
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winning submission, got %d", ok)
	}

	vouchers, _ := store.ListByInstallment(context.Background(), "inst-1")
	var pending int
	for _, v := range vouchers {
		if v.Status == domain.VoucherPending {
			pending++
		}
	}
	if pending != 1 {
		t.Fatalf("expected exactly one pending voucher, got %d", pending)
	}
}

// conflictingInstallments fails a configured number of guarded updates, as if
// another writer always got to the installment row first.
type conflictingInstallments struct {
	*memStore
	failures int
}

func (c *conflictingInstallments) UpdateGuarded(ctx context.Context, id string, from domain.InstallmentStatus, version int64, upd repository.InstallmentUpdate) (*domain.Installment, error) {
	if c.failures > 0 {
		c.failures--
		return nil, domain.ErrVersionConflict
	}
	return c.memStore.UpdateGuarded(ctx, id, from, version, upd)
}

func TestSubmitVoucher_LostRaceReleasesSlot(t *testing.T) {
	store := newMemStore()
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	installments := &conflictingInstallments{memStore: store, failures: 1}
	ledger := NewLedgerService(store, LateFeeConfig{Mode: LateFeeFixed, Amount: dec("10.00"), GracePeriod: 3 * 24 * time.Hour}, testLogger())
	svc := NewVoucherService(voucherStoreAdapter{store}, installments, ledger, &fakeNotifier{}, testLogger())

	if _, err := svc.Submit(context.Background(), submitInput("inst-1")); err == nil {
		t.Fatal("expected the lost race to surface as an error")
	}

	// the failed submission must not keep holding the artifact slot
	vouchers, _ := store.ListByInstallment(context.Background(), "inst-1")
	for _, v := range vouchers {
		if v.Status == domain.VoucherPending {
			t.Fatalf("voucher %s still pending after lost race", v.ID)
		}
	}

	if _, err := svc.Submit(context.Background(), submitInput("inst-1")); err != nil {
		t.Fatalf("resubmit after lost race: %v", err)
	}
}

func TestPaidAmountAcrossVoucherHistory(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	v, err := svc.Submit(context.Background(), submitInput("inst-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v.ID, Approve: false, Reason: "monto ilegible", CashierID: 2}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	inst, _ := store.Get(context.Background(), "inst-1")
	if !inst.PaidAmount.IsZero() {
		t.Fatalf("rejection must not record a paid amount, got %s", inst.PaidAmount)
	}

	v2, err := svc.Submit(context.Background(), submitInput("inst-1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v2.ID, Approve: true, CashierID: 2}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	inst, _ = store.Get(context.Background(), "inst-1")
	if !inst.PaidAmount.Equal(dec("500.00")) {
		t.Fatalf("expected paid amount 500.00, got %s", inst.PaidAmount)
	}

	// settled means settled: no later apply may move the amount again
	if _, err := svc.ledger.ApplyApprovedVoucher(context.Background(), inst, v2); !errors.Is(err, domain.ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
	inst, _ = store.Get(context.Background(), "inst-1")
	if !inst.PaidAmount.Equal(dec("500.00")) {
		t.Fatalf("paid amount moved after settlement, got %s", inst.PaidAmount)
	}
}

func TestReplaceVoucher(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	old, err := svc.Submit(context.Background(), submitInput("inst-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	in := submitInput("inst-1")
	in.ArtifactRef = "cd34_recibo_corregido.pdf"
	replacement, err := svc.Replace(context.Background(), old.ID, in)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	stored, _ := store.GetVoucher(context.Background(), old.ID)
	if stored.Status != domain.VoucherReplaced {
		t.Fatalf("expected old voucher replaced, got %s", stored.Status)
	}
	if replacement.Status != domain.VoucherPending {
		t.Fatalf("expected new voucher pending, got %s", replacement.Status)
	}

	// the installment never left paid during the swap
	inst, _ := store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentPaid {
		t.Fatalf("expected installment paid, got %s", inst.Status)
	}
}

func TestReplaceVoucher_AfterDecision(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	v, _ := svc.Submit(context.Background(), submitInput("inst-1"))
	if _, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v.ID, Approve: true, CashierID: 2}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if _, err := svc.Replace(context.Background(), v.ID, submitInput("inst-1")); !errors.Is(err, domain.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestDecideVoucher_Approve(t *testing.T) {
	svc, store, notifier := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	v, _ := svc.Submit(context.Background(), submitInput("inst-1"))

	decided, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v.ID, Approve: true, CashierID: 2})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != domain.VoucherApproved {
		t.Fatalf("expected approved, got %s", decided.Status)
	}

	inst, _ := store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentVerified {
		t.Fatalf("expected installment verified, got %s", inst.Status)
	}
	if !inst.PaidAmount.Equal(dec("500.00")) {
		t.Fatalf("expected paid amount 500.00, got %s", inst.PaidAmount)
	}
	if len(notifier.verified) != 1 {
		t.Fatalf("expected one verified notification, got %d", len(notifier.verified))
	}
}

func TestDecideVoucher_Twice(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	v, _ := svc.Submit(context.Background(), submitInput("inst-1"))
	if _, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v.ID, Approve: true, CashierID: 2}); err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if _, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v.ID, Approve: false, Reason: "x", CashierID: 3}); !errors.Is(err, domain.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestDecideVoucher_RejectRequiresReason(t *testing.T) {
	svc, store, _ := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	v, _ := svc.Submit(context.Background(), submitInput("inst-1"))

	var vErr *domain.ValidationError
	if _, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v.ID, Approve: false, CashierID: 2}); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecideVoucher_RejectThenResubmit(t *testing.T) {
	svc, store, notifier := newVoucherFixture(t)
	store.putInstallment(pendingInstallment("inst-1", "500.00", time.Now()))

	v, _ := svc.Submit(context.Background(), submitInput("inst-1"))

	decided, err := svc.Decide(context.Background(), DecideVoucherInput{VoucherID: v.ID, Approve: false, Reason: "monto ilegible", CashierID: 2})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if decided.Status != domain.VoucherRejected {
		t.Fatalf("expected rejected, got %s", decided.Status)
	}
	if decided.RejectReason == nil || *decided.RejectReason != "monto ilegible" {
		t.Fatal("expected reject reason recorded")
	}
	if len(notifier.rejected) != 1 {
		t.Fatalf("expected one rejected notification, got %d", len(notifier.rejected))
	}

	// rejection frees the installment for a fresh submission
	inst, _ := store.Get(context.Background(), "inst-1")
	if inst.Status != domain.InstallmentPending {
		t.Fatalf("expected installment pending after rejection, got %s", inst.Status)
	}

	if _, err := svc.Submit(context.Background(), submitInput("inst-1")); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}
}
