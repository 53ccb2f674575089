package service

import (
	"context"
	"io"
	"sync"
	"time"

	"tuitionpay/internal/domain"
	"tuitionpay/internal/gateway"
	"tuitionpay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// memStore backs the service tests with the same guard semantics the SQL
// repositories implement: guarded CAS on installments, and mutual exclusion
// between pending vouchers and live charge attempts.
type memStore struct {
	mu           sync.Mutex
	installments map[string]*domain.Installment
	vouchers     map[string]*domain.Voucher
	voucherOrder []string
	charges      map[string]*domain.ChargeAttempt
	chargeOrder  []string
	methods      map[string]*domain.PaymentMethod
}

func newMemStore() *memStore {
	return &memStore{
		installments: make(map[string]*domain.Installment),
		vouchers:     make(map[string]*domain.Voucher),
		charges:      make(map[string]*domain.ChargeAttempt),
		methods:      make(map[string]*domain.PaymentMethod),
	}
}

func (m *memStore) putInstallment(inst *domain.Installment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.installments[inst.ID] = &cp
}

func (m *memStore) Get(ctx context.Context, id string) (*domain.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *memStore) ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Installment
	for _, inst := range m.installments {
		if inst.EnrollmentID == enrollmentID {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (m *memStore) UpdateGuarded(ctx context.Context, id string, from domain.InstallmentStatus, version int64, upd repository.InstallmentUpdate) (*domain.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if inst.Status != from || inst.Version != version {
		return nil, domain.ErrVersionConflict
	}
	inst.Status = upd.Status
	if upd.PaidAmount != nil {
		inst.PaidAmount = *upd.PaidAmount
	}
	if upd.PaidDate != nil {
		inst.PaidDate = upd.PaidDate
	}
	if upd.LateFee != nil {
		inst.LateFee = *upd.LateFee
	}
	inst.Version++
	cp := *inst
	return &cp, nil
}

func (m *memStore) CacheLateFee(ctx context.Context, id string, fee decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.installments[id]; ok && inst.Status == domain.InstallmentPending {
		inst.LateFee = fee
	}
	return nil
}

func (m *memStore) GetVoucher(ctx context.Context, id string) (*domain.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *memStore) ListByInstallment(ctx context.Context, installmentID string) ([]domain.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Voucher
	for _, id := range m.voucherOrder {
		if v := m.vouchers[id]; v.InstallmentID == installmentID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memStore) InsertPending(ctx context.Context, v *domain.Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasArtifactLocked(v.InstallmentID) {
		return domain.ErrDuplicateActiveVoucher
	}
	cp := *v
	cp.Status = domain.VoucherPending
	m.vouchers[v.ID] = &cp
	m.voucherOrder = append(m.voucherOrder, v.ID)
	return nil
}

func (m *memStore) WithdrawVoucher(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[id]
	if !ok || v.Status != domain.VoucherPending {
		return domain.ErrNotFound
	}
	v.Status = domain.VoucherReplaced
	return nil
}

func (m *memStore) ReplaceVoucher(ctx context.Context, oldID string, v *domain.Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.vouchers[oldID]
	if !ok {
		return domain.ErrNotFound
	}
	if old.Status != domain.VoucherPending {
		return domain.ErrAlreadyDecided
	}
	old.Status = domain.VoucherReplaced
	cp := *v
	cp.Status = domain.VoucherPending
	m.vouchers[v.ID] = &cp
	m.voucherOrder = append(m.voucherOrder, v.ID)
	return nil
}

func (m *memStore) DecideVoucher(ctx context.Context, id string, status domain.VoucherStatus, reason *string, decidedBy int64) (*domain.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if v.Status != domain.VoucherPending {
		return nil, domain.ErrAlreadyDecided
	}
	now := time.Now()
	v.Status = status
	v.RejectReason = reason
	v.DecidedBy = &decidedBy
	v.DecidedAt = &now
	cp := *v
	return &cp, nil
}

func (m *memStore) GetCharge(ctx context.Context, id string) (*domain.ChargeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.charges[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) FindByKey(ctx context.Context, key string) (*domain.ChargeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.chargeOrder) - 1; i >= 0; i-- {
		if a := m.charges[m.chargeOrder[i]]; a.IdempotencyKey == key {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) InsertActive(ctx context.Context, a *domain.ChargeAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasArtifactLocked(a.InstallmentID) {
		return domain.ErrChargeInFlight
	}
	cp := *a
	cp.Status = domain.ChargeInitiated
	m.charges[a.ID] = &cp
	m.chargeOrder = append(m.chargeOrder, a.ID)
	a.Status = domain.ChargeInitiated
	return nil
}

func (m *memStore) Transition(ctx context.Context, id string, from domain.ChargeStatus, upd repository.ChargeUpdate) (*domain.ChargeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.charges[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if a.Status != from {
		return nil, domain.ErrInvalidStateTransition
	}
	a.Status = upd.Status
	if upd.GatewayChargeID != nil {
		a.GatewayChargeID = upd.GatewayChargeID
	}
	if upd.DeclineCode != nil {
		a.DeclineCode = upd.DeclineCode
	}
	if upd.FailReason != nil {
		a.FailReason = upd.FailReason
	}
	cp := *a
	return &cp, nil
}

// hasArtifactLocked reports whether the installment already holds its single
// artifact slot: a pending voucher or a live charge attempt.
func (m *memStore) hasArtifactLocked(installmentID string) bool {
	for _, v := range m.vouchers {
		if v.InstallmentID == installmentID && v.Status == domain.VoucherPending {
			return true
		}
	}
	for _, a := range m.charges {
		if a.InstallmentID == installmentID {
			switch a.Status {
			case domain.ChargeInitiated, domain.ChargeRequiresChallenge:
				return true
			}
		}
	}
	return false
}

func (m *memStore) GetMethod(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.methods[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *pm
	return &cp, nil
}

func (m *memStore) ListByStudent(ctx context.Context, studentID int64) ([]domain.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentMethod
	for _, pm := range m.methods {
		if pm.StudentID == studentID {
			out = append(out, *pm)
		}
	}
	return out, nil
}

func (m *memStore) Insert(ctx context.Context, pm *domain.PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pm
	m.methods[pm.ID] = &cp
	return nil
}

// Adapters so one memStore serves every store interface despite the
// overlapping method names.

type voucherStoreAdapter struct{ *memStore }

func (a voucherStoreAdapter) Get(ctx context.Context, id string) (*domain.Voucher, error) {
	return a.GetVoucher(ctx, id)
}

func (a voucherStoreAdapter) Withdraw(ctx context.Context, id string) error {
	return a.WithdrawVoucher(ctx, id)
}

func (a voucherStoreAdapter) Replace(ctx context.Context, oldID string, v *domain.Voucher) error {
	return a.ReplaceVoucher(ctx, oldID, v)
}

func (a voucherStoreAdapter) Decide(ctx context.Context, id string, status domain.VoucherStatus, reason *string, decidedBy int64) (*domain.Voucher, error) {
	return a.DecideVoucher(ctx, id, status, reason, decidedBy)
}

type chargeStoreAdapter struct{ *memStore }

func (a chargeStoreAdapter) Get(ctx context.Context, id string) (*domain.ChargeAttempt, error) {
	return a.GetCharge(ctx, id)
}

type methodStoreAdapter struct{ *memStore }

func (a methodStoreAdapter) Get(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	return a.GetMethod(ctx, id)
}

// fakeNotifier records every notification, guarded for concurrent tests.
type fakeNotifier struct {
	mu        sync.Mutex
	verified  []string
	rejected  []string
	confirmed []string
	failed    []string
}

func (n *fakeNotifier) PaymentVerified(ctx context.Context, studentID int64, installmentID string, amount decimal.Decimal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verified = append(n.verified, installmentID)
	return nil
}

func (n *fakeNotifier) PaymentRejected(ctx context.Context, studentID int64, installmentID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, installmentID)
	return nil
}

func (n *fakeNotifier) ChargeConfirmed(ctx context.Context, studentID int64, installmentID string, amount decimal.Decimal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, installmentID)
	return nil
}

func (n *fakeNotifier) ChargeFailed(ctx context.Context, studentID int64, installmentID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, installmentID)
	return nil
}

// fakeGateway scripts outcomes per token and counts submissions, so tests can
// assert that an idempotent replay never reached the gateway twice.
type fakeGateway struct {
	mu          sync.Mutex
	outcomes    map[string]*gateway.Outcome
	authOutcome *gateway.Outcome
	chargeCalls int
	authCalls   int
	err         error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{outcomes: make(map[string]*gateway.Outcome)}
}

func (g *fakeGateway) Tokenize(ctx context.Context, card gateway.CardDetails) (*gateway.Token, error) {
	if g.err != nil {
		return nil, g.err
	}
	last4 := card.Number
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}
	return &gateway.Token{
		ID:       "tkn_" + last4,
		Brand:    "visa",
		Last4:    last4,
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
		CardID:   "crd_" + last4,
	}, nil
}

func (g *fakeGateway) Charge(ctx context.Context, tokenRef string, amount decimal.Decimal, idempotencyKey string) (*gateway.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeCalls++
	if g.err != nil {
		return nil, g.err
	}
	if o, ok := g.outcomes[tokenRef]; ok {
		return o, nil
	}
	return &gateway.Outcome{Kind: gateway.OutcomeSuccess, ChargeID: "chg_" + tokenRef}, nil
}

func (g *fakeGateway) ChargeWithAuth(ctx context.Context, tokenRef string, amount decimal.Decimal, idempotencyKey string, proof gateway.AuthProof) (*gateway.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authCalls++
	if g.err != nil {
		return nil, g.err
	}
	if g.authOutcome != nil {
		return g.authOutcome, nil
	}
	return &gateway.Outcome{Kind: gateway.OutcomeSuccess, ChargeID: "chg_auth_" + tokenRef}, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}
