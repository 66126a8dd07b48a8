package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/config"
	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/internal/store"
	"github.com/OrigemSolution/sharePlan/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sk_test_secret"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeProvider stands in for the payment gateway. Verify reports success unless
// a status or error was configured for the reference.
type fakeProvider struct {
	mu          sync.Mutex
	initErr     error
	verifyErrs  []error
	statuses    map[string]string
	amounts     map[string]int64
	initialized []CheckoutRequest
	verifyCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statuses: map[string]string{}, amounts: map[string]int64{}}
}

func (p *fakeProvider) Initialize(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initErr != nil {
		return nil, p.initErr
	}
	p.initialized = append(p.initialized, req)
	return &Checkout{AuthorizationURL: "https://checkout.test/" + req.Reference, Reference: req.Reference}, nil
}

func (p *fakeProvider) Verify(ctx context.Context, reference string) (*Verification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyCalls++
	if len(p.verifyErrs) > 0 {
		err := p.verifyErrs[0]
		p.verifyErrs = p.verifyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	status, ok := p.statuses[reference]
	if !ok {
		status = "success"
	}
	return &Verification{
		Reference: reference,
		Status:    status,
		Amount:    p.amounts[reference],
		Channel:   "card",
	}, nil
}

func (p *fakeProvider) setStatus(reference, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[reference] = status
}

func (p *fakeProvider) initCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.initialized)
}

type harness struct {
	repo     *storetest.Store
	provider *fakeProvider
	svc      *Service
	service  domain.Service
	creator  domain.User
}

func testConfig() config.Config {
	return config.Config{
		EventsExchange:              "shareplan.events",
		PaymentCurrency:             "NGN",
		PaystackSecretKey:           testSecret,
		GuestFlatFeeKobo:            5000,
		CreatorDiscountPercent:      10,
		SlotExpiryDays:              3,
		GuestJoinRateLimitPerMinute: 10,
		TrendingWindowDays:          7,
		TrendingLimit:               6,
		PendingPaymentMinAgeMinutes: 10,
		PendingPaymentAbandonHours:  24,
	}
}

func newHarness(t *testing.T, capacity int, price int64) *harness {
	t.Helper()
	repo := storetest.New()
	provider := newFakeProvider()
	svc := newServiceWithClock(repo, provider, testConfig(), func() time.Time { return fixedNow })
	svc.verifyBackoff = time.Millisecond

	service := repo.SeedService(domain.Service{
		Name:     "Streaming Premium",
		Price:    decimal.NewFromInt(price),
		Capacity: capacity,
		IsActive: true,
	})
	creator := repo.SeedUser(domain.User{
		ClerkUserID: "user_creator",
		Email:       "creator@example.com",
		FullName:    "Creator One",
	})
	return &harness{repo: repo, provider: provider, svc: svc, service: service, creator: creator}
}

func (h *harness) createSlot(t *testing.T) *domain.CreateSlotResponse {
	t.Helper()
	resp, err := h.svc.CreateSlot(context.Background(), &h.creator, domain.CreateSlotRequest{
		ServiceID: h.service.ID.String(),
		Duration:  1,
	})
	require.NoError(t, err)
	return resp
}

// activeSlot creates a slot and confirms the creator's payment.
func (h *harness) activeSlot(t *testing.T) *domain.Slot {
	t.Helper()
	created := h.createSlot(t)
	resp, err := h.svc.ConfirmPayment(context.Background(), &h.creator, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    created.Slot.ID.String(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.ReconcileApplied, resp.Outcome)
	require.True(t, resp.Slot.IsActive)
	return resp.Slot
}

func (h *harness) join(t *testing.T, slotID uuid.UUID, email string) *domain.JoinSlotResponse {
	t.Helper()
	resp, err := h.svc.JoinAsGuest(context.Background(), slotID, domain.JoinSlotRequest{Name: "Guest", Email: email})
	require.NoError(t, err)
	return resp
}

func (h *harness) confirmGuest(slotID uuid.UUID, reference, email string) (*domain.ConfirmPaymentResponse, error) {
	return h.svc.ConfirmGuestPayment(context.Background(), domain.ConfirmPaymentRequest{
		Reference: reference,
		SlotID:    slotID.String(),
		Email:     email,
	})
}

func (h *harness) paidMembers(slotID uuid.UUID) int {
	paid := 0
	for _, m := range h.repo.Members(slotID) {
		if m.Paid() {
			paid++
		}
	}
	return paid
}

func TestCreateSlot(t *testing.T) {
	h := newHarness(t, 3, 1000)

	resp := h.createSlot(t)

	require.NotNil(t, resp.Slot)
	assert.False(t, resp.Slot.IsActive)
	assert.Equal(t, domain.SlotStatusOpen, resp.Slot.Status)
	assert.Equal(t, "300", resp.Amount.String())
	assert.Equal(t, int64(30000), resp.AmountMinor)
	assert.Equal(t, "383.33", resp.Slot.GuestAmount.String())
	assert.Equal(t, "50", resp.Slot.GuestFee.String())
	assert.Equal(t, "https://checkout.test/"+resp.Reference, resp.AuthorizationURL)
	assert.True(t, resp.Slot.ExpiresAt.Equal(fixedNow.Add(72*time.Hour)))

	require.Len(t, h.provider.initialized, 1)
	assert.Equal(t, int64(30000), h.provider.initialized[0].AmountMinor)
	assert.Equal(t, "creator@example.com", h.provider.initialized[0].Email)
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotCreated), 1)
}

func TestCreateSlotUsesPlatformSettings(t *testing.T) {
	h := newHarness(t, 4, 1000)
	h.repo.SetPlatformSettings(&domain.PlatformSettings{
		GuestFlatFee:           decimal.NewFromInt(100),
		CreatorDiscountPercent: decimal.NewFromInt(50),
	})

	resp := h.createSlot(t)
	assert.Equal(t, "125", resp.Amount.String())
	assert.Equal(t, "350", resp.Slot.GuestAmount.String())
}

func TestCreateSlotRejections(t *testing.T) {
	t.Run("unverified creator", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		pending := h.repo.SeedUser(domain.User{Email: "new@example.com", Status: domain.UserStatusPending})

		_, err := h.svc.CreateSlot(context.Background(), &pending, domain.CreateSlotRequest{ServiceID: h.service.ID.String(), Duration: 1})
		assert.ErrorIs(t, err, domain.ErrCreatorNotVerified)
	})

	t.Run("inactive service", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		inactive := h.repo.SeedService(domain.Service{Name: "Retired", Price: decimal.NewFromInt(500), Capacity: 2})

		_, err := h.svc.CreateSlot(context.Background(), &h.creator, domain.CreateSlotRequest{ServiceID: inactive.ID.String(), Duration: 1})
		assert.ErrorIs(t, err, domain.ErrServiceInactive)
	})

	t.Run("unknown service", func(t *testing.T) {
		h := newHarness(t, 3, 1000)

		_, err := h.svc.CreateSlot(context.Background(), &h.creator, domain.CreateSlotRequest{ServiceID: uuid.NewString(), Duration: 1})
		assert.ErrorIs(t, err, domain.ErrServiceNotFound)
	})
}

func TestCreateSlotCompensatesWhenProviderFails(t *testing.T) {
	h := newHarness(t, 3, 1000)
	h.provider.initErr = domain.ErrProviderUnavailable

	_, err := h.svc.CreateSlot(context.Background(), &h.creator, domain.CreateSlotRequest{ServiceID: h.service.ID.String(), Duration: 1})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	slots, err := h.repo.ListVisibleSlots(context.Background(), &h.creator.ID, domain.SlotListOptions{})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, domain.SlotStatusCancelled, slots[0].Status)

	payments := h.repo.Payments(slots[0].ID)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.ChargeStatusFailed, payments[0].Status)
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotCancelled), 1)
	assert.Len(t, h.repo.EventsWithKey(domain.EventPaymentFailed), 1)
}

func TestFreeSlotIsActivatedWithoutProvider(t *testing.T) {
	h := newHarness(t, 3, 0)

	resp := h.createSlot(t)

	assert.True(t, resp.Slot.IsActive)
	assert.Empty(t, resp.AuthorizationURL)
	assert.Zero(t, h.provider.initCount())
	assert.Equal(t, 1, h.paidMembers(resp.Slot.ID))
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotActivated), 1)
}

func TestConfirmPaymentActivatesSlot(t *testing.T) {
	h := newHarness(t, 3, 1000)
	created := h.createSlot(t)

	resp, err := h.svc.ConfirmPayment(context.Background(), &h.creator, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    created.Slot.ID.String(),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ReconcileApplied, resp.Outcome)
	assert.Equal(t, domain.ChargeStatusSuccess, resp.PaymentStatus)
	assert.True(t, resp.Slot.IsActive)
	assert.Equal(t, domain.MemberPaymentPaid, resp.Slot.PaymentStatus)
	assert.Equal(t, 1, resp.Slot.CurrentMembers)
	require.NotNil(t, resp.Member)
	assert.True(t, resp.Member.Paid())
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotActivated), 1)
}

func TestConfirmPaymentChecksOwnershipAndTarget(t *testing.T) {
	h := newHarness(t, 3, 1000)
	created := h.createSlot(t)
	stranger := h.repo.SeedUser(domain.User{Email: "other@example.com"})

	_, err := h.svc.ConfirmPayment(context.Background(), &stranger, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    created.Slot.ID.String(),
	})
	assert.ErrorIs(t, err, domain.ErrPaymentNotOwned)

	_, err = h.svc.ConfirmPayment(context.Background(), &h.creator, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    uuid.NewString(),
	})
	assert.ErrorIs(t, err, domain.ErrPaymentTargetMismatch)

	_, err = h.svc.ConfirmPayment(context.Background(), &h.creator, domain.ConfirmPaymentRequest{
		Reference: "SP_unknown",
		SlotID:    created.Slot.ID.String(),
	})
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestConfirmPaymentLeavesPendingChargeAlone(t *testing.T) {
	h := newHarness(t, 3, 1000)
	created := h.createSlot(t)
	h.provider.setStatus(created.Reference, "ongoing")

	resp, err := h.svc.ConfirmPayment(context.Background(), &h.creator, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    created.Slot.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcilePending, resp.Outcome)
	assert.Equal(t, domain.ChargeStatusPending, resp.PaymentStatus)
	assert.False(t, resp.Slot.IsActive)
}

func TestJoinAsGuestRequiresActiveSlot(t *testing.T) {
	h := newHarness(t, 3, 1000)
	created := h.createSlot(t)

	_, err := h.svc.JoinAsGuest(context.Background(), created.Slot.ID, domain.JoinSlotRequest{Name: "Guest", Email: "guest@example.com"})
	assert.ErrorIs(t, err, domain.ErrSlotInactive)

	_, err = h.svc.JoinAsGuest(context.Background(), uuid.New(), domain.JoinSlotRequest{Name: "Guest", Email: "guest@example.com"})
	assert.ErrorIs(t, err, domain.ErrSlotNotFound)
}

func TestGuestJoinAndConfirm(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)

	joined := h.join(t, slot.ID, "Guest@Example.com")
	assert.Equal(t, int64(38333), joined.AmountMinor)
	assert.Equal(t, "383.33", joined.Amount.String())
	assert.NotEmpty(t, joined.AuthorizationURL)

	resp, err := h.confirmGuest(slot.ID, joined.Reference, "guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileApplied, resp.Outcome)
	assert.Equal(t, 2, resp.Slot.CurrentMembers)
	assert.Equal(t, domain.SlotStatusOpen, resp.Slot.Status)

	again, err := h.confirmGuest(slot.ID, joined.Reference, "guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileAlreadyProcessed, again.Outcome)
	assert.Equal(t, 2, again.Slot.CurrentMembers)
	assert.Equal(t, 2, h.paidMembers(slot.ID))
	assert.Len(t, h.repo.EventsWithKey(domain.EventPaymentSucceeded), 2)
}

func TestGuestConfirmRequiresMatchingEmail(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)
	joined := h.join(t, slot.ID, "guest@example.com")

	_, err := h.confirmGuest(slot.ID, joined.Reference, "someone@example.com")
	assert.ErrorIs(t, err, domain.ErrPaymentNotOwned)

	_, err = h.confirmGuest(slot.ID, joined.Reference, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestGuestWithPaidEmailCannotJoinAgain(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)
	joined := h.join(t, slot.ID, "guest@example.com")
	_, err := h.confirmGuest(slot.ID, joined.Reference, "guest@example.com")
	require.NoError(t, err)
	paymentsBefore := len(h.repo.Payments(slot.ID))

	_, err = h.svc.JoinAsGuest(context.Background(), slot.ID, domain.JoinSlotRequest{Name: "Guest", Email: " GUEST@example.com"})
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
	assert.Len(t, h.repo.Payments(slot.ID), paymentsBefore)
}

func TestFailedGuestPaymentIsRetriedOnSameMember(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)
	first := h.join(t, slot.ID, "guest@example.com")
	h.provider.setStatus(first.Reference, "failed")

	resp, err := h.confirmGuest(slot.ID, first.Reference, "guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileFailed, resp.Outcome)
	assert.Equal(t, domain.ChargeStatusFailed, resp.PaymentStatus)
	assert.False(t, resp.Member.Paid())

	second := h.join(t, slot.ID, "guest@example.com")
	assert.True(t, second.Reused)
	assert.Equal(t, first.MemberID, second.MemberID)
	assert.NotEqual(t, first.Reference, second.Reference)

	resp, err = h.confirmGuest(slot.ID, second.Reference, "guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileApplied, resp.Outcome)
	assert.Equal(t, 2, h.paidMembers(slot.ID))
}

func TestStalePaymentForPaidMemberIsFlaggedForRefund(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)
	first := h.join(t, slot.ID, "guest@example.com")
	second := h.join(t, slot.ID, "guest@example.com")

	_, err := h.confirmGuest(slot.ID, second.Reference, "guest@example.com")
	require.NoError(t, err)

	resp, err := h.confirmGuest(slot.ID, first.Reference, "guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileDuplicate, resp.Outcome)
	assert.Equal(t, 2, h.paidMembers(slot.ID))
	assert.Len(t, h.repo.EventsWithKey(domain.EventPaymentRefundRequired), 1)
}

func TestCapacityOneSlotCompletesOnCreatorPayment(t *testing.T) {
	h := newHarness(t, 1, 1000)
	created := h.createSlot(t)

	resp, err := h.svc.ConfirmPayment(context.Background(), &h.creator, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    created.Slot.ID.String(),
	})
	require.NoError(t, err)
	assert.True(t, resp.Slot.IsActive)
	assert.Equal(t, domain.SlotStatusCompleted, resp.Slot.Status)
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotActivated), 1)
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotCompleted), 1)

	payout, err := h.repo.FindPayoutBySlotID(context.Background(), created.Slot.ID)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Zero(t, payout.TotalAmount)
}

func TestCompletedSlotRecordsCreatorPayout(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		joined := h.join(t, slot.ID, email)
		_, err := h.confirmGuest(slot.ID, joined.Reference, email)
		require.NoError(t, err)
	}

	stored, err := h.repo.FindSlotByID(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlotStatusCompleted, stored.Status)

	payout, err := h.repo.FindPayoutBySlotID(context.Background(), slot.ID)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, int64(2*38333), payout.TotalAmount)
	assert.Equal(t, int64(2*5000), payout.PlatformFee)
	assert.Equal(t, int64(2*38333-2*5000), payout.NetAmount)
	assert.Equal(t, domain.PayoutStatusPending, payout.Status)

	_, err = h.svc.JoinAsGuest(context.Background(), slot.ID, domain.JoinSlotRequest{Name: "Late", Email: "late@example.com"})
	assert.ErrorIs(t, err, domain.ErrSlotFull)
}

func TestConcurrentGuestsNeverExceedCapacity(t *testing.T) {
	h := newHarness(t, 2, 1000)
	slot := h.activeSlot(t)

	const guests = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < guests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := uuid.NewString() + "@example.com"
			joined, err := h.svc.JoinAsGuest(context.Background(), slot.ID, domain.JoinSlotRequest{Name: "Guest", Email: email})
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrSlotFull)
				return
			}
			resp, err := h.confirmGuest(slot.ID, joined.Reference, email)
			if !assert.NoError(t, err) {
				return
			}
			if resp.Outcome == domain.ReconcileApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			} else {
				assert.Equal(t, domain.ReconcileOverflow, resp.Outcome)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 2, h.paidMembers(slot.ID))
	stored, err := h.repo.FindSlotByID(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SlotStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.CurrentMembers)
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotCompleted), 1)
}

func TestWebhookAndConfirmRaceSettleOnce(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)
	joined := h.join(t, slot.ID, "guest@example.com")
	body := chargeSuccessBody(joined.Reference, joined.AmountMinor)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := h.svc.HandleProviderWebhook(context.Background(), body, signBody(body))
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := h.confirmGuest(slot.ID, joined.Reference, "guest@example.com")
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, 2, h.paidMembers(slot.ID))
	stored, err := h.repo.FindSlotByID(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentMembers)

	for _, p := range h.repo.Payments(slot.ID) {
		assert.Equal(t, domain.ChargeStatusSuccess, p.Status)
	}
	// One for the creator, one for the guest.
	assert.Len(t, h.repo.EventsWithKey(domain.EventPaymentSucceeded), 2)
}

func TestReconcile(t *testing.T) {
	t.Run("unauthenticated outcome is refused", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		created := h.createSlot(t)

		_, err := h.svc.Reconcile(context.Background(), created.Reference, domain.ChargeOutcome{Success: true, Source: "client"})
		assert.ErrorIs(t, err, domain.ErrUnverifiedOutcome)
		assert.Equal(t, domain.ChargeStatusPending, h.repo.Payments(created.Slot.ID)[0].Status)
	})

	t.Run("underpayment fails the charge", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		created := h.createSlot(t)

		result, err := h.svc.Reconcile(context.Background(), created.Reference, domain.ChargeOutcome{
			Success: true,
			Amount:  100,
			Source:  domain.OutcomeSourceProviderVerify,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.ReconcileFailed, result.Outcome)
		assert.Equal(t, "amount_mismatch", result.Payment.Metadata["failure_reason"])
		assert.False(t, result.Slot.IsActive)
	})

	t.Run("same reference twice applies once", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		created := h.createSlot(t)
		outcome := domain.ChargeOutcome{Success: true, Channel: "bank", Source: domain.OutcomeSourceSignedWebhook}

		first, err := h.svc.Reconcile(context.Background(), created.Reference, outcome)
		require.NoError(t, err)
		second, err := h.svc.Reconcile(context.Background(), created.Reference, outcome)
		require.NoError(t, err)

		assert.Equal(t, domain.ReconcileApplied, first.Outcome)
		assert.Equal(t, domain.ReconcileAlreadyProcessed, second.Outcome)
		assert.Equal(t, "bank", second.Payment.Channel)
		assert.Equal(t, first.Slot.CurrentMembers, second.Slot.CurrentMembers)
		assert.Len(t, h.repo.EventsWithKey(domain.EventPaymentSucceeded), 1)
		assert.Len(t, h.repo.EventsWithKey(domain.EventSlotActivated), 1)
	})

	t.Run("payment on cancelled slot is flagged for refund", func(t *testing.T) {
		h := newHarness(t, 3, 1000)
		created := h.createSlot(t)
		require.NoError(t, h.svc.CancelSlot(context.Background(), &h.creator, created.Slot.ID))

		result, err := h.svc.Reconcile(context.Background(), created.Reference, domain.ChargeOutcome{Success: true, Source: domain.OutcomeSourceSignedWebhook})
		require.NoError(t, err)
		assert.Equal(t, domain.ReconcileOverflow, result.Outcome)
		assert.Equal(t, domain.ChargeStatusSuccess, result.Payment.Status)
		assert.False(t, result.Member.Paid())
		assert.Len(t, h.repo.EventsWithKey(domain.EventPaymentRefundRequired), 1)
	})
}

func TestVerifyIsRetriedOnceOnTransientFailure(t *testing.T) {
	h := newHarness(t, 3, 1000)
	created := h.createSlot(t)
	h.provider.verifyErrs = []error{domain.ErrProviderUnavailable}

	resp, err := h.svc.ConfirmPayment(context.Background(), &h.creator, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    created.Slot.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileApplied, resp.Outcome)
	assert.Equal(t, 2, h.provider.verifyCalls)

	h2 := newHarness(t, 3, 1000)
	created = h2.createSlot(t)
	h2.provider.verifyErrs = []error{domain.ErrProviderUnavailable, domain.ErrProviderUnavailable}
	_, err = h2.svc.ConfirmPayment(context.Background(), &h2.creator, domain.ConfirmPaymentRequest{
		Reference: created.Reference,
		SlotID:    created.Slot.ID.String(),
	})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, 2, h2.provider.verifyCalls)
}

func TestGuestJoinIsRateLimited(t *testing.T) {
	h := newHarness(t, 3, 1000)
	h.svc.config.GuestJoinRateLimitPerMinute = 1
	h.svc.SetRateLimiter(NewLocalRateLimiter())
	slot := h.activeSlot(t)

	h.join(t, slot.ID, "guest@example.com")
	_, err := h.svc.JoinAsGuest(context.Background(), slot.ID, domain.JoinSlotRequest{Name: "Guest", Email: "guest@example.com"})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var typed *domain.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, 60, typed.RetryAfter)

	// A different email has its own budget.
	h.join(t, slot.ID, "other@example.com")
}

func TestUpdateAndCancelRequireOwner(t *testing.T) {
	h := newHarness(t, 3, 1000)
	created := h.createSlot(t)
	stranger := h.repo.SeedUser(domain.User{Email: "other@example.com"})
	duration := 2

	_, err := h.svc.UpdateSlot(context.Background(), &stranger, created.Slot.ID, domain.UpdateSlotRequest{Duration: &duration})
	assert.ErrorIs(t, err, domain.ErrNotSlotOwner)
	assert.ErrorIs(t, h.svc.CancelSlot(context.Background(), &stranger, created.Slot.ID), domain.ErrNotSlotOwner)

	updated, err := h.svc.UpdateSlot(context.Background(), &h.creator, created.Slot.ID, domain.UpdateSlotRequest{Duration: &duration})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Duration)
	assert.Equal(t, "766.67", updated.GuestAmount.String())
	assert.Equal(t, "600", updated.CreatorAmount.String())

	admin := h.repo.SeedUser(domain.User{Email: "admin@example.com", IsAdmin: true})
	require.NoError(t, h.svc.CancelSlot(context.Background(), &admin, created.Slot.ID))
	require.NoError(t, h.svc.CancelSlot(context.Background(), &admin, created.Slot.ID))
	assert.Len(t, h.repo.EventsWithKey(domain.EventSlotCancelled), 1)
}

func TestGetSlotVisibility(t *testing.T) {
	h := newHarness(t, 3, 1000)
	created := h.createSlot(t)
	stranger := h.repo.SeedUser(domain.User{Email: "other@example.com"})

	_, err := h.svc.GetSlot(context.Background(), &stranger, created.Slot.ID)
	assert.ErrorIs(t, err, domain.ErrSlotNotFound)
	_, err = h.svc.GetSlot(context.Background(), nil, created.Slot.ID)
	assert.ErrorIs(t, err, domain.ErrSlotNotFound)

	own, err := h.svc.GetSlot(context.Background(), &h.creator, created.Slot.ID)
	require.NoError(t, err)
	assert.Equal(t, "Streaming Premium", own.ServiceName)
	require.Len(t, own.Members, 1)
	assert.Equal(t, "creator@example.com", own.Members[0].Email)

	slot := h.activeSlot(t)
	h.join(t, slot.ID, "pending@example.com")

	public, err := h.svc.GetSlot(context.Background(), nil, slot.ID)
	require.NoError(t, err)
	require.Len(t, public.Members, 1)
	assert.Empty(t, public.Members[0].Email)
	assert.Equal(t, "Creator One", public.Members[0].Name)
	assert.True(t, public.IsAvailable)
	assert.Equal(t, 2, public.RemainingSpots)
	assert.Equal(t, "383.33", public.GuestPrice.String())
}

func TestStaleMemberCountDoesNotBlockJoins(t *testing.T) {
	h := newHarness(t, 3, 1000)
	slot := h.activeSlot(t)

	err := h.repo.InTx(context.Background(), func(tx store.Tx) error {
		locked, err := tx.LockSlot(context.Background(), slot.ID)
		if err != nil {
			return err
		}
		locked.CurrentMembers = locked.Capacity
		return tx.UpdateSlot(context.Background(), locked)
	})
	require.NoError(t, err)

	public, err := h.svc.GetSlot(context.Background(), nil, slot.ID)
	require.NoError(t, err)
	assert.False(t, public.IsAvailable)
	assert.Zero(t, public.RemainingSpots)

	joined := h.join(t, slot.ID, "guest@example.com")
	resp, err := h.confirmGuest(slot.ID, joined.Reference, "guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileApplied, resp.Outcome)
	assert.Equal(t, 2, h.paidMembers(slot.ID))
	assert.Equal(t, domain.SlotStatusOpen, resp.Slot.Status)
}

func TestListSlotsShowsActiveAndOwn(t *testing.T) {
	h := newHarness(t, 3, 1000)
	h.createSlot(t)
	h.activeSlot(t)

	public, err := h.svc.ListSlots(context.Background(), nil, domain.SlotListOptions{})
	require.NoError(t, err)
	assert.Len(t, public, 1)

	own, err := h.svc.ListSlots(context.Background(), &h.creator, domain.SlotListOptions{})
	require.NoError(t, err)
	assert.Len(t, own, 2)
}

func TestListServiceQuotes(t *testing.T) {
	h := newHarness(t, 5, 1000)

	quotes, err := h.svc.ListServiceQuotes(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "180", quotes[0].CreatorPrice.String())
	assert.Equal(t, "250", quotes[0].GuestPrice.String())
}
