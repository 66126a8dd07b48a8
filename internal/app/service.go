/**
 * @description
 * This file contains the core business logic for the slot service. The `Service`
 * struct orchestrates slot creation, guest joins and slot maintenance, coordinating
 * the database repository, the membership ledger, the slot state machine and the
 * payment provider.
 *
 * Key features:
 * - Every mutation of a slot runs in one unit of work holding the slot's row lock.
 * - Provider calls happen only after the pending records were committed; a failed
 *   call is compensated in a new unit of work.
 * - Domain events are written to the outbox in the same unit of work as the change.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain, internal/store, internal/ledger, internal/lifecycle, internal/pricing
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/config"
	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/internal/ledger"
	"github.com/OrigemSolution/sharePlan/internal/lifecycle"
	"github.com/OrigemSolution/sharePlan/internal/pricing"
	"github.com/OrigemSolution/sharePlan/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	guestJoinRateLimitScope = "guest_join"
	defaultVerifyBackoff    = 250 * time.Millisecond
	compensationTimeout     = 10 * time.Second
	waiverChannel           = "waiver"
	maxTrendingDays         = 90
	maxTrendingLimit        = 50
)

// Service provides the core business logic for slots and their payments.
type Service struct {
	repo          store.Repository
	provider      PaymentProvider
	ledger        *ledger.Ledger
	machine       *lifecycle.Machine
	limiter       RateLimiter
	config        config.Config
	now           func() time.Time
	verifyBackoff time.Duration
}

// NewService creates a new slot service instance.
func NewService(repo store.Repository, provider PaymentProvider, cfg config.Config) *Service {
	now := func() time.Time { return time.Now().UTC() }
	return newServiceWithClock(repo, provider, cfg, now)
}

func newServiceWithClock(repo store.Repository, provider PaymentProvider, cfg config.Config, now func() time.Time) *Service {
	l := ledger.NewWithClock(now)
	if strings.TrimSpace(cfg.EventsExchange) == "" {
		cfg.EventsExchange = "shareplan.events"
	}
	if strings.TrimSpace(cfg.PaymentCurrency) == "" {
		cfg.PaymentCurrency = "NGN"
	}
	return &Service{
		repo:          repo,
		provider:      provider,
		ledger:        l,
		machine:       lifecycle.NewWithClock(l, now),
		config:        cfg,
		now:           now,
		verifyBackoff: defaultVerifyBackoff,
	}
}

// SetRateLimiter installs the limiter used for guest joins.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// ResolveUser converts a Clerk user id (e.g. "user_abc123") into the internal user record.
func (s *Service) ResolveUser(ctx context.Context, clerkUserID string) (*domain.User, error) {
	if strings.TrimSpace(clerkUserID) == "" {
		return nil, domain.ErrUserNotFound
	}
	return s.repo.FindUserByClerkUserID(ctx, clerkUserID)
}

// CreateSlot opens a slot for a verified creator and starts the creator's charge.
func (s *Service) CreateSlot(ctx context.Context, user *domain.User, req domain.CreateSlotRequest) (*domain.CreateSlotResponse, error) {
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	if user.Status != domain.UserStatusVerified {
		return nil, domain.ErrCreatorNotVerified
	}
	serviceID, err := uuid.Parse(strings.TrimSpace(req.ServiceID))
	if err != nil {
		return nil, domain.Validation("service_id must be a valid UUID")
	}
	if req.Duration < 1 {
		return nil, domain.ErrInvalidDuration
	}

	service, err := s.repo.FindServiceByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !service.IsActive {
		return nil, domain.ErrServiceInactive
	}

	amounts, err := s.quote(ctx, service, req.Duration)
	if err != nil {
		return nil, err
	}
	creatorMinor := pricing.ToMinorUnits(amounts.Creator)
	reference := newReference()
	email := strings.TrimSpace(user.Email)
	if email == "" {
		return nil, domain.Validation("your account has no email address")
	}

	var (
		slot   *domain.Slot
		joined *ledger.JoinResult
	)
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		slot, joined, err = s.machine.Create(ctx, tx, lifecycle.CreateParams{
			Service:   service,
			CreatorID: user.ID,
			Creator:   ledger.Identity{Name: user.FullName, Email: email},
			Duration:  req.Duration,
			Amounts:   amounts,
			ExpiresAt: s.now().Add(s.slotExpiry()),
			Charge: ledger.Charge{
				Reference: reference,
				Amount:    creatorMinor,
				Currency:  s.config.PaymentCurrency,
				Metadata:  map[string]interface{}{"purpose": "slot_creation"},
			},
		})
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, domain.EventSlotCreated, domain.NewSlotEvent(slot, 0, "", s.now())); err != nil {
			return err
		}
		if creatorMinor > 0 {
			return nil
		}
		// Nothing to charge: settle the creator's payment in the same unit of work.
		joined.Payment.Channel = waiverChannel
		var result domain.ReconcileResult
		return s.applyPaid(ctx, tx, slot, joined.Member, joined.Payment, &result)
	})
	if err != nil {
		log.Printf("level=warn component=service flow=create_slot msg=\"slot creation failed\" service_id=%s creator_id=%s err=%v", serviceID, user.ID, err)
		return nil, err
	}

	resp := &domain.CreateSlotResponse{
		Slot:        slot,
		Reference:   reference,
		Amount:      amounts.Creator,
		AmountMinor: creatorMinor,
	}
	if creatorMinor == 0 {
		log.Printf("level=info component=service flow=create_slot msg=\"slot created without charge\" slot_id=%s", slot.ID)
		return resp, nil
	}

	checkout, err := s.provider.Initialize(ctx, CheckoutRequest{
		Email:       email,
		AmountMinor: creatorMinor,
		Currency:    s.config.PaymentCurrency,
		Reference:   reference,
		CallbackURL: s.config.PaystackCallbackURL,
		Metadata:    joined.Payment.Metadata,
	})
	if err != nil {
		log.Printf("level=warn component=service flow=create_slot msg=\"provider initialize failed\" slot_id=%s reference=%s err=%v", slot.ID, reference, err)
		s.compensate(ctx, reference, true, "initialize_failed")
		return nil, err
	}

	resp.AuthorizationURL = checkout.AuthorizationURL
	log.Printf("level=info component=service flow=create_slot msg=\"slot created\" slot_id=%s reference=%s amount_minor=%d", slot.ID, reference, creatorMinor)
	return resp, nil
}

// JoinAsGuest records a guest's join attempt and starts their charge.
func (s *Service) JoinAsGuest(ctx context.Context, slotID uuid.UUID, req domain.JoinSlotRequest) (*domain.JoinSlotResponse, error) {
	email := domain.NormalizeEmail(req.Email)
	if email == "" {
		return nil, domain.Validation("email is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.Validation("name is required")
	}
	if err := s.checkGuestJoinRate(ctx, slotID, email); err != nil {
		return nil, err
	}

	reference := newReference()
	var (
		slot   *domain.Slot
		joined *ledger.JoinResult
	)
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		slot, err = tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if err := checkJoinable(slot); err != nil {
			return err
		}
		joined, err = s.ledger.AddMember(ctx, tx, slot, ledger.Identity{
			Name:  req.Name,
			Email: email,
			Phone: req.Phone,
		}, ledger.Charge{
			Reference: reference,
			Amount:    pricing.ToMinorUnits(slot.GuestAmount),
			Currency:  s.config.PaymentCurrency,
			Metadata:  map[string]interface{}{"purpose": "guest_join"},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	checkout, err := s.provider.Initialize(ctx, CheckoutRequest{
		Email:       email,
		AmountMinor: joined.Payment.Amount,
		Currency:    s.config.PaymentCurrency,
		Reference:   reference,
		CallbackURL: s.config.PaystackCallbackURL,
		Metadata:    joined.Payment.Metadata,
	})
	if err != nil {
		log.Printf("level=warn component=service flow=join_as_guest msg=\"provider initialize failed\" slot_id=%s reference=%s err=%v", slotID, reference, err)
		s.compensate(ctx, reference, false, "initialize_failed")
		return nil, err
	}

	log.Printf("level=info component=service flow=join_as_guest msg=\"guest join started\" slot_id=%s member_id=%s reused=%t", slot.ID, joined.Member.ID, joined.Reused)
	return &domain.JoinSlotResponse{
		SlotID:           slot.ID,
		MemberID:         joined.Member.ID,
		AuthorizationURL: checkout.AuthorizationURL,
		Reference:        reference,
		Amount:           pricing.FromMinorUnits(joined.Payment.Amount),
		AmountMinor:      joined.Payment.Amount,
		Reused:           joined.Reused,
	}, nil
}

// UpdateSlot changes the duration or expiry of an open slot.
func (s *Service) UpdateSlot(ctx context.Context, user *domain.User, slotID uuid.UUID, req domain.UpdateSlotRequest) (*domain.Slot, error) {
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	var updated *domain.Slot
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if !canManage(user, slot) {
			return domain.ErrNotSlotOwner
		}
		reprice := func(duration int) (lifecycle.Amounts, error) {
			service, err := s.repo.FindServiceByID(ctx, slot.ServiceID)
			if err != nil {
				return lifecycle.Amounts{}, err
			}
			return s.quote(ctx, service, duration)
		}
		if err := s.machine.Update(ctx, tx, slot, lifecycle.UpdateParams{
			Duration:  req.Duration,
			ExpiresAt: req.ExpiresAt,
			Reprice:   reprice,
		}); err != nil {
			return err
		}
		updated = slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelSlot cancels a slot nobody has paid for.
func (s *Service) CancelSlot(ctx context.Context, user *domain.User, slotID uuid.UUID) error {
	if user == nil {
		return domain.ErrUserNotFound
	}
	return s.repo.InTx(ctx, func(tx store.Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if !canManage(user, slot) {
			return domain.ErrNotSlotOwner
		}
		return s.cancelLocked(ctx, tx, slot, "cancelled_by_owner")
	})
}

func (s *Service) cancelLocked(ctx context.Context, tx store.Tx, slot *domain.Slot, reason string) error {
	changed, err := s.machine.Cancel(ctx, tx, slot)
	if err != nil || !changed {
		return err
	}
	log.Printf("level=info component=service msg=\"slot cancelled\" slot_id=%s reason=%s", slot.ID, reason)
	return s.enqueue(ctx, tx, domain.EventSlotCancelled, domain.NewSlotEvent(slot, 0, reason, s.now()))
}

// GetSlot returns a visible slot with its members. Contact details are only
// included for the owner.
func (s *Service) GetSlot(ctx context.Context, viewer *domain.User, slotID uuid.UUID) (*domain.SlotView, error) {
	slot, err := s.repo.FindSlotByID(ctx, slotID)
	if err != nil {
		return nil, err
	}
	owner := viewer != nil && canManage(viewer, slot)
	if !slot.IsActive && !owner {
		return nil, domain.ErrSlotNotFound
	}

	members, err := s.repo.ListMembersBySlotID(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("list slot members: %w", err)
	}

	view := s.view(ctx, *slot, nil)
	view.Members = visibleMembers(members, owner)
	return &view, nil
}

// ListSlots returns active slots plus the viewer's own slots.
func (s *Service) ListSlots(ctx context.Context, viewer *domain.User, opts domain.SlotListOptions) ([]domain.SlotView, error) {
	var viewerID *uuid.UUID
	if viewer != nil {
		id := viewer.ID
		viewerID = &id
	}
	slots, err := s.repo.ListVisibleSlots(ctx, viewerID, opts)
	if err != nil {
		return nil, err
	}

	names := make(map[uuid.UUID]string)
	views := make([]domain.SlotView, 0, len(slots))
	for _, slot := range slots {
		views = append(views, s.view(ctx, slot, names))
	}
	return views, nil
}

// ListTrending returns active slots with spots left, ranked by recent paid joins.
func (s *Service) ListTrending(ctx context.Context, days, limit int) ([]domain.TrendingSlot, error) {
	if days <= 0 {
		days = s.config.TrendingWindowDays
	}
	if days <= 0 {
		days = 7
	}
	if days > maxTrendingDays {
		days = maxTrendingDays
	}
	if limit <= 0 {
		limit = s.config.TrendingLimit
	}
	if limit <= 0 {
		limit = 6
	}
	if limit > maxTrendingLimit {
		limit = maxTrendingLimit
	}
	since := s.now().AddDate(0, 0, -days)
	return s.repo.ListTrendingSlots(ctx, since, limit)
}

// ListServiceQuotes returns the active catalog with one-month creator and guest prices.
func (s *Service) ListServiceQuotes(ctx context.Context) ([]domain.ServiceQuote, error) {
	services, err := s.repo.ListActiveServices(ctx)
	if err != nil {
		return nil, err
	}
	quotes := make([]domain.ServiceQuote, 0, len(services))
	for i := range services {
		amounts, err := s.quote(ctx, &services[i], 1)
		if err != nil {
			log.Printf("level=warn component=service msg=\"skipping unpriceable service\" service_id=%s err=%v", services[i].ID, err)
			continue
		}
		quotes = append(quotes, domain.ServiceQuote{
			Service:      services[i],
			CreatorPrice: amounts.Creator,
			GuestPrice:   amounts.Guest,
		})
	}
	return quotes, nil
}

// quote prices a slot of the given duration using the current platform settings.
func (s *Service) quote(ctx context.Context, service *domain.Service, duration int) (lifecycle.Amounts, error) {
	fee, discount, err := s.pricingSettings(ctx)
	if err != nil {
		return lifecycle.Amounts{}, err
	}
	creator, err := pricing.CreatorShare(service.Price, service.Capacity, duration, discount)
	if err != nil {
		return lifecycle.Amounts{}, err
	}
	guest, err := pricing.GuestShare(service.Price, service.Capacity, duration, fee)
	if err != nil {
		return lifecycle.Amounts{}, err
	}
	guestFee, err := pricing.GuestFee(fee, duration)
	if err != nil {
		return lifecycle.Amounts{}, err
	}
	return lifecycle.Amounts{Creator: creator, Guest: guest, GuestFee: guestFee}, nil
}

// pricingSettings prefers the platform_settings row and falls back to config.
func (s *Service) pricingSettings(ctx context.Context) (fee, discount decimal.Decimal, err error) {
	settings, err := s.repo.GetPlatformSettings(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load platform settings: %w", err)
	}
	if settings != nil {
		return settings.GuestFlatFee, settings.CreatorDiscountPercent, nil
	}
	return pricing.FromMinorUnits(s.config.GuestFlatFeeKobo), decimal.NewFromFloat(s.config.CreatorDiscountPercent), nil
}

func (s *Service) checkGuestJoinRate(ctx context.Context, slotID uuid.UUID, email string) error {
	limit := s.config.GuestJoinRateLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, guestJoinRateLimitScope, guestJoinSubject(slotID, email), limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service flow=join_as_guest msg=\"rate limiter unavailable; allowing request\" slot_id=%s err=%v", slotID, err)
		return nil
	}
	if count > limit {
		if retryAfter < 1 {
			retryAfter = 60
		}
		return domain.ErrRateLimited.WithRetryAfter(retryAfter)
	}
	return nil
}

// compensate fails a pending payment whose provider charge could not be opened,
// and cancels the slot when it was created for that charge.
func (s *Service) compensate(ctx context.Context, reference string, cancelSlot bool, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		payment, err := tx.LockPaymentByReference(ctx, reference)
		if err != nil {
			return err
		}
		if !payment.Pending() {
			return nil
		}
		if err := s.failPayment(ctx, tx, payment, nil, reason); err != nil {
			return err
		}
		if !cancelSlot || payment.Target == nil {
			return nil
		}
		slot, err := tx.LockSlot(ctx, payment.Target.SlotID())
		if err != nil {
			return err
		}
		return s.cancelLocked(ctx, tx, slot, reason)
	})
	if err != nil {
		log.Printf("level=error component=service msg=\"compensation failed\" reference=%s err=%v", reference, err)
	}
}

func (s *Service) enqueue(ctx context.Context, tx store.Tx, routingKey string, payload interface{}) error {
	return tx.EnqueueEvent(ctx, s.config.EventsExchange, routingKey, payload)
}

func (s *Service) slotExpiry() time.Duration {
	days := s.config.SlotExpiryDays
	if days <= 0 {
		days = 3
	}
	return time.Duration(days) * 24 * time.Hour
}

func (s *Service) view(ctx context.Context, slot domain.Slot, names map[uuid.UUID]string) domain.SlotView {
	// CurrentMembers is a display cache; capacity checks count paid members under the slot lock.
	remaining := slot.Capacity - slot.CurrentMembers
	if remaining < 0 {
		remaining = 0
	}
	return domain.SlotView{
		Slot:           slot,
		ServiceName:    s.serviceName(ctx, slot.ServiceID, names),
		GuestPrice:     slot.GuestAmount,
		MaxMembers:     slot.Capacity,
		IsAvailable:    slot.IsActive && slot.Status == domain.SlotStatusOpen && remaining > 0,
		RemainingSpots: remaining,
	}
}

func (s *Service) serviceName(ctx context.Context, serviceID uuid.UUID, cache map[uuid.UUID]string) string {
	if name, ok := cache[serviceID]; ok {
		return name
	}
	service, err := s.repo.FindServiceByID(ctx, serviceID)
	if err != nil {
		return ""
	}
	if cache != nil {
		cache[serviceID] = service.Name
	}
	return service.Name
}

func checkJoinable(slot *domain.Slot) error {
	switch slot.Status {
	case domain.SlotStatusCompleted:
		return domain.ErrSlotFull
	case domain.SlotStatusCancelled:
		return domain.ErrSlotNotOpen
	}
	if !slot.IsActive {
		return domain.ErrSlotInactive
	}
	return nil
}

func canManage(user *domain.User, slot *domain.Slot) bool {
	return user != nil && (user.IsAdmin || slot.IsOwnedBy(user.ID))
}

// visibleMembers hides contact details and unpaid joins from everyone but the owner.
func visibleMembers(members []domain.Member, owner bool) []domain.Member {
	if owner {
		return members
	}
	visible := make([]domain.Member, 0, len(members))
	for _, m := range members {
		if !m.Paid() {
			continue
		}
		visible = append(visible, domain.Member{
			ID:            m.ID,
			SlotID:        m.SlotID,
			IsCreator:     m.IsCreator,
			Name:          m.Name,
			PaymentStatus: m.PaymentStatus,
			PaidAt:        m.PaidAt,
			CreatedAt:     m.CreatedAt,
			UpdatedAt:     m.UpdatedAt,
		})
	}
	return visible
}

func newReference() string {
	return "SP_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
