// Package lifecycle owns slot state transitions: open to completed or
// cancelled, plus the activation gate tied to the creator's payment.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the slice of a locked unit of work the state machine needs.
type Store interface {
	ledger.Store
	InsertSlot(ctx context.Context, slot *domain.Slot) error
	UpdateSlot(ctx context.Context, slot *domain.Slot) error
}

// Amounts are the per-slot price snapshots, in major units.
type Amounts struct {
	Creator  decimal.Decimal
	Guest    decimal.Decimal
	GuestFee decimal.Decimal
}

// CreateParams describes a new slot.
type CreateParams struct {
	Service   *domain.Service
	CreatorID uuid.UUID
	Creator   ledger.Identity
	Duration  int
	Amounts   Amounts
	ExpiresAt time.Time
	Charge    ledger.Charge
}

// Transition reports what OnMemberPaid changed.
type Transition struct {
	PaidCount int
	Activated bool
	Completed bool
}

// UpdateParams carries the mutable slot fields. Reprice is consulted when the
// duration changes.
type UpdateParams struct {
	Duration  *int
	ExpiresAt *time.Time
	Reprice   func(duration int) (Amounts, error)
}

// Machine applies slot transitions.
type Machine struct {
	ledger *ledger.Ledger
	now    func() time.Time
}

// New creates a Machine on top of the given ledger.
func New(l *ledger.Ledger) *Machine {
	return &Machine{ledger: l, now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock creates a Machine with a custom clock.
func NewWithClock(l *ledger.Ledger, now func() time.Time) *Machine {
	return &Machine{ledger: l, now: now}
}

// Create opens an inactive slot and records the creator as its first pending member.
func (m *Machine) Create(ctx context.Context, st Store, p CreateParams) (*domain.Slot, *ledger.JoinResult, error) {
	if p.Service == nil {
		return nil, nil, domain.ErrServiceNotFound
	}
	if !p.Service.IsActive {
		return nil, nil, domain.ErrServiceInactive
	}
	if p.Service.Capacity <= 0 {
		return nil, nil, domain.ErrInvalidCapacity
	}
	if p.Duration < 1 {
		return nil, nil, domain.ErrInvalidDuration
	}

	now := m.now()
	slot := &domain.Slot{
		ID:               uuid.New(),
		ServiceID:        p.Service.ID,
		Kind:             p.Service.Kind,
		CreatorID:        p.CreatorID,
		Capacity:         p.Service.Capacity,
		Duration:         p.Duration,
		Status:           domain.SlotStatusOpen,
		PaymentStatus:    domain.MemberPaymentPending,
		IsActive:         false,
		PaymentReference: p.Charge.Reference,
		CreatorAmount:    p.Amounts.Creator,
		GuestAmount:      p.Amounts.Guest,
		GuestFee:         p.Amounts.GuestFee,
		ExpiresAt:        p.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !slot.Kind.Valid() {
		slot.Kind = domain.SlotKindSubscription
	}
	if err := st.InsertSlot(ctx, slot); err != nil {
		return nil, nil, fmt.Errorf("insert slot: %w", err)
	}

	creator := p.Creator
	creator.IsCreator = true
	if creator.UserID == nil {
		creatorID := p.CreatorID
		creator.UserID = &creatorID
	}
	joined, err := m.ledger.AddMember(ctx, st, slot, creator, p.Charge)
	if err != nil {
		return nil, nil, fmt.Errorf("add creator member: %w", err)
	}
	return slot, joined, nil
}

// OnMemberPaid re-evaluates the slot after a member's payment was confirmed.
// Activation is applied before completion so a slot is never completed while inactive.
func (m *Machine) OnMemberPaid(ctx context.Context, st Store, slot *domain.Slot, member *domain.Member) (Transition, error) {
	if slot == nil {
		return Transition{}, domain.ErrSlotNotFound
	}
	if slot.Status.Terminal() {
		return Transition{}, domain.ErrSlotLocked
	}

	paid, err := m.ledger.PaidCount(ctx, st, slot.ID)
	if err != nil {
		return Transition{}, err
	}

	var tr Transition
	tr.PaidCount = paid

	if member != nil && member.IsCreator && member.Paid() {
		slot.PaymentStatus = domain.MemberPaymentPaid
		if !slot.IsActive {
			slot.IsActive = true
			tr.Activated = true
		}
	}
	if paid >= slot.Capacity {
		slot.Status = domain.SlotStatusCompleted
		tr.Completed = true
	}

	slot.CurrentMembers = paid
	slot.UpdatedAt = m.now()
	if err := st.UpdateSlot(ctx, slot); err != nil {
		return Transition{}, fmt.Errorf("persist slot transition: %w", err)
	}
	return tr, nil
}

// Update changes mutable fields while the slot is still open.
func (m *Machine) Update(ctx context.Context, st Store, slot *domain.Slot, p UpdateParams) error {
	if slot == nil {
		return domain.ErrSlotNotFound
	}
	if slot.Status.Terminal() {
		return domain.ErrSlotLocked
	}

	now := m.now()
	if p.ExpiresAt != nil {
		if !p.ExpiresAt.After(now) {
			return domain.ErrInvalidExpiry
		}
		slot.ExpiresAt = p.ExpiresAt.UTC()
	}

	if p.Duration != nil && *p.Duration != slot.Duration {
		if *p.Duration < 1 {
			return domain.ErrInvalidDuration
		}
		paid, err := m.ledger.PaidCount(ctx, st, slot.ID)
		if err != nil {
			return err
		}
		if paid > 0 {
			return domain.ErrSlotHasMembers.WithMessage("duration cannot change after members have paid")
		}
		if p.Reprice == nil {
			return fmt.Errorf("reprice function is required to change duration")
		}
		amounts, err := p.Reprice(*p.Duration)
		if err != nil {
			return err
		}
		slot.Duration = *p.Duration
		slot.CreatorAmount = amounts.Creator
		slot.GuestAmount = amounts.Guest
		slot.GuestFee = amounts.GuestFee
	}

	slot.UpdatedAt = now
	if err := st.UpdateSlot(ctx, slot); err != nil {
		return fmt.Errorf("persist slot update: %w", err)
	}
	return nil
}

// Cancel closes a slot nobody has paid for. It reports false when the slot was
// already cancelled.
func (m *Machine) Cancel(ctx context.Context, st Store, slot *domain.Slot) (bool, error) {
	if slot == nil {
		return false, domain.ErrSlotNotFound
	}
	switch slot.Status {
	case domain.SlotStatusCancelled:
		return false, nil
	case domain.SlotStatusCompleted:
		return false, domain.ErrSlotLocked
	}

	paid, err := m.ledger.PaidCount(ctx, st, slot.ID)
	if err != nil {
		return false, err
	}
	if paid > 0 {
		return false, domain.ErrSlotHasMembers
	}

	slot.Status = domain.SlotStatusCancelled
	slot.IsActive = false
	slot.CurrentMembers = 0
	slot.UpdatedAt = m.now()
	if err := st.UpdateSlot(ctx, slot); err != nil {
		return false, fmt.Errorf("persist slot cancellation: %w", err)
	}
	return true, nil
}
