// Package ledger tracks who belongs to a slot and whether they have paid.
// Every method must run inside a unit of work that holds the slot's row lock;
// the paid count read here is the only input to capacity decisions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/google/uuid"
)

// Store is the slice of a locked unit of work the ledger needs.
type Store interface {
	PaidMemberCount(ctx context.Context, slotID uuid.UUID) (int, error)
	FindMemberByEmail(ctx context.Context, slotID uuid.UUID, email string) (*domain.Member, error)
	InsertMember(ctx context.Context, member *domain.Member) error
	UpdateMember(ctx context.Context, member *domain.Member) error
	InsertPayment(ctx context.Context, payment *domain.Payment) error
}

// Identity describes who is joining.
type Identity struct {
	UserID    *uuid.UUID
	IsCreator bool
	Name      string
	Email     string
	Phone     string
}

// Charge describes the pending payment to bind to the member.
type Charge struct {
	Reference string
	Amount    int64
	Currency  string
	Metadata  map[string]interface{}
}

// JoinResult is what AddMember produced.
type JoinResult struct {
	Member  *domain.Member
	Payment *domain.Payment
	Reused  bool
}

// Ledger applies membership rules.
type Ledger struct {
	now func() time.Time
}

// New creates a Ledger using the wall clock.
func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock creates a Ledger with a custom clock.
func NewWithClock(now func() time.Time) *Ledger {
	return &Ledger{now: now}
}

// PaidCount returns the authoritative number of paid members on the slot.
func (l *Ledger) PaidCount(ctx context.Context, st Store, slotID uuid.UUID) (int, error) {
	count, err := st.PaidMemberCount(ctx, slotID)
	if err != nil {
		return 0, fmt.Errorf("count paid members: %w", err)
	}
	return count, nil
}

// AddMember records a join attempt and binds a new pending payment to it. A
// pending member with the same email is reused so retries never duplicate rows.
func (l *Ledger) AddMember(ctx context.Context, st Store, slot *domain.Slot, who Identity, charge Charge) (*JoinResult, error) {
	if slot == nil {
		return nil, domain.ErrSlotNotFound
	}
	email := domain.NormalizeEmail(who.Email)
	if email == "" {
		return nil, domain.Validation("email is required")
	}
	if strings.TrimSpace(charge.Reference) == "" {
		return nil, errors.New("charge reference is required")
	}

	paid, err := l.PaidCount(ctx, st, slot.ID)
	if err != nil {
		return nil, err
	}
	if paid >= slot.Capacity {
		return nil, domain.ErrSlotFull
	}

	existing, err := st.FindMemberByEmail(ctx, slot.ID, email)
	if err != nil && !errors.Is(err, domain.ErrMemberNotFound) {
		return nil, fmt.Errorf("find member by email: %w", err)
	}
	if existing != nil && existing.Paid() {
		return nil, domain.ErrAlreadyJoined
	}

	now := l.now()
	paymentID := uuid.New()
	result := &JoinResult{}

	if existing != nil {
		if name := strings.TrimSpace(who.Name); name != "" {
			existing.Name = name
		}
		if phone := strings.TrimSpace(who.Phone); phone != "" {
			existing.Phone = phone
		}
		if existing.UserID == nil && who.UserID != nil {
			existing.UserID = who.UserID
		}
		existing.PaymentID = &paymentID
		existing.UpdatedAt = now
		if err := st.UpdateMember(ctx, existing); err != nil {
			return nil, fmt.Errorf("rebind pending member: %w", err)
		}
		result.Member = existing
		result.Reused = true
	} else {
		member := &domain.Member{
			ID:            uuid.New(),
			SlotID:        slot.ID,
			UserID:        who.UserID,
			IsCreator:     who.IsCreator,
			Name:          strings.TrimSpace(who.Name),
			Email:         email,
			Phone:         strings.TrimSpace(who.Phone),
			PaymentStatus: domain.MemberPaymentPending,
			PaymentID:     &paymentID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := st.InsertMember(ctx, member); err != nil {
			return nil, fmt.Errorf("insert member: %w", err)
		}
		result.Member = member
	}

	payment := &domain.Payment{
		ID:        paymentID,
		UserID:    who.UserID,
		MemberID:  result.Member.ID,
		Target:    slot.Target(),
		Amount:    charge.Amount,
		Currency:  charge.Currency,
		Status:    domain.ChargeStatusPending,
		Reference: charge.Reference,
		Metadata:  paymentMetadata(charge.Metadata, slot, result.Member, paymentID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.InsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	result.Payment = payment

	return result, nil
}

// MarkPaid flags the member as paid. It reports whether this call changed the
// paid count; calling it on an already-paid member is a no-op.
func (l *Ledger) MarkPaid(ctx context.Context, st Store, member *domain.Member) (bool, error) {
	if member == nil {
		return false, domain.ErrMemberNotFound
	}
	if member.Paid() {
		return false, nil
	}
	now := l.now()
	member.PaymentStatus = domain.MemberPaymentPaid
	member.PaidAt = &now
	member.UpdatedAt = now
	if err := st.UpdateMember(ctx, member); err != nil {
		member.PaymentStatus = domain.MemberPaymentPending
		member.PaidAt = nil
		return false, fmt.Errorf("mark member paid: %w", err)
	}
	return true, nil
}

func paymentMetadata(extra map[string]interface{}, slot *domain.Slot, member *domain.Member, paymentID uuid.UUID) map[string]interface{} {
	metadata := make(map[string]interface{}, len(extra)+5)
	for k, v := range extra {
		metadata[k] = v
	}
	metadata["slot_id"] = slot.ID.String()
	metadata["slot_kind"] = string(slot.Kind)
	metadata["service_id"] = slot.ServiceID.String()
	metadata["member_id"] = member.ID.String()
	metadata["payment_id"] = paymentID.String()
	return metadata
}
