package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateSlotRequest is the body of POST /slots.
type CreateSlotRequest struct {
	ServiceID string `json:"service_id" validate:"required,uuid"`
	Duration  int    `json:"duration" validate:"required,min=1,max=24"`
}

// CreateSlotResponse is returned after the slot and the creator's pending charge exist.
type CreateSlotResponse struct {
	Slot             *Slot           `json:"slot"`
	AuthorizationURL string          `json:"authorization_url"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	AmountMinor      int64           `json:"amount_minor"`
}

// JoinSlotRequest is the body of POST /slots/{id}/join-as-guest.
type JoinSlotRequest struct {
	Name  string `json:"name" validate:"required,max=255"`
	Email string `json:"email" validate:"required,email,max=255"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
}

// JoinSlotResponse carries everything the guest needs to pay.
type JoinSlotResponse struct {
	SlotID           uuid.UUID       `json:"slot_id"`
	MemberID         uuid.UUID       `json:"member_id"`
	AuthorizationURL string          `json:"authorization_url"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	AmountMinor      int64           `json:"amount_minor"`
	Reused           bool            `json:"reused"`
}

// ConfirmPaymentRequest is the body of both confirm-payment endpoints. Email is
// required on the guest endpoint only.
type ConfirmPaymentRequest struct {
	Reference string `json:"reference" validate:"required,max=100"`
	SlotID    string `json:"slot_id" validate:"required,uuid"`
	Email     string `json:"email" validate:"omitempty,email"`
}

// ConfirmPaymentResponse reports the state after confirmation.
type ConfirmPaymentResponse struct {
	Slot          *Slot            `json:"slot"`
	Member        *Member          `json:"member"`
	PaymentStatus ChargeStatus     `json:"payment_status"`
	Outcome       ReconcileOutcome `json:"outcome"`
}

// UpdateSlotRequest is the body of PUT /slots/{id}. Nil fields are left unchanged.
type UpdateSlotRequest struct {
	Duration  *int       `json:"duration" validate:"omitempty,min=1,max=24"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// SlotView is the listing representation of a slot.
type SlotView struct {
	Slot
	ServiceName    string          `json:"service_name,omitempty"`
	GuestPrice     decimal.Decimal `json:"guest_price"`
	MaxMembers     int             `json:"max_members"`
	IsAvailable    bool            `json:"is_available"`
	RemainingSpots int             `json:"remaining_spots"`
	Members        []Member        `json:"members,omitempty"`
}

// ServiceQuote is a catalog entry with the prices a creator and a guest would pay per month.
type ServiceQuote struct {
	Service
	CreatorPrice decimal.Decimal `json:"creator_price"`
	GuestPrice   decimal.Decimal `json:"guest_price"`
}
