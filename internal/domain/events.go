package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the events exchange.
const (
	EventSlotCreated           = "slot.created"
	EventSlotActivated         = "slot.activated"
	EventSlotCompleted         = "slot.completed"
	EventSlotCancelled         = "slot.cancelled"
	EventPaymentSucceeded      = "payment.succeeded"
	EventPaymentFailed         = "payment.failed"
	EventPaymentRefundRequired = "payment.refund_required"
)

// SlotEvent is the payload for slot lifecycle events.
type SlotEvent struct {
	SlotID      uuid.UUID  `json:"slot_id"`
	ServiceID   uuid.UUID  `json:"service_id"`
	CreatorID   uuid.UUID  `json:"creator_id"`
	Kind        SlotKind   `json:"kind"`
	Status      SlotStatus `json:"status"`
	PaidMembers int        `json:"paid_members"`
	Capacity    int        `json:"capacity"`
	Reason      string     `json:"reason,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// PaymentEvent is the payload for payment events.
type PaymentEvent struct {
	PaymentID  uuid.UUID    `json:"payment_id"`
	Reference  string       `json:"reference"`
	SlotID     uuid.UUID    `json:"slot_id"`
	MemberID   uuid.UUID    `json:"member_id"`
	Email      string       `json:"email,omitempty"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	Status     ChargeStatus `json:"status"`
	Channel    string       `json:"channel,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// NewSlotEvent snapshots a slot for publishing.
func NewSlotEvent(slot *Slot, paidMembers int, reason string, at time.Time) SlotEvent {
	return SlotEvent{
		SlotID:      slot.ID,
		ServiceID:   slot.ServiceID,
		CreatorID:   slot.CreatorID,
		Kind:        slot.Kind,
		Status:      slot.Status,
		PaidMembers: paidMembers,
		Capacity:    slot.Capacity,
		Reason:      reason,
		OccurredAt:  at,
	}
}

// NewPaymentEvent snapshots a payment for publishing.
func NewPaymentEvent(payment *Payment, member *Member, reason string, at time.Time) PaymentEvent {
	event := PaymentEvent{
		PaymentID:  payment.ID,
		Reference:  payment.Reference,
		MemberID:   payment.MemberID,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		Status:     payment.Status,
		Channel:    payment.Channel,
		Reason:     reason,
		OccurredAt: at,
	}
	if payment.Target != nil {
		event.SlotID = payment.Target.SlotID()
	}
	if member != nil {
		event.Email = member.Email
	}
	return event
}
