package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChargeStatus is the lifecycle state of a provider charge.
type ChargeStatus string

const (
	ChargeStatusPending ChargeStatus = "pending"
	ChargeStatusSuccess ChargeStatus = "success"
	ChargeStatusFailed  ChargeStatus = "failed"
)

// PaymentTarget identifies which slot a payment pays for. The set of
// implementations is closed: SubscriptionSlotTarget and PasswordSlotTarget.
type PaymentTarget interface {
	SlotID() uuid.UUID
	Kind() SlotKind
	isPaymentTarget()
}

// SubscriptionSlotTarget points at a regular shared-subscription slot.
type SubscriptionSlotTarget struct {
	ID uuid.UUID
}

func (t SubscriptionSlotTarget) SlotID() uuid.UUID { return t.ID }
func (t SubscriptionSlotTarget) Kind() SlotKind    { return SlotKindSubscription }
func (SubscriptionSlotTarget) isPaymentTarget()    {}

// PasswordSlotTarget points at a password-sharing slot.
type PasswordSlotTarget struct {
	ID uuid.UUID
}

func (t PasswordSlotTarget) SlotID() uuid.UUID { return t.ID }
func (t PasswordSlotTarget) Kind() SlotKind    { return SlotKindPasswordSharing }
func (PasswordSlotTarget) isPaymentTarget()    {}

// TargetFor builds the target variant for a slot of the given kind.
func TargetFor(kind SlotKind, slotID uuid.UUID) PaymentTarget {
	if kind == SlotKindPasswordSharing {
		return PasswordSlotTarget{ID: slotID}
	}
	return SubscriptionSlotTarget{ID: slotID}
}

// TargetFromColumns rebuilds a target from its persisted form, where exactly
// one of the two references must be set.
func TargetFromColumns(slotID, passwordSlotID *uuid.UUID) (PaymentTarget, error) {
	switch {
	case slotID != nil && passwordSlotID == nil:
		return SubscriptionSlotTarget{ID: *slotID}, nil
	case slotID == nil && passwordSlotID != nil:
		return PasswordSlotTarget{ID: *passwordSlotID}, nil
	default:
		return nil, fmt.Errorf("payment target must have exactly one slot reference (slot=%v password_slot=%v)", slotID != nil, passwordSlotID != nil)
	}
}

// TargetColumns splits a target into its persisted form.
func TargetColumns(target PaymentTarget) (slotID, passwordSlotID *uuid.UUID) {
	switch t := target.(type) {
	case SubscriptionSlotTarget:
		id := t.ID
		return &id, nil
	case PasswordSlotTarget:
		id := t.ID
		return nil, &id
	default:
		return nil, nil
	}
}

// Payment is a provider charge bound to exactly one member. Amount is in minor units.
type Payment struct {
	ID        uuid.UUID              `json:"id"`
	UserID    *uuid.UUID             `json:"user_id,omitempty"`
	MemberID  uuid.UUID              `json:"member_id"`
	Target    PaymentTarget          `json:"-"`
	Amount    int64                  `json:"amount"`
	Currency  string                 `json:"currency"`
	Status    ChargeStatus           `json:"status"`
	Reference string                 `json:"reference"`
	Channel   string                 `json:"channel,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Pending reports whether the payment still awaits an outcome.
func (p *Payment) Pending() bool {
	return p != nil && p.Status == ChargeStatusPending
}

// OutcomeSource records how a charge outcome was authenticated.
type OutcomeSource string

const (
	OutcomeSourceProviderVerify OutcomeSource = "provider_verify"
	OutcomeSourceSignedWebhook  OutcomeSource = "signed_webhook"
)

// Authenticated reports whether the outcome came through a trusted channel.
func (s OutcomeSource) Authenticated() bool {
	return s == OutcomeSourceProviderVerify || s == OutcomeSourceSignedWebhook
}

// ChargeOutcome is what the provider says happened to a charge. Amount is the
// captured amount in minor units, or zero when the provider did not report one.
type ChargeOutcome struct {
	Success  bool
	Amount   int64
	Channel  string
	Metadata map[string]interface{}
	Source   OutcomeSource
}

// ReconcileOutcome describes what a reconciliation did.
type ReconcileOutcome string

const (
	ReconcileApplied          ReconcileOutcome = "applied"
	ReconcileFailed           ReconcileOutcome = "failed"
	ReconcileAlreadyProcessed ReconcileOutcome = "already_processed"
	// ReconcilePending means the provider has no final outcome yet.
	ReconcilePending ReconcileOutcome = "pending"
	// ReconcileOverflow means the money arrived after the slot filled or closed, or
	// after the payment had already been failed. It is flagged for refund.
	ReconcileOverflow ReconcileOutcome = "overflow"
	// ReconcileDuplicate means the member had already paid through another payment.
	ReconcileDuplicate ReconcileOutcome = "duplicate"
)

// ReconcileResult is the end state after applying an outcome.
type ReconcileResult struct {
	Outcome   ReconcileOutcome `json:"outcome"`
	Payment   *Payment         `json:"payment"`
	Member    *Member          `json:"member,omitempty"`
	Slot      *Slot            `json:"slot,omitempty"`
	Activated bool             `json:"activated"`
	Completed bool             `json:"completed"`
}
