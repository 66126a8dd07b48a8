/**
 * @description
 * This file defines the core domain models for the slot service: catalog services,
 * slots, their members and the creator payouts written when a slot fills up.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For identifiers.
 * - github.com/shopspring/decimal: For major-unit money amounts.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SlotKind distinguishes the two catalog variants a slot can be opened for.
type SlotKind string

const (
	SlotKindSubscription    SlotKind = "subscription"
	SlotKindPasswordSharing SlotKind = "password_sharing"
)

// Valid reports whether k is a known slot kind.
func (k SlotKind) Valid() bool {
	return k == SlotKindSubscription || k == SlotKindPasswordSharing
}

// SlotStatus is the lifecycle state of a slot.
type SlotStatus string

const (
	SlotStatusOpen      SlotStatus = "open"
	SlotStatusCompleted SlotStatus = "completed"
	SlotStatusCancelled SlotStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SlotStatus) Terminal() bool {
	return s == SlotStatusCompleted || s == SlotStatusCancelled
}

// MemberPaymentStatus tracks whether a member (or the slot creator) has paid.
type MemberPaymentStatus string

const (
	MemberPaymentPending MemberPaymentStatus = "pending"
	MemberPaymentPaid    MemberPaymentStatus = "paid"
)

// UserStatus mirrors the verification state managed by the onboarding flow.
type UserStatus string

const (
	UserStatusPending  UserStatus = "pending"
	UserStatusVerified UserStatus = "verified"
	UserStatusRejected UserStatus = "rejected"
)

// User is the subset of the users table the slot service reads.
type User struct {
	ID          uuid.UUID  `json:"id"`
	ClerkUserID string     `json:"-"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name"`
	Status      UserStatus `json:"status"`
	IsAdmin     bool       `json:"is_admin"`
}

// Service is a catalog entry a slot can be opened for.
type Service struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Kind         SlotKind        `json:"kind"`
	Price        decimal.Decimal `json:"price"`
	Capacity     int             `json:"capacity"`
	DurationUnit string          `json:"duration_unit"`
	IsActive     bool            `json:"is_active"`
}

// Slot is one instance of a shared subscription being filled with paying members.
type Slot struct {
	ID               uuid.UUID           `json:"id"`
	ServiceID        uuid.UUID           `json:"service_id"`
	Kind             SlotKind            `json:"kind"`
	CreatorID        uuid.UUID           `json:"creator_id"`
	Capacity         int                 `json:"capacity"`
	Duration         int                 `json:"duration"`
	Status           SlotStatus          `json:"status"`
	PaymentStatus    MemberPaymentStatus `json:"payment_status"`
	IsActive         bool                `json:"is_active"`
	PaymentReference string              `json:"payment_reference,omitempty"`
	// CurrentMembers caches the paid-member count. Capacity decisions never read it.
	CurrentMembers int             `json:"current_members"`
	CreatorAmount  decimal.Decimal `json:"creator_amount"`
	GuestAmount    decimal.Decimal `json:"guest_amount"`
	GuestFee       decimal.Decimal `json:"-"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsOwnedBy reports whether userID created the slot.
func (s *Slot) IsOwnedBy(userID uuid.UUID) bool {
	return s != nil && s.CreatorID == userID
}

// Target returns the payment target variant matching the slot's kind.
func (s *Slot) Target() PaymentTarget {
	return TargetFor(s.Kind, s.ID)
}

// Member is a slot membership record. UserID is nil for guests.
type Member struct {
	ID            uuid.UUID           `json:"id"`
	SlotID        uuid.UUID           `json:"slot_id"`
	UserID        *uuid.UUID          `json:"user_id,omitempty"`
	IsCreator     bool                `json:"is_creator"`
	Name          string              `json:"name"`
	Email         string              `json:"email"`
	Phone         string              `json:"phone,omitempty"`
	PaymentStatus MemberPaymentStatus `json:"payment_status"`
	PaymentID     *uuid.UUID          `json:"payment_id,omitempty"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Paid reports whether the member's payment has been confirmed.
func (m *Member) Paid() bool {
	return m != nil && m.PaymentStatus == MemberPaymentPaid
}

// NormalizeEmail is the canonical form used for duplicate-join checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PayoutStatus tracks settlement of a creator payout.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// CreatorPayout records what the creator is owed once a slot fills up.
// Amounts are in minor units.
type CreatorPayout struct {
	ID          uuid.UUID    `json:"id"`
	SlotID      uuid.UUID    `json:"slot_id"`
	CreatorID   uuid.UUID    `json:"creator_id"`
	TotalAmount int64        `json:"total_amount"`
	PlatformFee int64        `json:"platform_fee"`
	NetAmount   int64        `json:"net_amount"`
	Currency    string       `json:"currency"`
	Status      PayoutStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

// PlatformSettings holds the pricing knobs operators can tune without a deploy.
type PlatformSettings struct {
	GuestFlatFee           decimal.Decimal `json:"guest_flat_fee"`
	CreatorDiscountPercent decimal.Decimal `json:"creator_discount_percent"`
}

// SlotListOptions narrows slot listings.
type SlotListOptions struct {
	ServiceID *uuid.UUID
	Kind      SlotKind
	Limit     int
	Offset    int
}

// TrendingSlot is a slot ranked by recent paid joins.
type TrendingSlot struct {
	Slot        Slot   `json:"slot"`
	ServiceName string `json:"service_name"`
	RecentJoins int    `json:"recent_joins"`
}
