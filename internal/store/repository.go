/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the slot service. Reads run directly against
 * the pool; every mutation of a slot, its members or its payments runs inside a
 * unit of work (`Tx`) obtained from `InTx`, which is where row locks are taken.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and catalog methods
	FindUserByClerkUserID(ctx context.Context, clerkUserID string) (*domain.User, error)
	FindServiceByID(ctx context.Context, serviceID uuid.UUID) (*domain.Service, error)
	ListActiveServices(ctx context.Context) ([]domain.Service, error)
	// GetPlatformSettings returns nil settings when no row has been configured.
	GetPlatformSettings(ctx context.Context) (*domain.PlatformSettings, error)

	// Slot read methods
	FindSlotByID(ctx context.Context, slotID uuid.UUID) (*domain.Slot, error)
	ListVisibleSlots(ctx context.Context, viewerID *uuid.UUID, opts domain.SlotListOptions) ([]domain.Slot, error)
	ListTrendingSlots(ctx context.Context, since time.Time, limit int) ([]domain.TrendingSlot, error)
	ListMembersBySlotID(ctx context.Context, slotID uuid.UUID) ([]domain.Member, error)
	FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error)
	FindPayoutBySlotID(ctx context.Context, slotID uuid.UUID) (*domain.CreatorPayout, error)

	// Payment read methods
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
	ListExpiredOpenSlots(ctx context.Context, now time.Time, limit int) ([]domain.Slot, error)

	// InTx runs fn in a single database transaction. The transaction is rolled
	// back if fn returns an error; lock timeouts surface as domain.ErrBusy.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Tx is a unit of work. Lock* methods take row locks held until the unit of
// work ends; callers lock a payment before its slot, never the reverse.
type Tx interface {
	LockSlot(ctx context.Context, slotID uuid.UUID) (*domain.Slot, error)
	LockPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)

	PaidMemberCount(ctx context.Context, slotID uuid.UUID) (int, error)
	FindMemberByEmail(ctx context.Context, slotID uuid.UUID, email string) (*domain.Member, error)
	FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error)

	InsertSlot(ctx context.Context, slot *domain.Slot) error
	UpdateSlot(ctx context.Context, slot *domain.Slot) error
	InsertMember(ctx context.Context, member *domain.Member) error
	UpdateMember(ctx context.Context, member *domain.Member) error
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
	InsertPayout(ctx context.Context, payout *domain.CreatorPayout) error

	// EnqueueEvent writes an event to the outbox as part of the unit of work.
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// OutboxMessage is a claimed event waiting to be published.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
