package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// LockSlot loads the slot and holds its row lock until the unit of work ends.
func (t *pgTx) LockSlot(ctx context.Context, slotID uuid.UUID) (*domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots s WHERE s.id = $1 FOR UPDATE`
	slot, err := scanSlot(t.tx.QueryRow(ctx, query, slotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSlotNotFound
		}
		return nil, err
	}
	return slot, nil
}

// LockPaymentByReference loads the payment and holds its row lock.
func (t *pgTx) LockPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p WHERE p.reference = $1 FOR UPDATE`
	payment, err := scanPayment(t.tx.QueryRow(ctx, query, strings.TrimSpace(reference)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

func (t *pgTx) PaidMemberCount(ctx context.Context, slotID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM slot_members WHERE slot_id = $1 AND payment_status = 'paid'`
	if err := t.tx.QueryRow(ctx, query, slotID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *pgTx) FindMemberByEmail(ctx context.Context, slotID uuid.UUID, email string) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM slot_members m WHERE m.slot_id = $1 AND m.member_email = $2`
	member, err := scanMember(t.tx.QueryRow(ctx, query, slotID, domain.NormalizeEmail(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMemberNotFound
		}
		return nil, err
	}
	return member, nil
}

func (t *pgTx) FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error) {
	return findMemberByID(ctx, t.tx, memberID)
}

func (t *pgTx) InsertSlot(ctx context.Context, slot *domain.Slot) error {
	query := `
		INSERT INTO slots (
			id, service_id, kind, creator_id, capacity, duration, status, payment_status,
			is_active, payment_reference, current_members, creator_amount, guest_amount,
			guest_fee, expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := t.tx.Exec(ctx, query,
		slot.ID,
		slot.ServiceID,
		slot.Kind,
		slot.CreatorID,
		slot.Capacity,
		slot.Duration,
		slot.Status,
		slot.PaymentStatus,
		slot.IsActive,
		slot.PaymentReference,
		slot.CurrentMembers,
		slot.CreatorAmount,
		slot.GuestAmount,
		slot.GuestFee,
		slot.ExpiresAt,
		slot.CreatedAt,
		slot.UpdatedAt,
	)
	return err
}

func (t *pgTx) UpdateSlot(ctx context.Context, slot *domain.Slot) error {
	query := `
		UPDATE slots
		SET duration = $2,
			status = $3,
			payment_status = $4,
			is_active = $5,
			current_members = $6,
			creator_amount = $7,
			guest_amount = $8,
			guest_fee = $9,
			expires_at = $10,
			updated_at = $11
		WHERE id = $1
	`
	result, err := t.tx.Exec(ctx, query,
		slot.ID,
		slot.Duration,
		slot.Status,
		slot.PaymentStatus,
		slot.IsActive,
		slot.CurrentMembers,
		slot.CreatorAmount,
		slot.GuestAmount,
		slot.GuestFee,
		slot.ExpiresAt,
		slot.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrSlotNotFound
	}
	return nil
}

func (t *pgTx) InsertMember(ctx context.Context, member *domain.Member) error {
	query := `
		INSERT INTO slot_members (
			id, slot_id, user_id, is_creator, member_name, member_email, member_phone,
			payment_status, payment_id, paid_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12)
	`
	_, err := t.tx.Exec(ctx, query,
		member.ID,
		member.SlotID,
		member.UserID,
		member.IsCreator,
		member.Name,
		domain.NormalizeEmail(member.Email),
		member.Phone,
		member.PaymentStatus,
		member.PaymentID,
		member.PaidAt,
		member.CreatedAt,
		member.UpdatedAt,
	)
	if _, ok := isUniqueViolation(err); ok {
		return domain.ErrAlreadyJoined.Wrap(err)
	}
	return err
}

func (t *pgTx) UpdateMember(ctx context.Context, member *domain.Member) error {
	query := `
		UPDATE slot_members
		SET user_id = $2,
			member_name = $3,
			member_phone = NULLIF($4, ''),
			payment_status = $5,
			payment_id = $6,
			paid_at = $7,
			updated_at = $8
		WHERE id = $1
	`
	result, err := t.tx.Exec(ctx, query,
		member.ID,
		member.UserID,
		member.Name,
		member.Phone,
		member.PaymentStatus,
		member.PaymentID,
		member.PaidAt,
		member.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrMemberNotFound
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	slotID, passwordSlotID := domain.TargetColumns(payment.Target)
	if slotID == nil && passwordSlotID == nil {
		return fmt.Errorf("payment %s has no target", payment.ID)
	}
	metadata, err := json.Marshal(payment.Metadata)
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	query := `
		INSERT INTO payments (
			id, user_id, member_id, slot_id, password_slot_id, amount, currency, status,
			reference, channel, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11::jsonb, $12, $13)
	`
	_, err = t.tx.Exec(ctx, query,
		payment.ID,
		payment.UserID,
		payment.MemberID,
		slotID,
		passwordSlotID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.Reference,
		payment.Channel,
		string(metadata),
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if constraint, ok := isUniqueViolation(err); ok {
		return fmt.Errorf("duplicate payment (%s): %w", constraint, err)
	}
	return err
}

func (t *pgTx) UpdatePayment(ctx context.Context, payment *domain.Payment) error {
	metadata, err := json.Marshal(payment.Metadata)
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	query := `
		UPDATE payments
		SET status = $2,
			channel = NULLIF($3, ''),
			metadata = $4::jsonb,
			updated_at = $5
		WHERE id = $1
	`
	result, err := t.tx.Exec(ctx, query, payment.ID, payment.Status, payment.Channel, string(metadata), payment.UpdatedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

// InsertPayout records the creator payout; a second payout for the same slot is ignored.
func (t *pgTx) InsertPayout(ctx context.Context, payout *domain.CreatorPayout) error {
	query := `
		INSERT INTO creator_payouts (
			id, slot_id, creator_id, total_amount, platform_fee, net_amount, currency, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (slot_id) DO NOTHING
	`
	_, err := t.tx.Exec(ctx, query,
		payout.ID,
		payout.SlotID,
		payout.CreatorID,
		payout.TotalAmount,
		payout.PlatformFee,
		payout.NetAmount,
		payout.Currency,
		payout.Status,
		payout.CreatedAt,
	)
	return err
}

func (t *pgTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
