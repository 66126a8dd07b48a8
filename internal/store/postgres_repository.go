/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the read queries for the catalog, slots, members and payments, and
 * the unit-of-work entry point `InTx` that every slot mutation goes through.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultLockTimeout = 5 * time.Second

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository. lockTimeout
// bounds how long a unit of work waits for a row lock before failing as busy.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const slotColumns = `
	s.id, s.service_id, s.kind, s.creator_id, s.capacity, s.duration, s.status,
	s.payment_status, s.is_active, COALESCE(s.payment_reference, ''), s.current_members,
	s.creator_amount, s.guest_amount, s.guest_fee, s.expires_at, s.created_at, s.updated_at`

const memberColumns = `
	m.id, m.slot_id, m.user_id, m.is_creator, m.member_name, m.member_email,
	COALESCE(m.member_phone, ''), m.payment_status, m.payment_id, m.paid_at, m.created_at, m.updated_at`

const paymentColumns = `
	p.id, p.user_id, p.member_id, p.slot_id, p.password_slot_id, p.amount, p.currency, p.status,
	p.reference, COALESCE(p.channel, ''), COALESCE(p.metadata::text, '{}'), p.created_at, p.updated_at`

func scanSlot(row rowScanner) (*domain.Slot, error) {
	var slot domain.Slot
	err := row.Scan(
		&slot.ID,
		&slot.ServiceID,
		&slot.Kind,
		&slot.CreatorID,
		&slot.Capacity,
		&slot.Duration,
		&slot.Status,
		&slot.PaymentStatus,
		&slot.IsActive,
		&slot.PaymentReference,
		&slot.CurrentMembers,
		&slot.CreatorAmount,
		&slot.GuestAmount,
		&slot.GuestFee,
		&slot.ExpiresAt,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func scanMember(row rowScanner) (*domain.Member, error) {
	var member domain.Member
	err := row.Scan(
		&member.ID,
		&member.SlotID,
		&member.UserID,
		&member.IsCreator,
		&member.Name,
		&member.Email,
		&member.Phone,
		&member.PaymentStatus,
		&member.PaymentID,
		&member.PaidAt,
		&member.CreatedAt,
		&member.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		payment        domain.Payment
		slotID         *uuid.UUID
		passwordSlotID *uuid.UUID
		metadataText   string
	)
	err := row.Scan(
		&payment.ID,
		&payment.UserID,
		&payment.MemberID,
		&slotID,
		&passwordSlotID,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&payment.Reference,
		&payment.Channel,
		&metadataText,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	target, err := domain.TargetFromColumns(slotID, passwordSlotID)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", payment.ID, err)
	}
	payment.Target = target
	if metadataText != "" {
		if err := json.Unmarshal([]byte(metadataText), &payment.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &payment, nil
}

// FindUserByClerkUserID resolves the internal user from a Clerk user id.
func (r *PostgresRepository) FindUserByClerkUserID(ctx context.Context, clerkUserID string) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, clerk_user_id, email, COALESCE(full_name, ''), status, is_admin
		FROM users
		WHERE clerk_user_id = $1
	`
	err := r.db.QueryRow(ctx, query, clerkUserID).Scan(
		&user.ID,
		&user.ClerkUserID,
		&user.Email,
		&user.FullName,
		&user.Status,
		&user.IsAdmin,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindServiceByID retrieves a catalog service.
func (r *PostgresRepository) FindServiceByID(ctx context.Context, serviceID uuid.UUID) (*domain.Service, error) {
	var service domain.Service
	query := `
		SELECT id, name, kind, price, capacity, duration_unit, is_active
		FROM services
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, serviceID).Scan(
		&service.ID,
		&service.Name,
		&service.Kind,
		&service.Price,
		&service.Capacity,
		&service.DurationUnit,
		&service.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrServiceNotFound
		}
		return nil, err
	}
	return &service, nil
}

// ListActiveServices returns the catalog entries slots can be opened for.
func (r *PostgresRepository) ListActiveServices(ctx context.Context) ([]domain.Service, error) {
	query := `
		SELECT id, name, kind, price, capacity, duration_unit, is_active
		FROM services
		WHERE is_active = TRUE
		ORDER BY name ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := make([]domain.Service, 0)
	for rows.Next() {
		var service domain.Service
		if err := rows.Scan(
			&service.ID,
			&service.Name,
			&service.Kind,
			&service.Price,
			&service.Capacity,
			&service.DurationUnit,
			&service.IsActive,
		); err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, rows.Err()
}

// GetPlatformSettings reads the singleton settings row. A missing row or table
// yields nil settings so callers fall back to configuration.
func (r *PostgresRepository) GetPlatformSettings(ctx context.Context) (*domain.PlatformSettings, error) {
	var settings domain.PlatformSettings
	query := `SELECT guest_flat_fee, creator_discount_percent FROM platform_settings WHERE id = 1`
	err := r.db.QueryRow(ctx, query).Scan(&settings.GuestFlatFee, &settings.CreatorDiscountPercent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if isUndefinedTableError(err) {
			log.Printf("level=warn component=store msg=\"platform_settings table missing; using configured pricing\"")
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

// FindSlotByID retrieves a slot without locking it.
func (r *PostgresRepository) FindSlotByID(ctx context.Context, slotID uuid.UUID) (*domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots s WHERE s.id = $1`
	slot, err := scanSlot(r.db.QueryRow(ctx, query, slotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSlotNotFound
		}
		return nil, err
	}
	return slot, nil
}

// ListVisibleSlots returns active slots plus, when viewerID is set, the viewer's own slots.
func (r *PostgresRepository) ListVisibleSlots(ctx context.Context, viewerID *uuid.UUID, opts domain.SlotListOptions) ([]domain.Slot, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var kind *string
	if opts.Kind != "" {
		k := string(opts.Kind)
		kind = &k
	}

	query := `
		SELECT ` + slotColumns + `
		FROM slots s
		WHERE (s.is_active = TRUE OR ($1::uuid IS NOT NULL AND s.creator_id = $1::uuid))
			AND ($2::uuid IS NULL OR s.service_id = $2::uuid)
			AND ($3::text IS NULL OR s.kind = $3::text)
		ORDER BY s.created_at DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := r.db.Query(ctx, query, viewerID, opts.ServiceID, kind, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := make([]domain.Slot, 0, limit)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

// ListTrendingSlots ranks open, active, not-full slots by members paid since the cutoff.
func (r *PostgresRepository) ListTrendingSlots(ctx context.Context, since time.Time, limit int) ([]domain.TrendingSlot, error) {
	if limit <= 0 {
		limit = 6
	}
	query := `
		WITH recent AS (
			SELECT m.slot_id, COUNT(*) AS recent_joins
			FROM slot_members m
			WHERE m.payment_status = 'paid' AND m.paid_at >= $1
			GROUP BY m.slot_id
		)
		SELECT ` + slotColumns + `, sv.name, recent.recent_joins
		FROM recent
		JOIN slots s ON s.id = recent.slot_id
		JOIN services sv ON sv.id = s.service_id
		WHERE s.is_active = TRUE
			AND s.status = 'open'
			-- current_members is a display cache, never a capacity check
			AND s.current_members < s.capacity
		ORDER BY recent.recent_joins DESC, s.created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trending := make([]domain.TrendingSlot, 0, limit)
	for rows.Next() {
		var item domain.TrendingSlot
		s := &item.Slot
		if err := rows.Scan(
			&s.ID,
			&s.ServiceID,
			&s.Kind,
			&s.CreatorID,
			&s.Capacity,
			&s.Duration,
			&s.Status,
			&s.PaymentStatus,
			&s.IsActive,
			&s.PaymentReference,
			&s.CurrentMembers,
			&s.CreatorAmount,
			&s.GuestAmount,
			&s.GuestFee,
			&s.ExpiresAt,
			&s.CreatedAt,
			&s.UpdatedAt,
			&item.ServiceName,
			&item.RecentJoins,
		); err != nil {
			return nil, err
		}
		trending = append(trending, item)
	}
	return trending, rows.Err()
}

// ListMembersBySlotID returns every member record of a slot, creator first.
func (r *PostgresRepository) ListMembersBySlotID(ctx context.Context, slotID uuid.UUID) ([]domain.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM slot_members m
		WHERE m.slot_id = $1
		ORDER BY m.is_creator DESC, m.created_at ASC
	`
	rows, err := r.db.Query(ctx, query, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]domain.Member, 0)
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *member)
	}
	return members, rows.Err()
}

// FindMemberByID retrieves a member without locking.
func (r *PostgresRepository) FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error) {
	return findMemberByID(ctx, r.db, memberID)
}

// FindPayoutBySlotID returns the payout recorded when a slot completed.
func (r *PostgresRepository) FindPayoutBySlotID(ctx context.Context, slotID uuid.UUID) (*domain.CreatorPayout, error) {
	var payout domain.CreatorPayout
	query := `
		SELECT id, slot_id, creator_id, total_amount, platform_fee, net_amount, currency, status, created_at
		FROM creator_payouts
		WHERE slot_id = $1
	`
	err := r.db.QueryRow(ctx, query, slotID).Scan(
		&payout.ID,
		&payout.SlotID,
		&payout.CreatorID,
		&payout.TotalAmount,
		&payout.PlatformFee,
		&payout.NetAmount,
		&payout.Currency,
		&payout.Status,
		&payout.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &payout, nil
}

// FindPaymentByReference retrieves a payment by provider reference without locking.
func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p WHERE p.reference = $1`
	payment, err := scanPayment(r.db.QueryRow(ctx, query, strings.TrimSpace(reference)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// ListStalePendingPayments returns pending payments created before olderThan, oldest first.
func (r *PostgresRepository) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		WHERE p.status = 'pending' AND p.created_at < $1
		ORDER BY p.created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, limit)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// ListExpiredOpenSlots returns open slots whose expiry has passed.
func (r *PostgresRepository) ListExpiredOpenSlots(ctx context.Context, now time.Time, limit int) ([]domain.Slot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + slotColumns + `
		FROM slots s
		WHERE s.status = 'open' AND s.expires_at <= $1
		ORDER BY s.expires_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := make([]domain.Slot, 0, limit)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

// InTx runs fn inside a database transaction with a bounded lock wait.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// SET does not accept bind parameters.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return translateLockError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translateLockError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// ClaimOutboxMessages moves due outbox rows to processing and returns them.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// querier is the read surface shared by the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findMemberByID(ctx context.Context, q querier, memberID uuid.UUID) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM slot_members m WHERE m.id = $1`
	member, err := scanMember(q.QueryRow(ctx, query, memberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMemberNotFound
		}
		return nil, err
	}
	return member, nil
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func isUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// translateLockError maps lock timeouts, deadlocks and serialization failures to ErrBusy.
func translateLockError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40P01", "40001":
		return domain.ErrBusy.Wrap(err)
	}
	return err
}
