// Package storetest provides an in-memory store.Repository for tests. Units of
// work run one at a time against a private copy of the state that is swapped in
// on success, so a failed unit of work leaves nothing behind.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/internal/store"
	"github.com/google/uuid"
)

// DefaultLockWait is how long InTx waits for the previous unit of work.
const DefaultLockWait = 2 * time.Second

// Event is an outbox row as recorded by the memory store.
type Event struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
	Published  bool
	LastError  string
}

type state struct {
	users    map[uuid.UUID]domain.User
	services map[uuid.UUID]domain.Service
	slots    map[uuid.UUID]domain.Slot
	members  map[uuid.UUID]domain.Member
	payments map[uuid.UUID]domain.Payment
	payouts  map[uuid.UUID]domain.CreatorPayout
	outbox   []Event
	nextID   int64
	settings *domain.PlatformSettings
}

func newState() *state {
	return &state{
		users:    make(map[uuid.UUID]domain.User),
		services: make(map[uuid.UUID]domain.Service),
		slots:    make(map[uuid.UUID]domain.Slot),
		members:  make(map[uuid.UUID]domain.Member),
		payments: make(map[uuid.UUID]domain.Payment),
		payouts:  make(map[uuid.UUID]domain.CreatorPayout),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.services {
		c.services[k] = v
	}
	for k, v := range s.slots {
		c.slots[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.payments {
		v.Metadata = copyMetadata(v.Metadata)
		c.payments[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	c.outbox = append([]Event(nil), s.outbox...)
	c.nextID = s.nextID
	if s.settings != nil {
		settings := *s.settings
		c.settings = &settings
	}
	return c
}

// Store is an in-memory Repository.
type Store struct {
	mu       sync.RWMutex
	gate     chan struct{}
	lockWait time.Duration
	data     *state

	// BeforeCommit, when set, runs after fn succeeds and before the state is swapped in.
	// Returning an error aborts the unit of work.
	BeforeCommit func() error
}

var _ store.Repository = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		gate:     make(chan struct{}, 1),
		lockWait: DefaultLockWait,
		data:     newState(),
	}
}

// SetLockWait changes how long InTx waits before failing with domain.ErrBusy.
func (s *Store) SetLockWait(d time.Duration) {
	s.lockWait = d
}

// SeedUser stores a user.
func (s *Store) SeedUser(user domain.User) domain.User {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Status == "" {
		user.Status = domain.UserStatusVerified
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[user.ID] = user
	return user
}

// SeedService stores a catalog service.
func (s *Store) SeedService(service domain.Service) domain.Service {
	if service.ID == uuid.Nil {
		service.ID = uuid.New()
	}
	if service.Kind == "" {
		service.Kind = domain.SlotKindSubscription
	}
	if service.DurationUnit == "" {
		service.DurationUnit = "month"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.services[service.ID] = service
	return service
}

// SetPlatformSettings replaces the stored settings; nil clears them.
func (s *Store) SetPlatformSettings(settings *domain.PlatformSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings == nil {
		s.data.settings = nil
		return
	}
	copied := *settings
	s.data.settings = &copied
}

// Events returns every outbox row in insertion order.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.data.outbox...)
}

// EventsWithKey returns the outbox rows carrying routingKey.
func (s *Store) EventsWithKey(routingKey string) []Event {
	var matched []Event
	for _, event := range s.Events() {
		if event.RoutingKey == routingKey {
			matched = append(matched, event)
		}
	}
	return matched
}

// Members returns the slot's members without ordering guarantees beyond creator first.
func (s *Store) Members(slotID uuid.UUID) []domain.Member {
	members, _ := s.ListMembersBySlotID(context.Background(), slotID)
	return members
}

// Payments returns every payment bound to the slot.
func (s *Store) Payments(slotID uuid.UUID) []domain.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var payments []domain.Payment
	for _, p := range s.data.payments {
		if p.Target != nil && p.Target.SlotID() == slotID {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	return payments
}

// Backdate shifts a payment's creation time, for sweeps that look at age.
func (s *Store) Backdate(reference string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.data.payments {
		if p.Reference == reference {
			p.CreatedAt = createdAt
			s.data.payments[id] = p
		}
	}
}

// ExpireSlot moves a slot's expiry to at.
func (s *Store) ExpireSlot(slotID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.data.slots[slotID]; ok {
		slot.ExpiresAt = at
		s.data.slots[slotID] = slot
	}
}

func (s *Store) FindUserByClerkUserID(ctx context.Context, clerkUserID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.data.users {
		if u.ClerkUserID == clerkUserID {
			user := u
			return &user, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (s *Store) FindServiceByID(ctx context.Context, serviceID uuid.UUID) (*domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.data.services[serviceID]
	if !ok {
		return nil, domain.ErrServiceNotFound
	}
	return &service, nil
}

func (s *Store) ListActiveServices(ctx context.Context) ([]domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	services := make([]domain.Service, 0, len(s.data.services))
	for _, service := range s.data.services {
		if service.IsActive {
			services = append(services, service)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) GetPlatformSettings(ctx context.Context) (*domain.PlatformSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.settings == nil {
		return nil, nil
	}
	settings := *s.data.settings
	return &settings, nil
}

func (s *Store) FindSlotByID(ctx context.Context, slotID uuid.UUID) (*domain.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.data.slots[slotID]
	if !ok {
		return nil, domain.ErrSlotNotFound
	}
	return &slot, nil
}

func (s *Store) ListVisibleSlots(ctx context.Context, viewerID *uuid.UUID, opts domain.SlotListOptions) ([]domain.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var slots []domain.Slot
	for _, slot := range s.data.slots {
		own := viewerID != nil && slot.CreatorID == *viewerID
		if !slot.IsActive && !own {
			continue
		}
		if opts.ServiceID != nil && slot.ServiceID != *opts.ServiceID {
			continue
		}
		if opts.Kind != "" && slot.Kind != opts.Kind {
			continue
		}
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].CreatedAt.After(slots[j].CreatedAt) })

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(slots) {
		return []domain.Slot{}, nil
	}
	slots = slots[offset:]
	if len(slots) > limit {
		slots = slots[:limit]
	}
	return slots, nil
}

func (s *Store) ListTrendingSlots(ctx context.Context, since time.Time, limit int) ([]domain.TrendingSlot, error) {
	if limit <= 0 {
		limit = 6
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := make(map[uuid.UUID]int)
	for _, m := range s.data.members {
		if m.Paid() && m.PaidAt != nil && !m.PaidAt.Before(since) {
			recent[m.SlotID]++
		}
	}

	trending := make([]domain.TrendingSlot, 0, len(recent))
	for slotID, joins := range recent {
		slot, ok := s.data.slots[slotID]
		// CurrentMembers is a display cache here, as in the SQL version.
		if !ok || !slot.IsActive || slot.Status != domain.SlotStatusOpen || slot.CurrentMembers >= slot.Capacity {
			continue
		}
		trending = append(trending, domain.TrendingSlot{
			Slot:        slot,
			ServiceName: s.data.services[slot.ServiceID].Name,
			RecentJoins: joins,
		})
	}
	sort.Slice(trending, func(i, j int) bool {
		if trending[i].RecentJoins != trending[j].RecentJoins {
			return trending[i].RecentJoins > trending[j].RecentJoins
		}
		return trending[i].Slot.CreatedAt.After(trending[j].Slot.CreatedAt)
	})
	if len(trending) > limit {
		trending = trending[:limit]
	}
	return trending, nil
}

func (s *Store) ListMembersBySlotID(ctx context.Context, slotID uuid.UUID) ([]domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return membersOf(s.data, slotID), nil
}

func (s *Store) FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.data.members[memberID]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	return &member, nil
}

func (s *Store) FindPayoutBySlotID(ctx context.Context, slotID uuid.UUID) (*domain.CreatorPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payout, ok := s.data.payouts[slotID]
	if !ok {
		return nil, nil
	}
	return &payout, nil
}

func (s *Store) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paymentByReference(s.data, reference)
}

func (s *Store) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var payments []domain.Payment
	for _, p := range s.data.payments {
		if p.Pending() && p.CreatedAt.Before(olderThan) {
			p.Metadata = copyMetadata(p.Metadata)
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	if len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

func (s *Store) ListExpiredOpenSlots(ctx context.Context, now time.Time, limit int) ([]domain.Slot, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var slots []domain.Slot
	for _, slot := range s.data.slots {
		if slot.Status == domain.SlotStatusOpen && !slot.ExpiresAt.After(now) {
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ExpiresAt.Before(slots[j].ExpiresAt) })
	if len(slots) > limit {
		slots = slots[:limit]
	}
	return slots, nil
}

// InTx serializes units of work. Waiting longer than the lock wait fails with domain.ErrBusy.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case s.gate <- struct{}{}:
	case <-timer.C:
		return domain.ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{data: working}); err != nil {
		return err
	}
	if s.BeforeCommit != nil {
		if err := s.BeforeCommit(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return nil
}

func (s *Store) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []store.OutboxMessage
	for i := range s.data.outbox {
		event := &s.data.outbox[i]
		if event.Published {
			continue
		}
		event.Attempts++
		claimed = append(claimed, store.OutboxMessage{
			ID:         event.ID,
			Exchange:   event.Exchange,
			RoutingKey: event.RoutingKey,
			Payload:    append([]byte(nil), event.Payload...),
			Attempts:   event.Attempts,
		})
		if len(claimed) == limit {
			break
		}
	}
	return claimed, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.outbox {
		if s.data.outbox[i].ID == id {
			s.data.outbox[i].Published = true
			s.data.outbox[i].LastError = ""
		}
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.outbox {
		if s.data.outbox[i].ID == id {
			s.data.outbox[i].LastError = reason
		}
	}
	return nil
}

// memTx mutates a private copy of the state.
type memTx struct {
	data *state
}

func (t *memTx) LockSlot(ctx context.Context, slotID uuid.UUID) (*domain.Slot, error) {
	slot, ok := t.data.slots[slotID]
	if !ok {
		return nil, domain.ErrSlotNotFound
	}
	return &slot, nil
}

func (t *memTx) LockPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return paymentByReference(t.data, reference)
}

func (t *memTx) PaidMemberCount(ctx context.Context, slotID uuid.UUID) (int, error) {
	count := 0
	for _, m := range t.data.members {
		if m.SlotID == slotID && m.Paid() {
			count++
		}
	}
	return count, nil
}

func (t *memTx) FindMemberByEmail(ctx context.Context, slotID uuid.UUID, email string) (*domain.Member, error) {
	email = domain.NormalizeEmail(email)
	for _, m := range t.data.members {
		if m.SlotID == slotID && m.Email == email {
			member := m
			return &member, nil
		}
	}
	return nil, domain.ErrMemberNotFound
}

func (t *memTx) FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error) {
	member, ok := t.data.members[memberID]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	return &member, nil
}

func (t *memTx) InsertSlot(ctx context.Context, slot *domain.Slot) error {
	t.data.slots[slot.ID] = *slot
	return nil
}

func (t *memTx) UpdateSlot(ctx context.Context, slot *domain.Slot) error {
	if _, ok := t.data.slots[slot.ID]; !ok {
		return domain.ErrSlotNotFound
	}
	t.data.slots[slot.ID] = *slot
	return nil
}

func (t *memTx) InsertMember(ctx context.Context, member *domain.Member) error {
	email := domain.NormalizeEmail(member.Email)
	for _, m := range t.data.members {
		if m.SlotID == member.SlotID && m.Email == email {
			return domain.ErrAlreadyJoined
		}
	}
	stored := *member
	stored.Email = email
	t.data.members[member.ID] = stored
	return nil
}

func (t *memTx) UpdateMember(ctx context.Context, member *domain.Member) error {
	existing, ok := t.data.members[member.ID]
	if !ok {
		return domain.ErrMemberNotFound
	}
	updated := *member
	updated.Email = existing.Email
	t.data.members[member.ID] = updated
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	if payment.Target == nil {
		return domain.ErrPaymentTargetMismatch
	}
	if _, err := paymentByReference(t.data, payment.Reference); err == nil {
		return domain.ErrInvalidRequest.WithMessage("duplicate payment reference")
	}
	stored := *payment
	stored.Metadata = copyMetadata(payment.Metadata)
	t.data.payments[payment.ID] = stored
	return nil
}

func (t *memTx) UpdatePayment(ctx context.Context, payment *domain.Payment) error {
	if _, ok := t.data.payments[payment.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	stored := *payment
	stored.Metadata = copyMetadata(payment.Metadata)
	t.data.payments[payment.ID] = stored
	return nil
}

func (t *memTx) InsertPayout(ctx context.Context, payout *domain.CreatorPayout) error {
	if _, ok := t.data.payouts[payout.SlotID]; ok {
		return nil
	}
	t.data.payouts[payout.SlotID] = *payout
	return nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.data.nextID++
	t.data.outbox = append(t.data.outbox, Event{
		ID:         t.data.nextID,
		Exchange:   strings.TrimSpace(exchange),
		RoutingKey: strings.TrimSpace(routingKey),
		Payload:    blob,
	})
	return nil
}

func paymentByReference(data *state, reference string) (*domain.Payment, error) {
	reference = strings.TrimSpace(reference)
	for _, p := range data.payments {
		if p.Reference == reference {
			payment := p
			payment.Metadata = copyMetadata(p.Metadata)
			return &payment, nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func membersOf(data *state, slotID uuid.UUID) []domain.Member {
	members := make([]domain.Member, 0)
	for _, m := range data.members {
		if m.SlotID == slotID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].IsCreator != members[j].IsCreator {
			return members[i].IsCreator
		}
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
	return members
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
