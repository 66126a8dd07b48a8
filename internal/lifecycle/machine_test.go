package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/internal/ledger"
	"github.com/OrigemSolution/sharePlan/internal/store"
	"github.com/OrigemSolution/sharePlan/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *storetest.Store
	machine *Machine
	ledger  *ledger.Ledger
	service domain.Service
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	l := ledger.NewWithClock(clock)
	repo := storetest.New()
	service := repo.SeedService(domain.Service{
		Name:     "Streaming Premium",
		Price:    decimal.NewFromInt(1000),
		Capacity: capacity,
		IsActive: true,
	})
	return &fixture{repo: repo, machine: NewWithClock(l, clock), ledger: l, service: service}
}

func (f *fixture) create(t *testing.T) (*domain.Slot, *ledger.JoinResult) {
	t.Helper()
	var (
		slot   *domain.Slot
		joined *ledger.JoinResult
	)
	err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		slot, joined, err = f.machine.Create(context.Background(), tx, CreateParams{
			Service:   &f.service,
			CreatorID: uuid.New(),
			Creator:   ledger.Identity{Name: "Creator", Email: "creator@example.com"},
			Duration:  1,
			Amounts:   Amounts{Creator: decimal.NewFromInt(200), Guest: decimal.NewFromInt(250)},
			ExpiresAt: fixedNow.Add(72 * time.Hour),
			Charge:    ledger.Charge{Reference: uuid.NewString(), Amount: 20000, Currency: "NGN"},
		})
		return err
	})
	require.NoError(t, err)
	return slot, joined
}

func (f *fixture) joinAndPay(t *testing.T, slotID uuid.UUID, email string) Transition {
	t.Helper()
	var tr Transition
	err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
		slot, err := tx.LockSlot(context.Background(), slotID)
		if err != nil {
			return err
		}
		res, err := f.ledger.AddMember(context.Background(), tx, slot, ledger.Identity{Name: "Guest", Email: email}, ledger.Charge{
			Reference: uuid.NewString(),
			Amount:    25000,
			Currency:  "NGN",
		})
		if err != nil {
			return err
		}
		if _, err := f.ledger.MarkPaid(context.Background(), tx, res.Member); err != nil {
			return err
		}
		tr, err = f.machine.OnMemberPaid(context.Background(), tx, slot, res.Member)
		return err
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) payMember(t *testing.T, slotID, memberID uuid.UUID) Transition {
	t.Helper()
	var tr Transition
	err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
		slot, err := tx.LockSlot(context.Background(), slotID)
		if err != nil {
			return err
		}
		member, err := tx.FindMemberByID(context.Background(), memberID)
		if err != nil {
			return err
		}
		if _, err := f.ledger.MarkPaid(context.Background(), tx, member); err != nil {
			return err
		}
		tr, err = f.machine.OnMemberPaid(context.Background(), tx, slot, member)
		return err
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) slot(t *testing.T, id uuid.UUID) *domain.Slot {
	t.Helper()
	slot, err := f.repo.FindSlotByID(context.Background(), id)
	require.NoError(t, err)
	return slot
}

func TestCreateOpensInactiveSlotWithPendingCreator(t *testing.T) {
	f := newFixture(t, 3)
	slot, joined := f.create(t)

	assert.Equal(t, domain.SlotStatusOpen, slot.Status)
	assert.False(t, slot.IsActive)
	assert.Equal(t, domain.MemberPaymentPending, slot.PaymentStatus)
	assert.Equal(t, 3, slot.Capacity)
	assert.True(t, joined.Member.IsCreator)
	assert.Equal(t, domain.MemberPaymentPending, joined.Member.PaymentStatus)
	assert.Equal(t, int64(20000), joined.Payment.Amount)
	assert.Equal(t, slot.PaymentReference, joined.Payment.Reference)
}

func TestCreateRejectsInactiveService(t *testing.T) {
	f := newFixture(t, 3)
	f.service.IsActive = false

	err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
		_, _, err := f.machine.Create(context.Background(), tx, CreateParams{
			Service:  &f.service,
			Duration: 1,
			Creator:  ledger.Identity{Email: "creator@example.com"},
			Charge:   ledger.Charge{Reference: "ref"},
		})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrServiceInactive)
}

func TestCreatorPaymentActivatesSlot(t *testing.T) {
	f := newFixture(t, 3)
	slot, joined := f.create(t)

	tr := f.payMember(t, slot.ID, joined.Member.ID)
	assert.True(t, tr.Activated)
	assert.False(t, tr.Completed)
	assert.Equal(t, 1, tr.PaidCount)

	stored := f.slot(t, slot.ID)
	assert.True(t, stored.IsActive)
	assert.Equal(t, domain.MemberPaymentPaid, stored.PaymentStatus)
	assert.Equal(t, 1, stored.CurrentMembers)
}

func TestCapacityOneActivatesAndCompletesTogether(t *testing.T) {
	f := newFixture(t, 1)
	slot, joined := f.create(t)

	tr := f.payMember(t, slot.ID, joined.Member.ID)
	assert.True(t, tr.Activated)
	assert.True(t, tr.Completed)

	stored := f.slot(t, slot.ID)
	assert.True(t, stored.IsActive)
	assert.Equal(t, domain.SlotStatusCompleted, stored.Status)
}

func TestSlotCompletesWhenLastSpotIsPaid(t *testing.T) {
	f := newFixture(t, 3)
	slot, joined := f.create(t)
	f.payMember(t, slot.ID, joined.Member.ID)

	tr := f.joinAndPay(t, slot.ID, "one@example.com")
	assert.False(t, tr.Completed)
	tr = f.joinAndPay(t, slot.ID, "two@example.com")
	assert.True(t, tr.Completed)
	assert.Equal(t, 3, tr.PaidCount)

	stored := f.slot(t, slot.ID)
	assert.Equal(t, domain.SlotStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.CurrentMembers)
}

func TestOnMemberPaidRejectsTerminalSlot(t *testing.T) {
	f := newFixture(t, 1)
	slot, joined := f.create(t)
	f.payMember(t, slot.ID, joined.Member.ID)

	err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
		locked, err := tx.LockSlot(context.Background(), slot.ID)
		if err != nil {
			return err
		}
		_, err = f.machine.OnMemberPaid(context.Background(), tx, locked, nil)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrSlotLocked)
}

func TestUpdate(t *testing.T) {
	reprice := func(duration int) (Amounts, error) {
		return Amounts{
			Creator: decimal.NewFromInt(int64(200 * duration)),
			Guest:   decimal.NewFromInt(int64(250 * duration)),
		}, nil
	}

	t.Run("duration change reprices before anyone paid", func(t *testing.T) {
		f := newFixture(t, 3)
		slot, _ := f.create(t)
		duration := 3

		err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
			locked, err := tx.LockSlot(context.Background(), slot.ID)
			if err != nil {
				return err
			}
			return f.machine.Update(context.Background(), tx, locked, UpdateParams{Duration: &duration, Reprice: reprice})
		})
		require.NoError(t, err)

		stored := f.slot(t, slot.ID)
		assert.Equal(t, 3, stored.Duration)
		assert.Equal(t, "750", stored.GuestAmount.String())
	})

	t.Run("duration change rejected after a payment", func(t *testing.T) {
		f := newFixture(t, 3)
		slot, joined := f.create(t)
		f.payMember(t, slot.ID, joined.Member.ID)
		duration := 2

		err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
			locked, err := tx.LockSlot(context.Background(), slot.ID)
			if err != nil {
				return err
			}
			return f.machine.Update(context.Background(), tx, locked, UpdateParams{Duration: &duration, Reprice: reprice})
		})
		assert.ErrorIs(t, err, domain.ErrSlotHasMembers)
	})

	t.Run("expiry must be in the future", func(t *testing.T) {
		f := newFixture(t, 3)
		slot, _ := f.create(t)
		past := fixedNow.Add(-time.Hour)

		err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
			locked, err := tx.LockSlot(context.Background(), slot.ID)
			if err != nil {
				return err
			}
			return f.machine.Update(context.Background(), tx, locked, UpdateParams{ExpiresAt: &past})
		})
		assert.ErrorIs(t, err, domain.ErrInvalidExpiry)
	})

	t.Run("completed slot is locked", func(t *testing.T) {
		f := newFixture(t, 1)
		slot, joined := f.create(t)
		f.payMember(t, slot.ID, joined.Member.ID)
		future := fixedNow.Add(time.Hour)

		err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
			locked, err := tx.LockSlot(context.Background(), slot.ID)
			if err != nil {
				return err
			}
			return f.machine.Update(context.Background(), tx, locked, UpdateParams{ExpiresAt: &future})
		})
		assert.ErrorIs(t, err, domain.ErrSlotLocked)
	})
}

func TestCancel(t *testing.T) {
	cancel := func(f *fixture, slotID uuid.UUID) (bool, error) {
		var changed bool
		err := f.repo.InTx(context.Background(), func(tx store.Tx) error {
			locked, err := tx.LockSlot(context.Background(), slotID)
			if err != nil {
				return err
			}
			changed, err = f.machine.Cancel(context.Background(), tx, locked)
			return err
		})
		return changed, err
	}

	t.Run("unpaid slot is cancelled once", func(t *testing.T) {
		f := newFixture(t, 3)
		slot, _ := f.create(t)

		changed, err := cancel(f, slot.ID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.SlotStatusCancelled, f.slot(t, slot.ID).Status)

		changed, err = cancel(f, slot.ID)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("slot with paid members cannot be cancelled", func(t *testing.T) {
		f := newFixture(t, 3)
		slot, joined := f.create(t)
		f.payMember(t, slot.ID, joined.Member.ID)

		_, err := cancel(f, slot.ID)
		assert.ErrorIs(t, err, domain.ErrSlotHasMembers)
	})
}
