/**
 * @description
 * Scheduled job implementations: the pending-payment sweep that catches charges
 * whose confirmation and webhook never arrived, and slot expiry.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/config"
	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/internal/store"
)

const (
	jobBatchSize = 100
	jobTimeout   = 4 * time.Minute
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service *Service
	repo    store.Repository
	logger  *slog.Logger
	config  config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(service *Service, repo store.Repository, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		service: service,
		repo:    repo,
		logger:  logger,
		config:  cfg,
	}
}

// SweepPendingPayments verifies charges that have been pending for a while and
// fails the ones the payer abandoned.
func (j *Jobs) SweepPendingPayments() {
	j.logger.Info("starting pending payment sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	now := j.service.now()
	payments, err := j.repo.ListStalePendingPayments(ctx, now.Add(-j.minPendingAge()), jobBatchSize)
	if err != nil {
		j.logger.Error("failed to list pending payments", "error", err)
		return
	}

	var settled, abandoned, failed int
	for i := range payments {
		payment := &payments[i]
		outcome, err := j.sweepPayment(ctx, payment, now)
		if err != nil {
			failed++
			j.logger.Warn("failed to sweep pending payment", "reference", payment.Reference, "error", err)
			continue
		}
		switch outcome {
		case domain.ReconcilePending:
		case domain.ReconcileFailed:
			abandoned++
		default:
			settled++
		}
	}

	j.logger.Info("pending payment sweep job finished",
		"candidates", len(payments), "settled", settled, "failed_or_abandoned", abandoned, "errors", failed)
}

func (j *Jobs) sweepPayment(ctx context.Context, payment *domain.Payment, now time.Time) (domain.ReconcileOutcome, error) {
	verification, err := j.service.verifyWithRetry(ctx, payment.Reference)
	if err != nil && !errors.Is(err, domain.ErrProviderRejected) {
		return "", err
	}

	abandoned := payment.CreatedAt.Before(now.Add(-j.abandonAfter()))
	var outcome *domain.ChargeOutcome
	switch {
	case err == nil && verification.Succeeded():
		outcome = &domain.ChargeOutcome{
			Success:  true,
			Amount:   verification.Amount,
			Channel:  verification.Channel,
			Metadata: verification.Metadata,
			Source:   domain.OutcomeSourceProviderVerify,
		}
	case err == nil && verification.Failed(), abandoned:
		// A rejected verify means the provider never saw the charge.
		outcome = &domain.ChargeOutcome{Success: false, Source: domain.OutcomeSourceProviderVerify}
	}
	if outcome == nil {
		return domain.ReconcilePending, nil
	}

	result, err := j.service.Reconcile(ctx, payment.Reference, *outcome)
	if err != nil {
		return "", err
	}
	return result.Outcome, nil
}

// ExpireSlots cancels open slots past their expiry that nobody has paid for.
func (j *Jobs) ExpireSlots() {
	j.logger.Info("starting slot expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	slots, err := j.repo.ListExpiredOpenSlots(ctx, j.service.now(), jobBatchSize)
	if err != nil {
		j.logger.Error("failed to list expired slots", "error", err)
		return
	}

	var cancelled, kept int
	for _, candidate := range slots {
		err := j.repo.InTx(ctx, func(tx store.Tx) error {
			slot, err := tx.LockSlot(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if slot.Status != domain.SlotStatusOpen || slot.ExpiresAt.After(j.service.now()) {
				return nil
			}
			return j.service.cancelLocked(ctx, tx, slot, "expired")
		})
		switch {
		case errors.Is(err, domain.ErrSlotHasMembers):
			kept++
		case err != nil:
			j.logger.Warn("failed to expire slot", "slot_id", candidate.ID, "error", err)
		default:
			cancelled++
		}
	}

	j.logger.Info("slot expiry job finished", "candidates", len(slots), "cancelled", cancelled, "kept_with_members", kept)
}

func (j *Jobs) minPendingAge() time.Duration {
	minutes := j.config.PendingPaymentMinAgeMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

func (j *Jobs) abandonAfter() time.Duration {
	hours := j.config.PendingPaymentAbandonHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}
