package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/internal/pricing"
	"github.com/OrigemSolution/sharePlan/internal/store"
	"github.com/OrigemSolution/sharePlan/pkg/paystackclient"
	"github.com/google/uuid"
)

const (
	chargeSuccessEvent = "charge.success"

	refundReasonKey   = "refund_reason"
	lateSuccessReason = "payment_already_failed"
)

type webhookEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Reference string          `json:"reference"`
		Status    string          `json:"status"`
		Amount    int64           `json:"amount"`
		Channel   string          `json:"channel"`
		Metadata  json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// metadata decodes data.metadata, which the provider sends as "" when empty.
func (e *webhookEnvelope) metadata() map[string]interface{} {
	metadata := map[string]interface{}{}
	if len(e.Data.Metadata) == 0 {
		return metadata
	}
	if err := json.Unmarshal(e.Data.Metadata, &metadata); err != nil {
		return map[string]interface{}{}
	}
	return metadata
}

// ConfirmPayment confirms a payment started by the authenticated user.
func (s *Service) ConfirmPayment(ctx context.Context, user *domain.User, req domain.ConfirmPaymentRequest) (*domain.ConfirmPaymentResponse, error) {
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	payment, err := s.paymentForSlot(ctx, req)
	if err != nil {
		return nil, err
	}
	if payment.UserID == nil || *payment.UserID != user.ID {
		return nil, domain.ErrPaymentNotOwned
	}
	return s.settle(ctx, payment)
}

// ConfirmGuestPayment confirms a guest payment. The email must match the member
// the payment was started for.
func (s *Service) ConfirmGuestPayment(ctx context.Context, req domain.ConfirmPaymentRequest) (*domain.ConfirmPaymentResponse, error) {
	email := domain.NormalizeEmail(req.Email)
	if email == "" {
		return nil, domain.Validation("email is required")
	}
	payment, err := s.paymentForSlot(ctx, req)
	if err != nil {
		return nil, err
	}
	member, err := s.repo.FindMemberByID(ctx, payment.MemberID)
	if err != nil {
		return nil, err
	}
	if domain.NormalizeEmail(member.Email) != email {
		return nil, domain.ErrPaymentNotOwned
	}
	return s.settle(ctx, payment)
}

// HandleProviderWebhook authenticates a provider callback and applies charge.success
// events. Other events are ignored and return a nil result.
func (s *Service) HandleProviderWebhook(ctx context.Context, body []byte, signature string) (*domain.ReconcileResult, error) {
	secret := strings.TrimSpace(s.config.PaystackSecretKey)
	if secret == "" || !paystackclient.VerifySignature(secret, body, signature) {
		return nil, domain.ErrInvalidSignature
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.Validation("webhook payload is not valid JSON")
	}
	if envelope.Event != chargeSuccessEvent {
		log.Printf("level=info component=webhook msg=\"ignoring provider event\" event=%s", envelope.Event)
		return nil, nil
	}
	reference := strings.TrimSpace(envelope.Data.Reference)
	if reference == "" {
		return nil, domain.Validation("webhook payload has no reference")
	}

	result, err := s.Reconcile(ctx, reference, domain.ChargeOutcome{
		Success:  true,
		Amount:   envelope.Data.Amount,
		Channel:  envelope.Data.Channel,
		Metadata: envelope.metadata(),
		Source:   domain.OutcomeSourceSignedWebhook,
	})
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"reconcile failed\" reference=%s err=%v", reference, err)
		return nil, err
	}
	log.Printf("level=info component=webhook msg=\"charge reconciled\" reference=%s outcome=%s", reference, result.Outcome)
	return result, nil
}

// Reconcile applies an authenticated charge outcome to the payment with the given
// reference. Applying the same outcome twice has no further effect.
func (s *Service) Reconcile(ctx context.Context, reference string, outcome domain.ChargeOutcome) (*domain.ReconcileResult, error) {
	result := &domain.ReconcileResult{}
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		payment, err := tx.LockPaymentByReference(ctx, reference)
		if err != nil {
			return err
		}
		result.Payment = payment
		if !payment.Pending() {
			if payment.Status == domain.ChargeStatusFailed && outcome.Success && outcome.Source.Authenticated() {
				return s.refundLateSuccess(ctx, tx, payment, result)
			}
			result.Outcome = domain.ReconcileAlreadyProcessed
			return nil
		}
		if !outcome.Source.Authenticated() {
			return domain.ErrUnverifiedOutcome
		}
		if payment.Target == nil {
			return domain.ErrPaymentTargetMismatch
		}

		slot, err := tx.LockSlot(ctx, payment.Target.SlotID())
		if err != nil {
			return err
		}
		switch payment.Target.(type) {
		case domain.SubscriptionSlotTarget:
			if slot.Kind != domain.SlotKindSubscription {
				return domain.ErrPaymentTargetMismatch
			}
		case domain.PasswordSlotTarget:
			if slot.Kind != domain.SlotKindPasswordSharing {
				return domain.ErrPaymentTargetMismatch
			}
		default:
			return domain.ErrPaymentTargetMismatch
		}
		member, err := tx.FindMemberByID(ctx, payment.MemberID)
		if err != nil {
			return err
		}
		result.Slot = slot
		result.Member = member

		mergeOutcome(payment, outcome)
		if !outcome.Success {
			result.Outcome = domain.ReconcileFailed
			return s.failPayment(ctx, tx, payment, member, "declined")
		}
		if outcome.Amount > 0 && outcome.Amount < payment.Amount {
			result.Outcome = domain.ReconcileFailed
			return s.failPayment(ctx, tx, payment, member, "amount_mismatch")
		}
		return s.applyPaid(ctx, tx, slot, member, payment, result)
	})
	if err != nil {
		return nil, err
	}
	s.fillResult(ctx, result)
	return result, nil
}

// applyPaid records a captured charge and promotes the member when a spot is left.
// Money that arrives for a member who already paid, or for a slot that is closed
// or full, is kept as received and flagged for refund.
func (s *Service) applyPaid(ctx context.Context, tx store.Tx, slot *domain.Slot, member *domain.Member, payment *domain.Payment, result *domain.ReconcileResult) error {
	now := s.now()
	payment.Status = domain.ChargeStatusSuccess
	payment.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	if err := s.enqueue(ctx, tx, domain.EventPaymentSucceeded, domain.NewPaymentEvent(payment, member, "", now)); err != nil {
		return err
	}

	if member.Paid() {
		result.Outcome = domain.ReconcileDuplicate
		return s.requireRefund(ctx, tx, payment, member, "member_already_paid")
	}
	if slot.Status.Terminal() {
		result.Outcome = domain.ReconcileOverflow
		return s.requireRefund(ctx, tx, payment, member, "slot_"+string(slot.Status))
	}
	paid, err := s.ledger.PaidCount(ctx, tx, slot.ID)
	if err != nil {
		return err
	}
	if paid >= slot.Capacity {
		result.Outcome = domain.ReconcileOverflow
		return s.requireRefund(ctx, tx, payment, member, "slot_full")
	}

	paymentID := payment.ID
	member.PaymentID = &paymentID
	if _, err := s.ledger.MarkPaid(ctx, tx, member); err != nil {
		return err
	}
	tr, err := s.machine.OnMemberPaid(ctx, tx, slot, member)
	if err != nil {
		return err
	}

	result.Outcome = domain.ReconcileApplied
	result.Activated = tr.Activated
	result.Completed = tr.Completed
	if tr.Activated {
		if err := s.enqueue(ctx, tx, domain.EventSlotActivated, domain.NewSlotEvent(slot, tr.PaidCount, "", now)); err != nil {
			return err
		}
	}
	if tr.Completed {
		if err := s.enqueue(ctx, tx, domain.EventSlotCompleted, domain.NewSlotEvent(slot, tr.PaidCount, "", now)); err != nil {
			return err
		}
		if err := tx.InsertPayout(ctx, s.payoutFor(slot, tr.PaidCount, payment.Currency)); err != nil {
			return err
		}
	}
	log.Printf("level=info component=reconcile msg=\"member paid\" slot_id=%s member_id=%s paid=%d capacity=%d activated=%t completed=%t",
		slot.ID, member.ID, tr.PaidCount, slot.Capacity, tr.Activated, tr.Completed)
	return nil
}

// refundLateSuccess handles a capture reported after the payment was failed
// locally, typically by the abandon sweep. The payment keeps its failed status
// and the member is not promoted; the money is flagged for refund once.
func (s *Service) refundLateSuccess(ctx context.Context, tx store.Tx, payment *domain.Payment, result *domain.ReconcileResult) error {
	if _, flagged := payment.Metadata[refundReasonKey]; flagged {
		result.Outcome = domain.ReconcileAlreadyProcessed
		return nil
	}
	member, err := tx.FindMemberByID(ctx, payment.MemberID)
	if err != nil {
		return err
	}
	result.Member = member

	if payment.Metadata == nil {
		payment.Metadata = make(map[string]interface{})
	}
	payment.Metadata[refundReasonKey] = lateSuccessReason
	payment.UpdatedAt = s.now()
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	result.Outcome = domain.ReconcileOverflow
	return s.requireRefund(ctx, tx, payment, member, lateSuccessReason)
}

func (s *Service) failPayment(ctx context.Context, tx store.Tx, payment *domain.Payment, member *domain.Member, reason string) error {
	now := s.now()
	payment.Status = domain.ChargeStatusFailed
	payment.UpdatedAt = now
	if payment.Metadata == nil {
		payment.Metadata = make(map[string]interface{})
	}
	payment.Metadata["failure_reason"] = reason
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, domain.EventPaymentFailed, domain.NewPaymentEvent(payment, member, reason, now))
}

func (s *Service) requireRefund(ctx context.Context, tx store.Tx, payment *domain.Payment, member *domain.Member, reason string) error {
	log.Printf("level=warn component=reconcile msg=\"payment needs refund\" reference=%s member_id=%s reason=%s", payment.Reference, payment.MemberID, reason)
	return s.enqueue(ctx, tx, domain.EventPaymentRefundRequired, domain.NewPaymentEvent(payment, member, reason, s.now()))
}

// payoutFor computes what the creator is owed from the paid guests.
func (s *Service) payoutFor(slot *domain.Slot, paidCount int, currency string) *domain.CreatorPayout {
	guests := int64(paidCount - 1)
	if guests < 0 {
		guests = 0
	}
	total := guests * pricing.ToMinorUnits(slot.GuestAmount)
	fee := guests * pricing.ToMinorUnits(slot.GuestFee)
	return &domain.CreatorPayout{
		ID:          uuid.New(),
		SlotID:      slot.ID,
		CreatorID:   slot.CreatorID,
		TotalAmount: total,
		PlatformFee: fee,
		NetAmount:   total - fee,
		Currency:    currency,
		Status:      domain.PayoutStatusPending,
		CreatedAt:   s.now(),
	}
}

// settle asks the provider for the charge's state and reconciles it.
func (s *Service) settle(ctx context.Context, payment *domain.Payment) (*domain.ConfirmPaymentResponse, error) {
	if !payment.Pending() {
		result := &domain.ReconcileResult{Outcome: domain.ReconcileAlreadyProcessed, Payment: payment}
		s.fillResult(ctx, result)
		return confirmResponse(result), nil
	}

	verification, err := s.verifyWithRetry(ctx, payment.Reference)
	if err != nil {
		log.Printf("level=warn component=reconcile msg=\"verify failed\" reference=%s err=%v", payment.Reference, err)
		return nil, err
	}

	var result *domain.ReconcileResult
	switch {
	case verification.Succeeded():
		result, err = s.Reconcile(ctx, payment.Reference, domain.ChargeOutcome{
			Success:  true,
			Amount:   verification.Amount,
			Channel:  verification.Channel,
			Metadata: verification.Metadata,
			Source:   domain.OutcomeSourceProviderVerify,
		})
	case verification.Failed():
		result, err = s.Reconcile(ctx, payment.Reference, domain.ChargeOutcome{
			Success:  false,
			Channel:  verification.Channel,
			Metadata: verification.Metadata,
			Source:   domain.OutcomeSourceProviderVerify,
		})
	default:
		result = &domain.ReconcileResult{Outcome: domain.ReconcilePending, Payment: payment}
		s.fillResult(ctx, result)
	}
	if err != nil {
		return nil, err
	}
	return confirmResponse(result), nil
}

// verifyWithRetry retries a transient verify failure once.
func (s *Service) verifyWithRetry(ctx context.Context, reference string) (*Verification, error) {
	verification, err := s.provider.Verify(ctx, reference)
	if err == nil || !retryable(err) {
		return verification, err
	}

	timer := time.NewTimer(s.verifyBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return s.provider.Verify(ctx, reference)
}

func (s *Service) paymentForSlot(ctx context.Context, req domain.ConfirmPaymentRequest) (*domain.Payment, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, domain.Validation("reference is required")
	}
	slotID, err := uuid.Parse(strings.TrimSpace(req.SlotID))
	if err != nil {
		return nil, domain.Validation("slot_id must be a valid UUID")
	}
	payment, err := s.repo.FindPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.Target == nil || payment.Target.SlotID() != slotID {
		return nil, domain.ErrPaymentTargetMismatch
	}
	return payment, nil
}

// fillResult loads the current slot and member for results that were decided
// without locking them.
func (s *Service) fillResult(ctx context.Context, result *domain.ReconcileResult) {
	if result.Payment == nil {
		return
	}
	if result.Slot == nil && result.Payment.Target != nil {
		if slot, err := s.repo.FindSlotByID(ctx, result.Payment.Target.SlotID()); err == nil {
			result.Slot = slot
		}
	}
	if result.Member == nil {
		member, err := s.repo.FindMemberByID(ctx, result.Payment.MemberID)
		if err == nil {
			result.Member = member
		} else if !errors.Is(err, domain.ErrMemberNotFound) {
			log.Printf("level=warn component=reconcile msg=\"load member failed\" member_id=%s err=%v", result.Payment.MemberID, err)
		}
	}
}

func mergeOutcome(payment *domain.Payment, outcome domain.ChargeOutcome) {
	if channel := strings.TrimSpace(outcome.Channel); channel != "" {
		payment.Channel = channel
	}
	if len(outcome.Metadata) == 0 {
		return
	}
	if payment.Metadata == nil {
		payment.Metadata = make(map[string]interface{}, len(outcome.Metadata))
	}
	for k, v := range outcome.Metadata {
		// Keys we wrote at creation time stay authoritative.
		if _, exists := payment.Metadata[k]; !exists {
			payment.Metadata[k] = v
		}
	}
}

func confirmResponse(result *domain.ReconcileResult) *domain.ConfirmPaymentResponse {
	resp := &domain.ConfirmPaymentResponse{
		Slot:    result.Slot,
		Member:  result.Member,
		Outcome: result.Outcome,
	}
	if result.Payment != nil {
		resp.PaymentStatus = result.Payment.Status
	}
	return resp
}
