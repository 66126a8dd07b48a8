/**
 * @description
 * This file contains the HTTP handlers for the slot service's API endpoints.
 * Handlers parse and validate incoming requests, resolve the caller, call the
 * application service and write the HTTP response.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/go-playground/validator/v10: Request DTO validation.
 * - internal/app, internal/domain: Service logic and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/OrigemSolution/sharePlan/internal/app"
	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/pkg/paystackclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	maxRequestBodyBytes = 64 << 10
	maxWebhookBodyBytes = 1 << 20
)

// SlotHandlers holds the application service that handlers will use.
type SlotHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewSlotHandlers creates a new instance of SlotHandlers.
func NewSlotHandlers(service *app.Service) *SlotHandlers {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &SlotHandlers{service: service, validate: validate}
}

// CreateSlotHandler handles POST /slots.
func (h *SlotHandlers) CreateSlotHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r, "create_slot")
	if !ok {
		return
	}

	var req domain.CreateSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.CreateSlot(r.Context(), user, req)
	if err != nil {
		h.writeServiceError(w, "create_slot", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// ListSlotsHandler handles GET /slots.
func (h *SlotHandlers) ListSlotsHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.optionalUser(w, r, "list_slots")
	if !ok {
		return
	}

	query := r.URL.Query()
	opts := domain.SlotListOptions{
		Kind:   domain.SlotKind(strings.TrimSpace(query.Get("kind"))),
		Limit:  intParam(query.Get("limit")),
		Offset: intParam(query.Get("offset")),
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		h.writeServiceError(w, "list_slots", domain.Validation("kind must be subscription or password_sharing"))
		return
	}
	if raw := strings.TrimSpace(query.Get("service_id")); raw != "" {
		serviceID, err := uuid.Parse(raw)
		if err != nil {
			h.writeServiceError(w, "list_slots", domain.Validation("service_id must be a valid UUID"))
			return
		}
		opts.ServiceID = &serviceID
	}

	slots, err := h.service.ListSlots(r.Context(), viewer, opts)
	if err != nil {
		h.writeServiceError(w, "list_slots", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
}

// GetSlotHandler handles GET /slots/{slotID}.
func (h *SlotHandlers) GetSlotHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.optionalUser(w, r, "get_slot")
	if !ok {
		return
	}
	slotID, ok := h.slotIDParam(w, r)
	if !ok {
		return
	}

	slot, err := h.service.GetSlot(r.Context(), viewer, slotID)
	if err != nil {
		h.writeServiceError(w, "get_slot", err)
		return
	}
	h.writeJSON(w, http.StatusOK, slot)
}

// TrendingSlotsHandler handles GET /slots/trending.
func (h *SlotHandlers) TrendingSlotsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	slots, err := h.service.ListTrending(r.Context(), intParam(query.Get("days")), intParam(query.Get("limit")))
	if err != nil {
		h.writeServiceError(w, "trending_slots", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
}

// ListServicesHandler handles GET /services.
func (h *SlotHandlers) ListServicesHandler(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.service.ListServiceQuotes(r.Context())
	if err != nil {
		h.writeServiceError(w, "list_services", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"services": quotes})
}

// JoinAsGuestHandler handles POST /slots/{slotID}/join-as-guest.
func (h *SlotHandlers) JoinAsGuestHandler(w http.ResponseWriter, r *http.Request) {
	slotID, ok := h.slotIDParam(w, r)
	if !ok {
		return
	}
	var req domain.JoinSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.JoinAsGuest(r.Context(), slotID, req)
	if err != nil {
		h.writeServiceError(w, "join_as_guest", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ConfirmPaymentHandler handles POST /slots/confirm-payment for the signed-in payer.
func (h *SlotHandlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r, "confirm_payment")
	if !ok {
		return
	}
	var req domain.ConfirmPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.ConfirmPayment(r.Context(), user, req)
	if err != nil {
		h.writeServiceError(w, "confirm_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ConfirmGuestPaymentHandler handles POST /slots/guest/confirm-payment.
func (h *SlotHandlers) ConfirmGuestPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.writeServiceError(w, "confirm_guest_payment", domain.Validation("email is required"))
		return
	}

	resp, err := h.service.ConfirmGuestPayment(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "confirm_guest_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// UpdateSlotHandler handles PUT /slots/{slotID}.
func (h *SlotHandlers) UpdateSlotHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r, "update_slot")
	if !ok {
		return
	}
	slotID, ok := h.slotIDParam(w, r)
	if !ok {
		return
	}
	var req domain.UpdateSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	slot, err := h.service.UpdateSlot(r.Context(), user, slotID, req)
	if err != nil {
		h.writeServiceError(w, "update_slot", err)
		return
	}
	h.writeJSON(w, http.StatusOK, slot)
}

// CancelSlotHandler handles DELETE /slots/{slotID}.
func (h *SlotHandlers) CancelSlotHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r, "cancel_slot")
	if !ok {
		return
	}
	slotID, ok := h.slotIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelSlot(r.Context(), user, slotID); err != nil {
		h.writeServiceError(w, "cancel_slot", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PaymentWebhookHandler handles POST /payments/webhook. The body is read raw so the
// signature is checked over the exact bytes the provider sent.
func (h *SlotHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "unable to read request body")
		return
	}

	result, err := h.service.HandleProviderWebhook(r.Context(), body, r.Header.Get(paystackclient.SignatureHeader))
	if err != nil {
		if domain.KindOf(err) == domain.KindSignature {
			log.Printf("level=warn component=api event=security endpoint=payment_webhook msg=\"webhook signature rejected\" remote_addr=%s", r.RemoteAddr)
		}
		if domain.KindOf(err) == domain.KindValidation {
			typed, _ := domain.AsError(err)
			writeErrorBody(w, http.StatusBadRequest, typed.Reason, typed.Message)
			return
		}
		h.writeServiceError(w, "payment_webhook", err)
		return
	}

	status := "ignored"
	if result != nil {
		status = string(result.Outcome)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// requireUser resolves the authenticated caller to an internal user.
func (h *SlotHandlers) requireUser(w http.ResponseWriter, r *http.Request, endpoint string) (*domain.User, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return nil, false
	}
	user, err := h.service.ResolveUser(r.Context(), clerkUserID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed clerk_user_id=%s err=%v", endpoint, clerkUserID, err)
		h.writeServiceError(w, endpoint, err)
		return nil, false
	}
	return user, true
}

// optionalUser resolves the caller when one is authenticated. Unknown users browse anonymously.
func (h *SlotHandlers) optionalUser(w http.ResponseWriter, r *http.Request, endpoint string) (*domain.User, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok {
		return nil, true
	}
	user, err := h.service.ResolveUser(r.Context(), clerkUserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, true
	}
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return nil, false
	}
	return user, true
}

func (h *SlotHandlers) slotIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	slotID, err := uuid.Parse(chi.URLParam(r, "slotID"))
	if err != nil {
		h.writeServiceError(w, "slot_param", domain.ErrSlotNotFound)
		return uuid.Nil, false
	}
	return slotID, true
}

// decode reads a JSON body into dst and runs struct validation.
func (h *SlotHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeServiceError(w, "decode", domain.Validation(validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return "request is invalid"
	}
	fe := fieldErrors[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "uuid":
		return fe.Field() + " must be a valid UUID"
	case "min", "max":
		return fe.Field() + " must be within " + fe.Tag() + "=" + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

func intParam(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}
