package app

import (
	"context"
	"errors"
	"strings"

	"github.com/OrigemSolution/sharePlan/internal/domain"
	"github.com/OrigemSolution/sharePlan/pkg/paystackclient"
)

// CheckoutRequest describes a charge to open with the payment provider.
type CheckoutRequest struct {
	Email       string
	AmountMinor int64
	Currency    string
	Reference   string
	CallbackURL string
	Metadata    map[string]interface{}
}

// Checkout is an opened charge the payer completes at AuthorizationURL.
type Checkout struct {
	AuthorizationURL string
	Reference        string
}

// Verification is the provider's authoritative view of a charge.
type Verification struct {
	Reference string
	Status    string
	Amount    int64
	Channel   string
	Metadata  map[string]interface{}
}

// Succeeded reports whether the charge was captured.
func (v *Verification) Succeeded() bool {
	return v != nil && v.Status == "success"
}

// Failed reports whether the charge reached a final unsuccessful state.
func (v *Verification) Failed() bool {
	if v == nil {
		return false
	}
	switch v.Status {
	case "failed", "reversed":
		return true
	}
	return false
}

// PaymentProvider is the slice of the payment gateway the service uses.
type PaymentProvider interface {
	Initialize(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// PaystackProvider adapts the Paystack client and maps its failures onto the error taxonomy.
type PaystackProvider struct {
	client *paystackclient.Client
}

// NewPaystackProvider wraps a Paystack client.
func NewPaystackProvider(client *paystackclient.Client) *PaystackProvider {
	return &PaystackProvider{client: client}
}

func (p *PaystackProvider) Initialize(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	resp, err := p.client.InitializeTransaction(ctx, paystackclient.InitializeRequest{
		Email:       req.Email,
		Amount:      req.AmountMinor,
		Reference:   req.Reference,
		Currency:    req.Currency,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, mapProviderError(err)
	}
	reference := strings.TrimSpace(resp.Data.Reference)
	if reference == "" {
		reference = req.Reference
	}
	return &Checkout{AuthorizationURL: resp.Data.AuthorizationURL, Reference: reference}, nil
}

func (p *PaystackProvider) Verify(ctx context.Context, reference string) (*Verification, error) {
	resp, err := p.client.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, mapProviderError(err)
	}
	if !resp.Status {
		return nil, domain.ErrProviderMalformed.WithMessage(resp.Message)
	}
	return &Verification{
		Reference: resp.Data.Reference,
		Status:    strings.ToLower(strings.TrimSpace(resp.Data.Status)),
		Amount:    resp.Data.Amount,
		Channel:   resp.Data.Channel,
		Metadata:  resp.MetadataMap(),
	}, nil
}

func mapProviderError(err error) error {
	var apiErr *paystackclient.ErrorResponse
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Temporary() {
			return domain.ErrProviderUnavailable.Wrap(err)
		}
		return domain.ErrProviderRejected.Wrap(err)
	case errors.Is(err, paystackclient.ErrMalformedResponse):
		return domain.ErrProviderMalformed.Wrap(err)
	default:
		return domain.ErrProviderUnavailable.Wrap(err)
	}
}

// retryable reports whether a provider failure is worth one more attempt.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrProviderUnavailable)
}
