/**
 * @description
 * This package provides a client for interacting with the Paystack API.
 * It encapsulates the logic for making authenticated HTTP requests to Paystack's
 * transaction endpoints, handling request body construction, and parsing responses.
 * It also verifies the HMAC signature Paystack attaches to webhook deliveries.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha512, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paystackclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is Paystack's production API host.
const DefaultBaseURL = "https://api.paystack.co"

// SignatureHeader carries the hex HMAC-SHA512 of a webhook body.
const SignatureHeader = "x-paystack-signature"

// ErrMalformedResponse is returned when a 2xx response cannot be understood.
var ErrMalformedResponse = errors.New("malformed paystack response")

// Client is a client for the Paystack API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Paystack API client.
func NewClient(baseURL, secretKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InitializeRequest is the payload for POST /transaction/initialize. Amount is in minor units.
type InitializeRequest struct {
	Email       string                 `json:"email"`
	Amount      int64                  `json:"amount"`
	Reference   string                 `json:"reference"`
	Currency    string                 `json:"currency,omitempty"`
	CallbackURL string                 `json:"callback_url,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// InitializeResponse is the expected response from the initialize endpoint.
type InitializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// VerifyResponse is the expected response from the verify endpoint.
type VerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID        int64           `json:"id"`
		Status    string          `json:"status"`
		Reference string          `json:"reference"`
		Amount    int64           `json:"amount"`
		Currency  string          `json:"currency"`
		Channel   string          `json:"channel"`
		PaidAt    string          `json:"paid_at"`
		Metadata  json.RawMessage `json:"metadata"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// Succeeded reports whether Paystack considers the charge successful.
func (r *VerifyResponse) Succeeded() bool {
	return r != nil && r.Status && r.Data.Status == "success"
}

// MetadataMap decodes the transaction metadata. Paystack sends an empty string
// when no metadata was attached, which yields an empty map.
func (r *VerifyResponse) MetadataMap() map[string]interface{} {
	metadata := map[string]interface{}{}
	if r == nil || len(r.Data.Metadata) == 0 {
		return metadata
	}
	if err := json.Unmarshal(r.Data.Metadata, &metadata); err != nil {
		return map[string]interface{}{}
	}
	return metadata
}

// ErrorResponse represents an error from the Paystack API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Status     bool   `json:"status"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paystack api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unknown paystack api error (status %d)", e.StatusCode)
}

// Temporary reports whether retrying later may succeed.
func (e *ErrorResponse) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// InitializeTransaction creates a checkout session and returns its authorization URL.
func (c *Client) InitializeTransaction(ctx context.Context, payload InitializeRequest) (*InitializeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	var resp InitializeResponse
	if err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status || strings.TrimSpace(resp.Data.AuthorizationURL) == "" {
		return nil, fmt.Errorf("%w: initialize returned no authorization url", ErrMalformedResponse)
	}
	return &resp, nil
}

// VerifyTransaction fetches the authoritative outcome of a charge.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyResponse, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, errors.New("reference is required")
	}

	var resp VerifyResponse
	if err := c.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Reference != "" && resp.Data.Reference != reference {
		return nil, fmt.Errorf("%w: verify returned reference %q for %q", ErrMalformedResponse, resp.Data.Reference, reference)
	}
	return &resp, nil
}

// do is a generic helper function to execute Paystack requests.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=paystack_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &errResp
		}
		log.Printf("level=warn component=paystack_client op=%s status=%d message=%q", op, resp.StatusCode, errResp.Message)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", ErrMalformedResponse, op, err)
	}
	return nil
}

// VerifySignature checks a webhook body against its x-paystack-signature header.
func VerifySignature(secretKey string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secretKey == "" || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the signature Paystack would send for body.
func Sign(secretKey string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
