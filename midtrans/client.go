package midtrans

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"koinpay/models"
)

// ErrTransactionNotFound is returned when the gateway has no record of the
// payment reference.
var ErrTransactionNotFound = errors.New("midtrans: transaction not found")

// paymentExpiryMinutes is the gateway-side lifetime of a charge. The order
// expiry sweep uses a longer grace window, so the gateway always expires
// first.
const paymentExpiryMinutes = 15

// Gateway defines the subset of the Midtrans Core API the service requires.
type Gateway interface {
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error)
	TransactionStatus(ctx context.Context, ref string) (*TransactionStatus, error)
}

// Client implements Gateway against the HTTP Core API.
type Client struct {
	serverKey string
	baseURL   string
	http      *http.Client
}

// NewClient constructs an HTTP client with sane defaults.
func NewClient(baseURL, serverKey string) *Client {
	return &Client{
		serverKey: serverKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// NewReference produces a fresh gateway order id for one payment attempt.
// Regenerating payment issues a new reference so callbacks for the old one
// orphan on lookup.
func NewReference(orderID uuid.UUID) string {
	return fmt.Sprintf("KP-%s-%s",
		strings.ToUpper(orderID.String()[:8]), strings.ToUpper(uuid.NewString()[:8]))
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type bankTransfer struct {
	Bank string `json:"bank"`
}

type customExpiry struct {
	ExpiryDuration int    `json:"expiry_duration"`
	Unit           string `json:"unit"`
}

// ChargeRequest is the /v2/charge payload for the two supported methods.
type ChargeRequest struct {
	PaymentType        string             `json:"payment_type"`
	TransactionDetails transactionDetails `json:"transaction_details"`
	BankTransfer       *bankTransfer      `json:"bank_transfer,omitempty"`
	CustomExpiry       *customExpiry      `json:"custom_expiry,omitempty"`
}

// NewChargeRequest builds the payload for a payment attempt. amountIDR is
// the gross amount including the method fee.
func NewChargeRequest(ref string, method models.PaymentMethod, amountIDR int64) *ChargeRequest {
	req := &ChargeRequest{
		TransactionDetails: transactionDetails{OrderID: ref, GrossAmount: amountIDR},
		CustomExpiry:       &customExpiry{ExpiryDuration: paymentExpiryMinutes, Unit: "minute"},
	}
	switch method {
	case models.PaymentVA:
		req.PaymentType = "bank_transfer"
		req.BankTransfer = &bankTransfer{Bank: "bca"}
	default:
		req.PaymentType = "qris"
	}
	return req
}

type chargeAction struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

type vaNumber struct {
	Bank     string `json:"bank"`
	VANumber string `json:"va_number"`
}

// ChargeResponse captures the charge attributes the order engine records.
type ChargeResponse struct {
	StatusCode        string         `json:"status_code"`
	StatusMessage     string         `json:"status_message"`
	TransactionID     string         `json:"transaction_id"`
	OrderID           string         `json:"order_id"`
	GrossAmount       string         `json:"gross_amount"`
	TransactionStatus string         `json:"transaction_status"`
	ExpiryTime        string         `json:"expiry_time"`
	Actions           []chargeAction `json:"actions"`
	VANumbers         []vaNumber     `json:"va_numbers"`
}

// PaymentURL returns the user-facing payment artifact: the QR image URL for
// QRIS, or the virtual account number for bank transfer.
func (r *ChargeResponse) PaymentURL() string {
	for _, action := range r.Actions {
		if action.Name == "generate-qr-code" {
			return action.URL
		}
	}
	if len(r.VANumbers) > 0 {
		return r.VANumbers[0].VANumber
	}
	return ""
}

// TransactionStatus is the /v2/:ref/status response, also the shape of the
// webhook notification body.
type TransactionStatus struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	SignatureKey      string `json:"signature_key"`
}

// Success reports whether the gateway considers the payment settled.
func (s *TransactionStatus) Success() bool {
	switch strings.ToLower(strings.TrimSpace(s.TransactionStatus)) {
	case "settlement", "paid":
		return true
	case "capture":
		return strings.ToLower(strings.TrimSpace(s.FraudStatus)) == "accept"
	}
	return false
}

// Failed reports whether the gateway has terminally rejected the payment.
func (s *TransactionStatus) Failed() bool {
	switch strings.ToLower(strings.TrimSpace(s.TransactionStatus)) {
	case "deny", "cancel", "expire", "failure":
		return true
	}
	return false
}

func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	var resp ChargeResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v2/charge", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) TransactionStatus(ctx context.Context, ref string) (*TransactionStatus, error) {
	var resp TransactionStatus
	err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v2/%s/status", ref), nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == "404" {
		return nil, ErrTransactionNotFound
	}
	return &resp, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload, out interface{}) error {
	if c == nil {
		return fmt.Errorf("midtrans client not configured")
	}
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.serverKey+":")))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrTransactionNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("midtrans %s failed: status=%d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
