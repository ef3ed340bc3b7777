// Package paypal talks to the PayPal Orders v2 REST API. The payer approves
// the order on PayPal and the capture happens server side.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/shopspring/decimal"
)

const Name = "paypal"

type Config struct {
	BaseURL   string
	ClientID  string
	Secret    string
	WebhookID string
	ReturnURL string
	CancelURL string
	Timeout   time.Duration
}

type Provider struct {
	cfg    Config
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *Provider) Name() string { return Name }

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount amount `json:"amount"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      amount `json:"amount"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type apiError struct {
	Status  int
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("paypal %d %s: %s", e.Status, e.Name, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + e.Details[0].Issue + ")"
	}
	return msg
}

func (e *apiError) issue() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return e.Name
}

func (p *Provider) CreateOrder(ctx context.Context, req payment.OrderRequest) (payment.Order, error) {
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []purchaseUnit{{
			ReferenceID: req.BookingID.String(),
			CustomID:    req.PaymentID.String(),
			Description: req.Description,
			Amount:      toAmount(req.Amount, req.Currency),
		}},
	}
	if p.cfg.ReturnURL != "" {
		body["application_context"] = map[string]string{
			"return_url": p.cfg.ReturnURL,
			"cancel_url": p.cfg.CancelURL,
		}
	}
	var out order
	if err := p.call(ctx, http.MethodPost, "/v2/checkout/orders", req.IdempotencyKey, body, &out); err != nil {
		return payment.Order{}, err
	}
	o := payment.Order{ProviderPaymentID: out.ID}
	for _, l := range out.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			o.ApprovalURL = l.Href
		}
	}
	return o, nil
}

func (p *Provider) Capture(ctx context.Context, req payment.CaptureRequest) (payment.CaptureReceipt, error) {
	var out order
	err := p.call(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(req.ProviderPaymentID)+"/capture", req.IdempotencyKey, struct{}{}, &out)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.issue() == "ORDER_ALREADY_CAPTURED" {
		d, derr := p.GetDetails(ctx, req.ProviderPaymentID)
		if derr != nil {
			return payment.CaptureReceipt{}, derr
		}
		return payment.CaptureReceipt{Status: d.Status, Reason: d.Reason}, nil
	}
	if err != nil {
		return payment.CaptureReceipt{}, err
	}
	c := firstCapture(out)
	if c == nil {
		return payment.CaptureReceipt{Status: orderStatus(out.Status, "")}, nil
	}
	return payment.CaptureReceipt{Status: orderStatus(out.Status, c.Status), CaptureID: c.ID, Reason: c.Status}, nil
}

func (p *Provider) Refund(ctx context.Context, req payment.RefundRequest) (payment.RefundReceipt, error) {
	var o order
	if err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(req.ProviderPaymentID), "", nil, &o); err != nil {
		return payment.RefundReceipt{}, err
	}
	c := firstCapture(o)
	if c == nil {
		return payment.RefundReceipt{}, payment.Declined(errors.Newf("order %s has no capture to refund", req.ProviderPaymentID))
	}
	body := map[string]interface{}{
		"amount":        toAmount(req.Amount, req.Currency),
		"note_to_payer": req.Reason,
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.call(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(c.ID)+"/refund", req.IdempotencyKey, body, &out); err != nil {
		return payment.RefundReceipt{}, err
	}
	if out.Status == "CANCELLED" || out.Status == "FAILED" {
		return payment.RefundReceipt{}, payment.Declined(errors.Newf("refund %s %s", out.ID, out.Status))
	}
	return payment.RefundReceipt{ProviderRefundID: out.ID}, nil
}

func (p *Provider) GetDetails(ctx context.Context, providerPaymentID string) (payment.Details, error) {
	var o order
	if err := p.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(providerPaymentID), "", nil, &o); err != nil {
		return payment.Details{}, err
	}
	d := payment.Details{Status: orderStatus(o.Status, ""), Reason: o.Status}
	if c := firstCapture(o); c != nil {
		d.Status = orderStatus(o.Status, c.Status)
		d.Reason = c.Status
		d.Amount, _ = decimal.NewFromString(c.Amount.Value)
	} else if len(o.PurchaseUnits) > 0 {
		d.Amount, _ = decimal.NewFromString(o.PurchaseUnits[0].Amount.Value)
	}
	return d, nil
}

type webhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// VerifyWebhook asks PayPal to verify the transmission signature.
func (p *Provider) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (payment.WebhookEvent, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return payment.WebhookEvent{}, errors.Wrap(domain.ErrInvalidSignature, "malformed paypal event")
	}
	req := map[string]interface{}{
		"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        p.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", req, &out); err != nil {
		return payment.WebhookEvent{}, errors.Mark(err, domain.ErrInvalidSignature)
	}
	if out.VerificationStatus != "SUCCESS" {
		return payment.WebhookEvent{}, errors.Wrapf(domain.ErrInvalidSignature, "verification status %q", out.VerificationStatus)
	}

	orderID := ev.Resource.SupplementaryData.RelatedIDs.OrderID
	if strings.HasPrefix(ev.EventType, "CHECKOUT.ORDER.") {
		orderID = ev.Resource.ID
	}
	return payment.WebhookEvent{ID: ev.ID, Type: ev.EventType, ProviderPaymentID: orderID}, nil
}

func (p *Provider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "paypal token")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", decodeError(res)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode paypal token")
	}
	p.token = out.AccessToken
	// Refresh a minute early.
	p.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

func (p *Provider) call(ctx context.Context, method, path, requestID string, in, out interface{}) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "paypal %s %s", method, path)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		p.mu.Lock()
		p.token = ""
		p.mu.Unlock()
	}
	if res.StatusCode >= 300 {
		return decodeError(res)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(res.Body).Decode(out), "decode paypal response")
}

// decodeError maps PayPal client errors to declines. Server errors, rate
// limiting and auth failures stay transient.
func decodeError(res *http.Response) error {
	apiErr := &apiError{Status: res.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	_ = json.Unmarshal(data, apiErr)
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	switch {
	case res.StatusCode >= 500, res.StatusCode == http.StatusTooManyRequests, res.StatusCode == http.StatusUnauthorized:
		return apiErr
	case res.StatusCode >= 400:
		return payment.Declined(apiErr)
	}
	return apiErr
}

func toAmount(v decimal.Decimal, currency string) amount {
	return amount{CurrencyCode: strings.ToUpper(currency), Value: v.StringFixed(2)}
}

func firstCapture(o order) *capture {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
	}
	return nil
}

func orderStatus(orderStatus, captureStatus string) payment.Status {
	switch captureStatus {
	case "COMPLETED", "PARTIALLY_REFUNDED", "REFUNDED":
		return payment.StatusCaptured
	case "DECLINED", "FAILED":
		return payment.StatusDeclined
	case "PENDING":
		return payment.StatusPending
	}
	switch orderStatus {
	case "COMPLETED":
		return payment.StatusCaptured
	case "VOIDED":
		return payment.StatusDeclined
	}
	return payment.StatusPending
}
