// Package manual settles payments by bank transfer. The facility's
// reconciliation tool reports received transfers through a signed webhook.
package manual

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/shopspring/decimal"
)

const (
	Name            = "manual"
	SignatureHeader = "X-Signature-256"

	EventTransferReceived = "transfer.received"
	EventTransferRejected = "transfer.rejected"
)

// Transfer is the settlement state of one transfer reference.
type Transfer struct {
	Reference string
	Status    payment.Status
	Amount    decimal.Decimal
	Reason    string
}

// Store keeps transfer state across restarts; the facility's reports may
// arrive long after the order was issued.
type Store interface {
	// CreateTransfer records t unless its reference already exists.
	CreateTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, reference string) (Transfer, error)
	SaveTransfer(ctx context.Context, t Transfer) error
}

type Provider struct {
	secret []byte
	store  Store
}

func New(secret string, store Store) *Provider {
	return &Provider{secret: []byte(secret), store: store}
}

func (p *Provider) Name() string { return Name }

// CreateOrder issues the transfer reference the payer quotes on the bank
// transfer.
func (p *Provider) CreateOrder(ctx context.Context, req payment.OrderRequest) (payment.Order, error) {
	ref := "MAN-" + strings.ToUpper(strings.ReplaceAll(req.PaymentID.String(), "-", ""))
	if err := p.store.CreateTransfer(ctx, Transfer{Reference: ref, Status: payment.StatusPending, Amount: req.Amount}); err != nil {
		return payment.Order{}, errors.Wrapf(err, "record transfer %s", ref)
	}
	return payment.Order{ProviderPaymentID: ref}, nil
}

// Capture succeeds once the transfer has been reported as received.
func (p *Provider) Capture(ctx context.Context, req payment.CaptureRequest) (payment.CaptureReceipt, error) {
	t, err := p.lookup(ctx, req.ProviderPaymentID)
	if err != nil {
		return payment.CaptureReceipt{}, err
	}
	if t.Status == payment.StatusCaptured && !req.Amount.IsZero() && !t.Amount.Equal(req.Amount) {
		return payment.CaptureReceipt{}, payment.Declined(errors.Newf("transfer %s received %s, expected %s", req.ProviderPaymentID, t.Amount, req.Amount))
	}
	return payment.CaptureReceipt{Status: t.Status, CaptureID: req.ProviderPaymentID, Reason: t.Reason}, nil
}

// Refund records a refund paid back by the facility outside the system.
func (p *Provider) Refund(ctx context.Context, req payment.RefundRequest) (payment.RefundReceipt, error) {
	t, err := p.lookup(ctx, req.ProviderPaymentID)
	if err != nil {
		return payment.RefundReceipt{}, err
	}
	if t.Status != payment.StatusCaptured {
		return payment.RefundReceipt{}, payment.Declined(errors.Newf("transfer %s was not received", req.ProviderPaymentID))
	}
	return payment.RefundReceipt{ProviderRefundID: req.ProviderPaymentID + "/" + req.IdempotencyKey}, nil
}

func (p *Provider) GetDetails(ctx context.Context, providerPaymentID string) (payment.Details, error) {
	t, err := p.lookup(ctx, providerPaymentID)
	if err != nil {
		return payment.Details{}, err
	}
	return payment.Details{Status: t.Status, Amount: t.Amount, Reason: t.Reason}, nil
}

type notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

// VerifyWebhook checks the HMAC-SHA256 signature of body and records the
// reported transfer outcome.
func (p *Provider) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (payment.WebhookEvent, error) {
	if !p.validSignature(headers.Get(SignatureHeader), body) {
		return payment.WebhookEvent{}, errors.Wrap(domain.ErrInvalidSignature, "manual transfer notification")
	}
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return payment.WebhookEvent{}, errors.Wrap(domain.ErrInvalidInput, "malformed transfer notification")
	}

	var t Transfer
	switch n.Type {
	case EventTransferReceived:
		t = Transfer{Reference: n.Reference, Status: payment.StatusCaptured, Amount: n.Amount}
	case EventTransferRejected:
		t = Transfer{Reference: n.Reference, Status: payment.StatusDeclined, Amount: n.Amount, Reason: n.Reason}
	}
	if t.Reference != "" {
		if err := p.store.SaveTransfer(ctx, t); err != nil {
			return payment.WebhookEvent{}, errors.Wrapf(err, "record transfer %s", n.Reference)
		}
	}

	return payment.WebhookEvent{ID: n.ID, Type: n.Type, ProviderPaymentID: n.Reference}, nil
}

// Sign returns the signature header value for body.
func (p *Provider) Sign(body []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (p *Provider) validSignature(header string, body []byte) bool {
	if header == "" || len(p.secret) == 0 {
		return false
	}
	sig, _ := strings.CutPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// lookup loads a transfer. An unknown reference is not a decline: the
// payment stays unresolved and reconciliation decides.
func (p *Provider) lookup(ctx context.Context, ref string) (Transfer, error) {
	t, err := p.store.GetTransfer(ctx, ref)
	if err != nil {
		return Transfer{}, errors.Wrapf(err, "transfer reference %s", ref)
	}
	return t, nil
}

// MemoryStore keeps transfers in process; tests use it.
type MemoryStore struct {
	mu        sync.Mutex
	transfers map[string]Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[string]Transfer)}
}

func (m *MemoryStore) CreateTransfer(_ context.Context, t Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[t.Reference]; !ok {
		m.transfers[t.Reference] = t
	}
	return nil
}

func (m *MemoryStore) GetTransfer(_ context.Context, reference string) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[reference]
	if !ok {
		return Transfer{}, errors.Wrapf(domain.ErrNotFound, "transfer %s", reference)
	}
	return t, nil
}

func (m *MemoryStore) SaveTransfer(_ context.Context, t Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[t.Reference] = t
	return nil
}
