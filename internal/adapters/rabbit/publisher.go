package rabbit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange = "courts.events"

	// ReconcileKey routes requests to re-check a payment with its provider.
	ReconcileKey = "payment.reconcile"

	publishAttempts = 3
)

type Publisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher opens a confirming channel and declares the events exchange.
func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", Exchange)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errors.Wrap(err, "enable publisher confirms")
	}
	return &Publisher{ch: ch}, nil
}

// Publish sends msg and waits for the broker to confirm it, retrying a
// negative acknowledgement a few times.
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	msg.DeliveryMode = amqp.Persistent
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = p.publishOnce(ctx, key, msg); err == nil {
			return nil
		}
	}
	return err
}

func (p *Publisher) publishOnce(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, Exchange, key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "confirm %s", key)
	}
	if !acked {
		return errors.Newf("broker rejected %s", key)
	}
	return nil
}

type ReconcileMessage struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

// RequestReconcile queues a payment whose provider outcome is unknown.
func (p *Publisher) RequestReconcile(ctx context.Context, paymentID uuid.UUID) error {
	body, err := json.Marshal(ReconcileMessage{PaymentID: paymentID})
	if err != nil {
		return err
	}
	return p.Publish(ctx, ReconcileKey, amqp.Publishing{
		MessageId:   uuid.NewString(),
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
