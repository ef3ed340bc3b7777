package rabbit

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const prefetch = 16

type Handler func(ctx context.Context, d amqp.Delivery) error

type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
}

// NewConsumer declares a durable queue bound to key on the events exchange.
func NewConsumer(conn *amqp.Connection, queue, key string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", Exchange)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare queue %s", queue)
	}
	if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
		return nil, errors.Wrapf(err, "bind %s to %s", queue, key)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, errors.Wrap(err, "set prefetch")
	}
	return &Consumer{ch: ch, queue: queue, logger: logger}, nil
}

// Consume hands deliveries to h until ctx is done. A failed delivery is
// requeued once and dropped on its second failure.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.queue)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.Newf("delivery channel of %s closed", c.queue)
			}
			if err := h(ctx, d); err != nil {
				c.logger.WithError(err).WithFields(map[string]interface{}{
					"queue":       c.queue,
					"message_id":  d.MessageId,
					"redelivered": d.Redelivered,
				}).Warn("message handling failed")
				d.Nack(false, !d.Redelivered)
				continue
			}
			d.Ack(false)
		}
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}

func DecodeReconcile(d amqp.Delivery) (uuid.UUID, error) {
	var m ReconcileMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return uuid.Nil, errors.Wrap(err, "decode reconcile message")
	}
	if m.PaymentID == uuid.Nil {
		return uuid.Nil, errors.New("reconcile message without payment id")
	}
	return m.PaymentID, nil
}
