// Package outbox relays events committed with state changes to the message
// broker.
package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]domain.Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store    Store
	broker   Broker
	clock    clock.Clock
	logger   observability.Logger
	batch    int
	interval time.Duration
}

func NewPublisher(store Store, broker Broker, clk clock.Clock, logger observability.Logger, batch int, interval time.Duration) *Publisher {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Publisher{store: store, broker: broker, clock: clk, logger: logger, batch: batch, interval: interval}
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("outbox relay failed")
			}
		}
	}
}

// PublishBatch relays up to one batch of pending events in creation order.
// It stops at the first broker failure so later events are not published
// ahead of it.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	published := 0
	err := p.store.WithTx(ctx, func(ctx context.Context) error {
		published = 0
		events, err := p.store.GetUnpublishedOutbox(ctx, p.batch)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			observability.OutboxLag.Set(p.clock.Now().Sub(events[0].CreatedAt).Seconds())
		} else {
			observability.OutboxLag.Set(0)
		}
		for _, e := range events {
			if err := p.broker.Publish(ctx, e.Type, message(e)); err != nil {
				if published > 0 {
					p.logger.WithError(err).WithField("event_id", e.ID).Warn("broker unavailable, batch cut short")
					return nil
				}
				return errors.Wrapf(err, "publish %s", e.Type)
			}
			if err := p.store.MarkPublished(ctx, e.ID, p.clock.Now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

func message(e domain.Event) amqp.Publishing {
	return amqp.Publishing{
		MessageId:   e.DedupeKey,
		Type:        e.Type,
		ContentType: "application/json",
		Timestamp:   e.CreatedAt,
		Headers: amqp.Table{
			"aggregate_type": e.AggregateType,
			"aggregate_id":   e.AggregateID.String(),
		},
		Body: e.Payload,
	}
}
