package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/adapters/memory"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeBroker struct {
	failAfter int
	sent      []amqp.Publishing
	keys      []string
}

func (b *fakeBroker) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	if b.failAfter >= 0 && len(b.sent) >= b.failAfter {
		return errors.New("connection reset")
	}
	b.sent = append(b.sent, msg)
	b.keys = append(b.keys, key)
	return nil
}

func seed(t *testing.T, store *memory.Store, now time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := uuid.New()
		e := domain.NewEvent("booking", id, domain.EventBookingCreated, map[string]interface{}{"booking_id": id}, now.Add(time.Duration(i)*time.Second))
		if err := store.InsertOutbox(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
}

func newPublisher(store *memory.Store, broker *fakeBroker, now time.Time) *Publisher {
	logger, _ := test.NewNullLogger()
	return NewPublisher(store, broker, clock.NewFake(now), observability.Wrap(logger), 10, time.Second)
}

func TestPublishBatchRelaysAndMarks(t *testing.T) {
	now := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	seed(t, store, now, 3)
	broker := &fakeBroker{failAfter: -1}
	p := newPublisher(store, broker, now.Add(time.Minute))

	n, err := p.PublishBatch(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("published %d, %v", n, err)
	}
	if broker.keys[0] != domain.EventBookingCreated || broker.sent[0].MessageId == "" {
		t.Errorf("message = %+v", broker.sent[0])
	}

	n, err = p.PublishBatch(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second batch published %d, %v", n, err)
	}
}

func TestPublishBatchStopsAtBrokerFailure(t *testing.T) {
	now := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	seed(t, store, now, 3)
	broker := &fakeBroker{failAfter: 1}
	p := newPublisher(store, broker, now)

	n, err := p.PublishBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("published %d, %v", n, err)
	}
	pending, _ := store.GetUnpublishedOutbox(context.Background(), 10)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	broker.failAfter = 1
	if _, err := p.PublishBatch(context.Background()); err == nil {
		t.Fatal("expected error when nothing could be published")
	}
}
