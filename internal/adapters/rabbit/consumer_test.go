package rabbit

import (
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestDecodeReconcile(t *testing.T) {
	id := uuid.New()
	got, err := DecodeReconcile(amqp.Delivery{Body: []byte(`{"payment_id":"` + id.String() + `"}`)})
	if err != nil || got != id {
		t.Fatalf("got %s, %v", got, err)
	}

	if _, err := DecodeReconcile(amqp.Delivery{Body: []byte(`{}`)}); err == nil {
		t.Error("expected error for missing payment id")
	}
	if _, err := DecodeReconcile(amqp.Delivery{Body: []byte(`not json`)}); err == nil {
		t.Error("expected error for malformed body")
	}
}
