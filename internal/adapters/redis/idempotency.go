package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/idempotency"
	"github.com/redis/go-redis/v9"
)

const inFlight = "in-flight"

// Idempotency keeps recorded HTTP responses keyed by the caller's
// Idempotency-Key.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

func (i *Idempotency) Get(ctx context.Context, key string) (*idempotency.Response, error) {
	val, err := i.client.Get(ctx, "idemp:"+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get idempotent response %s", key)
	}
	if string(val) == inFlight {
		return nil, errors.Wrapf(idempotency.ErrInFlight, "key %s", key)
	}
	var resp idempotency.Response
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, errors.Wrapf(err, "decode idempotent response %s", key)
	}
	return &resp, nil
}

// Reserve marks key as in flight. It reports false if the key is already
// reserved or recorded.
func (i *Idempotency) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := i.client.SetNX(ctx, "idemp:"+key, inFlight, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "reserve idempotency key %s", key)
	}
	return ok, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp idempotency.Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return errors.Wrapf(i.client.Set(ctx, "idemp:"+key, data, ttl).Err(), "store idempotent response %s", key)
}

func (i *Idempotency) Release(ctx context.Context, key string) error {
	return errors.Wrapf(i.client.Del(ctx, "idemp:"+key).Err(), "release idempotency key %s", key)
}
