// Package idempotency replays recorded responses for retried POST requests
// that carry an Idempotency-Key header.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

var ErrInFlight = errors.New("request with this idempotency key is still in flight")

type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Fingerprint string
}

// Store keeps recorded responses. Get returns nil when the key is unknown and
// an error marked ErrInFlight while a request holds the key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store  Store
	ttl    time.Duration
	logger observability.Logger
}

func NewIdempotency(store Store, ttl time.Duration, logger observability.Logger) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, logger: logger}
}

// Middleware records the first response to a keyed POST and replays it for
// retries with the same body. A retry with a different body is rejected.
// 5xx responses are not recorded so the client can retry them.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLength {
			writeError(w, http.StatusBadRequest, "invalid_input", "Idempotency-Key is too long")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "invalid_input", "request body is too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_input", "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		fingerprint := hex.EncodeToString(sum[:])

		ctx := r.Context()
		logger := observability.FromContext(ctx, i.logger)
		scoped := scope(r, key)

		cached, err := i.store.Get(ctx, scoped)
		switch {
		case errors.Is(err, ErrInFlight):
			writeError(w, http.StatusConflict, "capture_in_progress", "a request with this Idempotency-Key is in progress")
			return
		case err != nil:
			logger.WithError(err).Warn("idempotency store unavailable, serving without replay")
			next.ServeHTTP(w, r)
			return
		case cached != nil:
			if cached.Fingerprint != fingerprint {
				writeError(w, http.StatusConflict, "idempotency_mismatch", "Idempotency-Key was used with a different request body")
				return
			}
			if cached.ContentType != "" {
				w.Header().Set("Content-Type", cached.ContentType)
			}
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(cached.Status)
			w.Write(cached.Body)
			return
		}

		ok, err := i.store.Reserve(ctx, scoped, i.ttl)
		if err != nil {
			logger.WithError(err).Warn("idempotency store unavailable, serving without replay")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, "capture_in_progress", "a request with this Idempotency-Key is in progress")
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				i.store.Release(context.WithoutCancel(ctx), scoped)
				panic(p)
			}
		}()
		next.ServeHTTP(rec, r)

		bg := context.WithoutCancel(ctx)
		if rec.status >= http.StatusInternalServerError {
			if err := i.store.Release(bg, scoped); err != nil {
				logger.WithError(err).Warn("failed to release idempotency key")
			}
			return
		}
		resp := Response{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
			Fingerprint: fingerprint,
		}
		if err := i.store.Set(bg, scoped, resp, i.ttl); err != nil {
			logger.WithError(err).Warn("failed to record idempotent response")
		}
	})
}

// scope keeps keys of different callers and routes apart.
func scope(r *http.Request, key string) string {
	caller := "anonymous"
	if p, ok := requestctx.PrincipalFrom(r.Context()); ok {
		caller = p.UserID.String()
	}
	return caller + ":" + r.URL.Path + ":" + key
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (r *recorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wrote = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}

type entry struct {
	resp      *Response
	expiresAt time.Time
}

// MemoryStore is a process-local Store for runs without Redis.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]entry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	if e.resp == nil {
		return nil, errors.Wrapf(ErrInFlight, "key %s", key)
	}
	resp := *e.resp
	return &resp, nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = entry{expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, resp Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{resp: &resp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) live(key string) (entry, bool) {
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, ok
}
