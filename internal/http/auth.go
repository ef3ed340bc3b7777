package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Authenticator turns an HS256 bearer token issued by the identity service
// into the request principal. The subject claim carries the user id.
type Authenticator struct {
	secret []byte
	logger observability.Logger
}

func NewAuthenticator(secret string, logger observability.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Issue signs a token for userID. It backs local tooling and tests.
func (a *Authenticator) Issue(userID uuid.UUID, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(header string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return uuid.Nil, errors.Wrap(domain.ErrUnauthenticated, "missing bearer token")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrUnauthenticated, "invalid token: %v", err)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.Wrap(domain.ErrUnauthenticated, "token subject is not a user id")
	}
	return userID, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.parse(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, a.logger, err)
			return
		}
		ctx := requestctx.WithPrincipal(r.Context(), requestctx.Principal{UserID: userID})
		ctx = observability.IntoContext(ctx, observability.FromContext(ctx, a.logger).WithField("user_id", userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
