package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type operatorContextKey string

const operatorKey operatorContextKey = "operator"

// DefaultTokenTTL is the lifetime of an operator token.
const DefaultTokenTTL = 30 * 24 * time.Hour

const (
	tokenIssuer  = "rcschat"
	controlScope = "control"
)

// OperatorClaims are the JWT claims of a control API bearer token.
type OperatorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// GenerateOperatorToken signs an HS256 token granting control API access
// to operator.
func GenerateOperatorToken(secret []byte, operator string, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("signing operator token: empty secret")
	}
	if operator == "" {
		return "", time.Time{}, errors.New("signing operator token: empty operator")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := OperatorClaims{
		Scope: controlScope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   operator,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireOperatorAuth returns middleware that validates HS256 bearer tokens
// signed with secret. An empty secret rejects every request. On success the
// token subject is stored in the request context.
func RequireOperatorAuth(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("subsystem", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeError(w, r, http.StatusUnauthorized, "authentication not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, r, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &OperatorClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				logger.Debug("rejected bearer token", "remote_addr", r.RemoteAddr, "error", err)
				writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.Subject == "" || claims.Scope != controlScope || !claims.VerifyIssuer(tokenIssuer, true) {
				writeError(w, r, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator, or "" if the
// request was not authenticated.
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}
