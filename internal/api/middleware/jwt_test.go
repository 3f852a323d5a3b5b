package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims OperatorClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestRequireOperatorAuth(t *testing.T) {
	valid, _, err := GenerateOperatorToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateOperatorToken() error: %v", err)
	}
	otherKey, _, err := GenerateOperatorToken([]byte("another-secret-another-secret-32"), "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateOperatorToken() error: %v", err)
	}

	now := time.Now()
	expired := signClaims(t, jwt.SigningMethodHS256, testSecret, OperatorClaims{
		Scope: controlScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	})
	wrongScope := signClaims(t, jwt.SigningMethodHS256, testSecret, OperatorClaims{
		Scope: "read",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	noSubject := signClaims(t, jwt.SigningMethodHS256, testSecret, OperatorClaims{
		Scope: controlScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	unsigned := signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, OperatorClaims{
		Scope:            controlScope,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "ops"},
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantOp     string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "ops"},
		{"lowercase scheme", "bearer " + valid, http.StatusOK, "ops"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + otherKey, http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong scope", "Bearer " + wrongScope, http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + noSubject, http.StatusUnauthorized, ""},
		{"alg none", "Bearer " + unsigned, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOp string
			handler := RequireOperatorAuth(testSecret, quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOp = OperatorFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/group-chats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotOp != tt.wantOp {
				t.Errorf("operator = %q, want %q", gotOp, tt.wantOp)
			}
		})
	}
}

func TestRequireOperatorAuthEmptySecret(t *testing.T) {
	token, _, err := GenerateOperatorToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateOperatorToken() error: %v", err)
	}

	handler := RequireOperatorAuth(nil, quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a configured secret")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestGenerateOperatorTokenErrors(t *testing.T) {
	if _, _, err := GenerateOperatorToken(nil, "ops", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, _, err := GenerateOperatorToken(testSecret, "", time.Hour); err == nil {
		t.Error("expected error for empty operator")
	}

	_, exp, err := GenerateOperatorToken(testSecret, "ops", 0)
	if err != nil {
		t.Fatalf("GenerateOperatorToken() error: %v", err)
	}
	if d := time.Until(exp); d < DefaultTokenTTL-time.Minute || d > DefaultTokenTTL {
		t.Errorf("expiry in %s, want about %s", d, DefaultTokenTTL)
	}
}
