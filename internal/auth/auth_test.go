package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/storage"
)

const testSecret = "test-secret-with-enough-length-123"

func newTestService(t *testing.T) (*Service, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, err := NewService(store, config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Minute, BcryptCost: bcrypt.MinCost}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return svc, store
}

func register(t *testing.T, svc *Service) {
	t.Helper()
	if _, err := svc.Register(context.Background(), RegisterRequest{Email: "Ada@Example.com", Password: "correct horse", FullName: "Ada"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestNewService_requiresSecret(t *testing.T) {
	if _, err := NewService(nil, config.AuthConfig{}, nil); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestRegister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Email: " ada@example.com ", Password: "correct horse"})
	if err != nil {
		t.Fatal(err)
	}
	if user.Email != "ada@example.com" || !user.IsActive || user.PasswordHash == "correct horse" {
		t.Errorf("unexpected user %+v", user)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Email: "ADA@example.com", Password: "another one"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate email: got %v", err)
	}
}

func TestRegister_validation(t *testing.T) {
	svc, _ := newTestService(t)
	tests := []struct {
		name string
		req  RegisterRequest
		want string
	}{
		{"missing email", RegisterRequest{Password: "longenough"}, "email is required"},
		{"bad email", RegisterRequest{Email: "nope", Password: "longenough"}, "email must be a valid email address"},
		{"short password", RegisterRequest{Email: "a@b.co", Password: "short"}, "password must be at least 8 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.req)
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("got %v, want invalid input", err)
			}
			if got := apperr.PublicMessage(err, ""); got != tt.want {
				t.Errorf("message %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()

	tok, err := svc.Login(ctx, LoginRequest{Email: "ada@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok.TokenType != "bearer" || tok.ExpiresIn != 60 || tok.AccessToken == "" {
		t.Errorf("unexpected token %+v", tok)
	}

	claims, err := parseToken([]byte(testSecret), tok.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != tok.User.ID || claims.Email != "ada@example.com" || claims.Type != TokenTypeAccess || claims.ID == "" {
		t.Errorf("unexpected claims %+v", claims)
	}

	id, err := svc.Authenticate(ctx, tok.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.User.ID != tok.User.ID || id.SessionID != claims.ID {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestLogin_rejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	for _, req := range []LoginRequest{
		{Email: "ada@example.com", Password: "wrong password"},
		{Email: "nobody@example.com", Password: "correct horse"},
	} {
		if _, err := svc.Login(context.Background(), req); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("login %s: got %v", req.Email, err)
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()
	tok, err := svc.Login(ctx, LoginRequest{Email: "ada@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.Authenticate(ctx, tok.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Logout(ctx, id.SessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(ctx, tok.AccessToken); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected revoked token, got %v", err)
	}
}

func TestAuthenticate_rejectsForgedTokens(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	ctx := context.Background()
	tok, err := svc.Login(ctx, LoginRequest{Email: "ada@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatal(err)
	}
	claims, _ := parseToken([]byte(testSecret), tok.AccessToken)

	wrongSecret, _ := signToken([]byte("some-other-secret-value-xxxxxxxx"), claims.Subject, claims.Email, claims.ID, time.Now(), time.Minute)
	expired, _ := signToken([]byte(testSecret), claims.Subject, claims.Email, claims.ID, time.Now().Add(-time.Hour), time.Minute)
	refresh, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: claims.Subject, ID: claims.ID, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Type: "refresh",
	}).SignedString([]byte(testSecret))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, raw := range map[string]string{
		"wrong secret": wrongSecret,
		"expired":      expired,
		"refresh type": refresh,
		"alg none":     unsigned,
		"garbage":      "not.a.token",
	} {
		if _, err := svc.Authenticate(ctx, raw); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("%s: got %v", name, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)
	tok, err := svc.Login(context.Background(), LoginRequest{Email: "ada@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatal(err)
	}

	var seen string
	h := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + tok.AccessToken, http.StatusNoContent},
		{"lowercase scheme", "bearer " + tok.AccessToken, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"basic", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && seen != tok.User.ID {
				t.Errorf("user %q not in context", seen)
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), "error") {
				t.Errorf("unexpected body %s", rec.Body.String())
			}
		})
	}
}
