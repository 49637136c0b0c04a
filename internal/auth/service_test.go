package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	store, err := NewMemoryStore([]Seed{
		{
			Username:    "analyst",
			Password:    "s3cret",
			Roles:       []string{"analyst"},
			Permissions: []string{PermissionTasksRead, PermissionTasksWrite},
		},
		{
			Username: "ghost",
			Password: "whatever",
			Disabled: true,
		},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "test-secret", Issuer: "openlake"},
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "analyst", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token type: %s", pair.TokenType)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if subject.Username != "analyst" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if !subject.HasPermission(PermissionTasksWrite) {
		t.Fatalf("expected tasks:write permission")
	}

	// 刷新令牌不能当访问令牌使用。
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for refresh token, got %v", err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "analyst", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "nobody", Password: "x"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "ghost", Password: "whatever"}); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked subject, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials", Username: "analyst", Password: "s3cret"}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("expected unsupported grant, got %v", err)
	}
}

func TestAuthenticateRequestRejectsMalformedHeaders(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	cases := []string{"", "Bearer", "Bearer ", "Basic abc"}
	for _, header := range cases {
		if _, err := svc.AuthenticateRequest(ctx, header); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("header %q: expected missing token, got %v", header, err)
		}
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "analyst", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var seenUser string
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionTasksRead},
			http.MethodPost: {PermissionStatsRead},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := SubjectFromContext(r.Context()); subject != nil {
			seenUser = subject.Username
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	// 携带权限的 GET 放行。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seenUser != "analyst" {
		t.Fatalf("expected subject in context, got %q", seenUser)
	}

	// 缺少 stats:read 的 POST 拒绝。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// 无令牌一律 401。
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}

	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
