package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/inovest/realtime/internal/auth"
	"github.com/inovest/realtime/internal/database"
	"github.com/inovest/realtime/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	identity auth.Identity
	err      error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.Identity, error) {
	return s.identity, s.err
}

func newAuthTestContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/chats", http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	ctx.Request = request
	return ctx, recorder
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: fmt.Errorf("%w: signature mismatch", auth.ErrInvalidSessionToken)},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestRejectsMissingTokenWithoutLogging(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrMissingSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries for a missing token, got %d", logs.Len())
	}
}

func TestAuthorizeRequestRecordsUserAndStoresIdentity(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "auth.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}

	ctx, recorder := newAuthTestContext(t)
	identity := auth.Identity{UserID: "investor-1", Role: auth.RoleInvestor}
	handler := &httpHandler{
		sessions: stubSessionValidator{identity: identity},
		users:    userService,
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to pass, got status %d", recorder.Code)
	}
	stored, ok := identityFromContext(ctx)
	if !ok || stored != identity {
		t.Fatalf("unexpected identity in context: %#v (ok=%v)", stored, ok)
	}
	user, err := userService.Get(context.Background(), "investor-1")
	if err != nil {
		t.Fatalf("expected user row to exist: %v", err)
	}
	if user.Role != string(auth.RoleInvestor) {
		t.Fatalf("unexpected stored role %q", user.Role)
	}
}

func TestRequireRoleRejectsOtherRoles(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	ctx.Set(identityContextKey, auth.Identity{UserID: "investor-1", Role: auth.RoleInvestor})

	requireRole(auth.RoleEntrepreneur)(ctx)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusForbidden)
	}
}
