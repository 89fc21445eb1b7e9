package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/inovest/realtime/internal/auth"
	"github.com/inovest/realtime/internal/chats"
	"github.com/inovest/realtime/internal/database"
	"github.com/inovest/realtime/internal/ids"
	"github.com/inovest/realtime/internal/metrics"
	"github.com/inovest/realtime/internal/notifications"
	"github.com/inovest/realtime/internal/projects"
	"github.com/inovest/realtime/internal/realtime"
	"github.com/inovest/realtime/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "test-signing-secret"

type testStack struct {
	db            *gorm.DB
	server        *httptest.Server
	issuer        *auth.TokenIssuer
	users         *users.Service
	projects      *projects.Service
	chats         *chats.Service
	notifications *notifications.Service
	router        *realtime.Router
	registry      *realtime.Registry
	hub           *realtime.Hub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	// Socket pumps outlive the test body, so the stack logs nowhere.
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	idProvider := ids.NewUUIDProvider()
	collectors := metrics.New()

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	projectService, err := projects.NewService(projects.ServiceConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct projects service: %v", err)
	}
	chatService, err := chats.NewService(chats.ServiceConfig{
		Database:   db,
		Projects:   projectService,
		IDProvider: idProvider,
		Logger:     logger,
		Metrics:    collectors,
	})
	if err != nil {
		t.Fatalf("failed to construct chats service: %v", err)
	}

	router := realtime.NewRouter(realtime.RouterConfig{Logger: logger, Metrics: collectors})
	registry := realtime.NewRegistry(realtime.RegistryConfig{OnTransition: realtime.StatusBroadcaster(router)})
	tracker, err := realtime.NewTypingTracker(realtime.TypingConfig{Emit: realtime.RoomTypingEmitter(router), Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct typing tracker: %v", err)
	}
	hub, err := realtime.NewHub(realtime.HubConfig{
		Registry: registry,
		Router:   router,
		Typing:   tracker,
		LastSeen: userService,
		Chats:    chatService,
		Metrics:  collectors,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Repository: notifications.NewGormRepository(db),
		IDProvider: idProvider,
		Contacts:   userService,
		Live:       hub,
		Logger:     logger,
		Metrics:    collectors,
	})
	if err != nil {
		t.Fatalf("failed to construct notifications service: %v", err)
	}
	t.Cleanup(notificationService.Wait)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       validator,
		Users:          userService,
		Projects:       projectService,
		Chats:          chatService,
		Notifications:  notificationService,
		Hub:            hub,
		IDProvider:     idProvider,
		Metrics:        collectors,
		Logger:         logger,
		AllowedOrigins: []string{"*"},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testStack{
		db:            db,
		server:        server,
		issuer:        auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour}),
		users:         userService,
		projects:      projectService,
		chats:         chatService,
		notifications: notificationService,
		router:        router,
		registry:      registry,
		hub:           hub,
	}
}

func (s *testStack) token(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, _, err := s.issuer.Issue(context.Background(), auth.Identity{UserID: userID, Role: role})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends an authenticated JSON request and decodes the response into out when provided.
func (s *testStack) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

// seedProject creates a project owned by ownerID directly through the service.
func (s *testStack) seedProject(t *testing.T, ownerID string) projects.Project {
	t.Helper()
	project, err := s.projects.Create(context.Background(), ownerID, projects.Draft{Title: "Solar farm"})
	if err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	return project
}
