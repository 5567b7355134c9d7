package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ateliercollab/atelier-backend/internal/auth"
	"github.com/ateliercollab/atelier-backend/internal/realtime"
	"github.com/ateliercollab/atelier-backend/internal/session"
)

type testServer struct {
	httpServer *httptest.Server
	store      *session.Store
	registry   *realtime.Registry
	issuer     *auth.TokenIssuer
}

func newTestServer(t *testing.T, autoCreate bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := database.AutoMigrate(
		&session.Session{}, &session.RoomActiveSession{}, &session.Participant{},
		&session.LogEntry{}, &session.CanvasSnapshot{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := session.NewStore(session.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry, err := realtime.NewRegistry(store, realtime.Config{})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		TokenTTL:      time.Hour,
	})
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Store:        store,
		Engine:       registry,
		Logger:       zap.NewNop(),
		AutoCreate:   autoCreate,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})
	return &testServer{httpServer: server, store: store, registry: registry, issuer: issuer}
}

type guestCredentials struct {
	token  string
	userID uuid.UUID
}

func (s *testServer) issueGuest(t *testing.T, displayName string) guestCredentials {
	t.Helper()
	response := s.postJSON(t, "/auth/guest", "", map[string]any{"display_name": displayName})
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("guest auth failed with status %d", response.StatusCode)
	}
	var payload guestAuthResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode auth response: %v", err)
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		t.Fatalf("auth response carries invalid user id: %v", err)
	}
	return guestCredentials{token: payload.AccessToken, userID: userID}
}

func (s *testServer) postJSON(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, s.httpServer.URL+path, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := s.httpServer.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func (s *testServer) getJSON(t *testing.T, path, token string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, s.httpServer.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := s.httpServer.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func decodeSession(t *testing.T, response *http.Response) sessionPayload {
	t.Helper()
	defer response.Body.Close()
	var payload sessionPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode session payload: %v", err)
	}
	return payload
}
