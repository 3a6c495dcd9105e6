package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/auth"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/database"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/discussions"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/relay"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/sheets"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testSession       = "lecture01"
	testAdminID       = "admin@example.com"
	testViewerID      = "viewer@example.com"
	testOtherID       = "other@example.com"
)

var errUnknownGoogleToken = errors.New("unknown google token")

type stubGoogleVerifier struct {
	claims map[string]auth.GoogleClaims
}

func (s stubGoogleVerifier) Verify(_ context.Context, token string) (auth.GoogleClaims, error) {
	claims, ok := s.claims[token]
	if !ok {
		return auth.GoogleClaims{}, errUnknownGoogleToken
	}
	return claims, nil
}

type testHost struct {
	server      *httptest.Server
	db          *gorm.DB
	hub         *relay.Hub
	issuer      *auth.TokenIssuer
	discussions *discussions.Service
	registry    *prometheus.Registry
}

type testHostOptions struct {
	origins   []string
	rateLimit rate.Limit
	burst     int
	logger    *zap.Logger
}

func newTestHost(t *testing.T, options testHostOptions) *testHost {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "host.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}

	clock := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	identities, err := users.NewService(users.ServiceConfig{Database: db, AdminUserIDs: []string{testAdminID}})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	sheetService, err := sheets.NewService(sheets.ServiceConfig{Database: db, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build sheets service: %v", err)
	}
	discussionService, err := discussions.NewService(discussions.ServiceConfig{Database: db, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build discussions service: %v", err)
	}
	registry := prometheus.NewRegistry()
	hub, err := relay.NewHub(relay.HubConfig{BufferSize: 16, Registerer: registry})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "slidediscuss",
		Audience:      "slidediscuss-clients",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "slidediscuss",
		CookieName:    "discuss_session",
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		GoogleVerifier: stubGoogleVerifier{claims: map[string]auth.GoogleClaims{
			"google-admin":  {Subject: "1", Email: testAdminID, Name: "Grace Hopper"},
			"google-viewer": {Subject: "2", Email: testViewerID, Name: "Jane Q. Doe"},
		}},
		TokenIssuer:      issuer,
		SessionValidator: validator,
		Identities:       identities,
		Sheets:           sheetService,
		Discussions:      discussionService,
		Hub:              hub,
		AllowedOrigins:   options.origins,
		SideChannelRate:  options.rateLimit,
		SideChannelBurst: options.burst,
		Registerer:       registry,
		Gatherer:         registry,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testHost{
		server:      server,
		db:          db,
		hub:         hub,
		issuer:      issuer,
		discussions: discussionService,
		registry:    registry,
	}
}

func (h *testHost) token(t *testing.T, userID, name string, admin bool) string {
	t.Helper()
	identity := auth.SessionIdentity{UserID: userID, Email: userID, DisplayName: name}
	if admin {
		identity.Roles = []string{auth.RoleAdmin}
	}
	token, _, err := h.issuer.IssueSessionToken(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h *testHost) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	request, err := http.NewRequest(method, h.server.URL+path, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := h.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response.StatusCode, payload
}

func (h *testHost) postSheet(t *testing.T, token string, form url.Values) sheetReply {
	t.Helper()
	status, body := h.do(t, http.MethodPost, SheetPath, token, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if status != http.StatusOK {
		t.Fatalf("unexpected sheet status %d: %s", status, body)
	}
	var reply sheetReply
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("failed to decode sheet reply %s: %v", body, err)
	}
	return reply
}
