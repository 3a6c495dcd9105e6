package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingGoogleVerifier) {
		t.Fatalf("expected missing verifier error, got %v", err)
	}
}

func TestGoogleAuthIssuesSessionToken(t *testing.T) {
	host := newTestHost(t, testHostOptions{})

	status, body := host.do(t, http.MethodPost, AuthPath, "", strings.NewReader(`{"id_token":"google-admin"}`), "application/json")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", status, body)
	}
	var reply authResponsePayload
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("failed to decode auth reply: %v", err)
	}
	if reply.AccessToken == "" || reply.TokenType != "Bearer" || reply.ExpiresIn <= 0 {
		t.Fatalf("unexpected token fields %+v", reply)
	}
	if reply.UserID != testAdminID || reply.DisplayName != "Grace Hopper" || !reply.Admin {
		t.Fatalf("unexpected identity fields %+v", reply)
	}

	status, _ = host.do(t, http.MethodGet, StatsPath+"?session="+testSession, reply.AccessToken, nil, "")
	if status != http.StatusOK {
		t.Fatalf("expected issued token to authorize stats, got %d", status)
	}
}

func TestGoogleAuthRejectsBadRequests(t *testing.T) {
	host := newTestHost(t, testHostOptions{})

	testCases := []struct {
		name   string
		body   string
		status int
	}{
		{name: "missing token", body: `{}`, status: http.StatusBadRequest},
		{name: "malformed body", body: `{`, status: http.StatusBadRequest},
		{name: "unknown token", body: `{"id_token":"forged"}`, status: http.StatusUnauthorized},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, body := host.do(t, http.MethodPost, AuthPath, "", strings.NewReader(testCase.body), "application/json")
			if status != testCase.status {
				t.Fatalf("unexpected status %d: %s", status, body)
			}
		})
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	host := newTestHost(t, testHostOptions{logger: zap.New(core)})

	status, _ := host.do(t, http.MethodGet, StatsPath+"?session="+testSession, "", nil, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if entries := logs.FilterMessage("session validation failed").All(); len(entries) != 0 {
		t.Fatalf("missing token must not be logged as a failure, got %d entries", len(entries))
	}

	status, _ = host.do(t, http.MethodGet, StatsPath+"?session="+testSession, "not-a-jwt", nil, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", status)
	}
	entries := logs.FilterMessage("session validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warning for bad token, got %+v", entries)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	host := newTestHost(t, testHostOptions{origins: []string{"https://slides.example.com"}})

	request, err := http.NewRequest(http.MethodOptions, host.server.URL+SheetPath, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Origin", "https://slides.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	response, err := host.server.Client().Do(request)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	response.Body.Close()
	if got := response.Header.Get("Access-Control-Allow-Origin"); got != "https://slides.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := response.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", got)
	}

	request.Header.Set("Origin", "https://elsewhere.example.com")
	response, err = host.server.Client().Do(request)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	response.Body.Close()
	if got := response.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected foreign origin to be refused, got %q", got)
	}
}

func TestMetricsCountRequestsByRoute(t *testing.T) {
	host := newTestHost(t, testHostOptions{})
	token := host.token(t, testViewerID, "Jane Doe", false)

	for i := 0; i < 2; i++ {
		host.do(t, http.MethodGet, StatsPath+"?session="+testSession, token, nil, "")
	}
	host.do(t, http.MethodGet, StatsPath, "", nil, "")

	metrics := host.registry
	collectors, err := metrics.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, family := range collectors {
		if family.GetName() == "slidediscuss_http_requests_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected request counter to be registered")
	}

	status, body := host.do(t, http.MethodGet, MetricsPath, "", nil, "")
	if status != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", status)
	}
	if !strings.Contains(string(body), `slidediscuss_http_requests_total{code="200",route="/_discuss_stats"} 2`) {
		t.Fatalf("expected stats counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(string(body), `slidediscuss_http_requests_total{code="401",route="/_discuss_stats"} 1`) {
		t.Fatalf("expected unauthorized counter in exposition, got:\n%s", body)
	}
}

func TestHTTPMetricsReuseRegisteredCollector(t *testing.T) {
	host := newTestHost(t, testHostOptions{})
	first, err := newHTTPMetrics(host.registry)
	if err != nil {
		t.Fatalf("expected existing collector to be reused: %v", err)
	}
	first.requests.WithLabelValues("/probe", "200").Inc()
	if got := testutil.ToFloat64(first.requests.WithLabelValues("/probe", "200")); got != 1 {
		t.Fatalf("unexpected counter value %v", got)
	}
}
