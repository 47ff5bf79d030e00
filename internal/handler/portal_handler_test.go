package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verdantis/alerts-service/internal/auth"
	"github.com/verdantis/alerts-service/internal/config"
	"github.com/verdantis/alerts-service/internal/dedupe"
	"github.com/verdantis/alerts-service/internal/dispatcher"
	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/handler"
	"github.com/verdantis/alerts-service/internal/pipeline"
	"github.com/verdantis/alerts-service/internal/projection"
	"github.com/verdantis/alerts-service/internal/router"
	"github.com/verdantis/alerts-service/internal/telemetry"
)

const portalJWTSecret = "portal-test-secret"

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "role": role})
	signed, err := token.SignedString([]byte(portalJWTSecret))
	require.NoError(t, err)
	return signed
}

// newPortalServer builds an Echo instance over a service that has already
// ingested one policy.enforcement alert and refreshed its views.
func newPortalServer(t *testing.T, refresh bool) *echo.Echo {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfgDir := t.TempDir()
	dataDir := t.TempDir()

	subs := `{"subscriptions": [{"id": "sub_policy", "topics": ["policy.enforcement"]}]}`
	routes := `{"routes": [{"id": "r1", "match": {}, "channels": [{"type": "webhook", "id": "ch_mem"}]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, config.SubscriptionsFile), []byte(subs), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, config.RoutesFile), []byte(routes), 0o644))

	store, err := config.NewStore(cfgDir, logger)
	require.NoError(t, err)

	sink := &dispatcher.MemorySink{}
	svc, err := pipeline.NewService(pipeline.ServiceOptions{
		Store:        store,
		DedupeConfig: dedupe.Config{KeyFields: []string{"subscription_id", "event.id"}},
		StatePath:    filepath.Join(dataDir, "dedupe_state.json"),
		DataDir:      dataDir,
		Sinks: func(ch router.Channel) (dispatcher.Sink, bool) {
			return sink, ch.Type == "webhook"
		},
		Public:     projection.DefaultPublicConfig(),
		MaskSecret: "portal-mask-secret",
	}, logger)
	require.NoError(t, err)

	ctx := context.Background()
	ev := envelope.Event{
		ID:       "ev1",
		TS:       "2025-03-01T10:00:00Z",
		Topic:    "policy.enforcement",
		Severity: "high",
		AssetID:  "asset_1",
		AOIID:    "aoi_9",
	}
	require.NoError(t, svc.Ingest(ctx, ev))
	if refresh {
		require.NoError(t, svc.RefreshViews(ctx))
	}

	e := echo.New()
	handler.RegisterRoutes(e, svc, auth.NewVerifier(portalJWTSecret), telemetry.NewExporter(logger), logger)
	return e
}

func get(e *echo.Echo, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e := newPortalServer(t, false)
	rec := get(e, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	e := newPortalServer(t, false)
	rec := get(e, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "verdantis_build_info 1")
}

func TestFeedIsOpen(t *testing.T) {
	e := newPortalServer(t, true)
	rec := get(e, "/api/alerts/feed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var feed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feed))
	require.Len(t, feed, 1)
	assert.Equal(t, "ev1", feed[0]["id"])
}

func TestRegulatorEndpointsRequireRole(t *testing.T) {
	e := newPortalServer(t, true)

	rec := get(e, "/api/portal/regulator/violations", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(e, "/api/portal/regulator/violations", signToken(t, "ivan", auth.RoleInvestor))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = get(e, "/api/portal/regulator/violations", signToken(t, "rita", auth.RoleRegulator))
	require.Equal(t, http.StatusOK, rec.Code)
	var violations []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &violations))
	require.Len(t, violations, 1)
	assert.Equal(t, "ev1", violations[0]["id"])
}

func TestInvestorEndpointsRequireRole(t *testing.T) {
	e := newPortalServer(t, true)

	rec := get(e, "/api/portal/investor/risk-trajectory", signToken(t, "rita", auth.RoleRegulator))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = get(e, "/api/portal/investor/risk-trajectory", signToken(t, "ivan", auth.RoleInvestor))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicPortalAcceptsAnyVerifiedRole(t *testing.T) {
	e := newPortalServer(t, true)

	rec := get(e, "/api/portal/public/feed", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, role := range []string{auth.RolePublic, auth.RoleInvestor, auth.RoleRegulator} {
		rec = get(e, "/api/portal/public/feed", signToken(t, "u", role))
		require.Equal(t, http.StatusOK, rec.Code, "role %s", role)
	}

	var feed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feed))
	require.Len(t, feed, 1)
	// Raw asset ids never cross the public boundary.
	assert.NotContains(t, feed[0], "asset_id")
	assert.Equal(t, "policy.enforcement", feed[0]["topic"])
}

func TestInvalidTokenRejected(t *testing.T) {
	e := newPortalServer(t, true)

	rec := get(e, "/api/portal/public/feed", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/portal/public/feed", nil)
	req.Header.Set(echo.HeaderAuthorization, "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewNotBuiltYet(t *testing.T) {
	e := newPortalServer(t, false)
	rec := get(e, "/api/portal/regulator/violations", signToken(t, "rita", auth.RoleRegulator))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAuditRequest(t *testing.T) {
	e := newPortalServer(t, true)
	token := signToken(t, "rita", auth.RoleRegulator)

	body := `{"asset_id": "asset_1", "reason": "verify attestation"}`
	req := httptest.NewRequest(http.MethodPost, "/api/portal/regulator/audit-requests", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created["request_id"])
	assert.Equal(t, "queued", created["status"])

	rec = get(e, "/api/portal/regulator/audit-requests", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var log []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &log))
	require.Len(t, log, 1)
	assert.Equal(t, "rita", log[0]["user"])
	assert.Equal(t, "asset_1", log[0]["asset_id"])

	// Investors cannot queue audit requests.
	req = httptest.NewRequest(http.MethodPost, "/api/portal/regulator/audit-requests", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "ivan", auth.RoleInvestor))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
