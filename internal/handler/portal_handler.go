// Package handler exposes the alerts service over HTTP: role-gated portal
// endpoints serving the projection artefacts, the ops alert feed, the
// audit-request intake, and the health/metrics probes.
package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/auth"
	"github.com/verdantis/alerts-service/internal/pipeline"
	"github.com/verdantis/alerts-service/internal/projection"
	"github.com/verdantis/alerts-service/internal/telemetry"
)

// PortalHandler serves the artefacts the pipeline service maintains under
// its data dir. Projections are rebuilt on cron ticks, so every GET is a
// plain file read of the latest refresh.
type PortalHandler struct {
	svc    *pipeline.Service
	logger *zap.Logger
}

func NewPortalHandler(svc *pipeline.Service, logger *zap.Logger) *PortalHandler {
	return &PortalHandler{svc: svc, logger: logger}
}

// RegisterRoutes mounts all alerts-service HTTP endpoints onto the Echo
// instance. Regulator and investor endpoints require the matching role;
// the public portal accepts any verified principal; the ops feed and the
// probes are open.
func RegisterRoutes(e *echo.Echo, svc *pipeline.Service, verifier *auth.Verifier, exporter *telemetry.Exporter, logger *zap.Logger) {
	h := NewPortalHandler(svc, logger)
	paths := svc.Paths()

	// Health probe for liveness/readiness checks.
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	// ── Ops feed ───────────────────────────────────────────────────────────
	e.GET("/api/alerts/feed", h.serveArtefact(paths.FeedPath()))
	e.GET("/api/alerts/feed/metrics", h.serveArtefact(paths.FeedMetricsPath()))

	api := e.Group("/api/portal", Authenticate(verifier, logger))

	// ── Regulator portal ───────────────────────────────────────────────────
	reg := api.Group("/regulator", RequireRole(auth.RoleRegulator))
	reg.GET("/violations", h.serveArtefact(filepath.Join(paths.RegulatorDir(), "open_violations.json")))
	reg.GET("/heatmap", h.serveArtefact(filepath.Join(paths.RegulatorDir(), "heatmap.json")))
	reg.GET("/audit-requests", h.serveArtefact(paths.AuditLogPath()))
	reg.POST("/audit-requests", h.CreateAuditRequest)

	// ── Investor portal ────────────────────────────────────────────────────
	inv := api.Group("/investor", RequireRole(auth.RoleInvestor))
	inv.GET("/risk-trajectory", h.serveArtefact(filepath.Join(paths.InvestorDir(), "risk_trajectory.json")))
	inv.GET("/esg-roi", h.serveArtefact(filepath.Join(paths.InvestorDir(), "esg_roi_linkage.json")))
	inv.GET("/news", h.serveArtefact(filepath.Join(paths.InvestorDir(), "news_sentiment.json")))

	// ── Public portal ──────────────────────────────────────────────────────
	pub := api.Group("/public", RequireRole())
	pub.GET("/feed", h.serveArtefact(filepath.Join(paths.PublicDir(), "public_feed.json")))
	pub.GET("/scores", h.serveArtefact(filepath.Join(paths.PublicDir(), "public_scores.json")))
}

// serveArtefact returns the artefact file verbatim. Artefacts are written
// atomically by the refresh cycle, so a read never observes a torn file.
func (h *PortalHandler) serveArtefact(path string) echo.HandlerFunc {
	return func(c echo.Context) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "view not built yet"})
		}
		return c.JSONBlob(http.StatusOK, data)
	}
}

type auditRequestBody struct {
	AssetID  string `json:"asset_id"`
	BundleID string `json:"bundle_id"`
	Reason   string `json:"reason"`
}

// POST /api/portal/regulator/audit-requests  { "asset_id": ..., "bundle_id": ..., "reason": ... }
func (h *PortalHandler) CreateAuditRequest(c echo.Context) error {
	p, ok := Principal(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	var req auditRequestBody
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	id, err := projection.AppendAuditRequest(h.svc.Paths().AuditLogPath(), p.Sub, p.Role, req.AssetID, req.BundleID, req.Reason, nil)
	if err != nil {
		h.logger.Error("audit request append failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to queue audit request"})
	}

	h.logger.Info("audit request queued",
		zap.String("request_id", id),
		zap.String("user", p.Sub),
	)
	return c.JSON(http.StatusCreated, map[string]string{"request_id": id, "status": "queued"})
}
