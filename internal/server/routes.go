package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/vidscope/internal/analysis"
	"github.com/primal-host/vidscope/internal/auth"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/report"
	"github.com/primal-host/vidscope/internal/subscription"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/primal-host/vidscope/internal/upload"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/api/health", s.handleHealth)
	s.echo.GET("/api/plans", s.handleListPlans)
	s.echo.GET("/api/shared/:token", s.handleGetShared)
	s.echo.GET(upload.MediaPath+":token", s.handleMedia)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	// --- User API (bearer auth) ---
	api := s.echo.Group("/api", s.requireAuth, s.apiBodyLimit())
	api.GET("/me", s.handleMe)
	api.GET("/subscription", s.handleGetSubscription)
	api.POST("/subscription", s.handleChangePlan)
	api.GET("/subscription/access/:tier", s.handleCheckAccess)
	api.GET("/usage", s.handleUsage)
	api.GET("/activity", s.handleActivity)

	api.POST("/videos", s.handleUploadVideo, s.uploadBodyLimit)
	api.GET("/videos", s.handleListVideos)
	api.GET("/videos/:id", s.handleGetVideo)
	api.DELETE("/videos/:id", s.handleDeleteVideo)
	api.GET("/videos/:id/file", s.handleVideoFile, s.requireFeature(tier.FeaturePlayback))

	api.POST("/analyze", s.handleAnalyze)
	api.GET("/analyze", s.handleAnalysisStatus)
	api.GET("/analyses/recent", s.handleRecentAnalyses)
	api.GET("/analyses/:id", s.handleGetAnalysis)
	api.GET("/analyses/:id/report", s.handleDownloadReport, s.requireFeature(tier.FeatureReportDownload))
	api.POST("/analyses/:id/share", s.handleShareReport, s.requireFeature(tier.FeatureReportSharing))

	api.GET("/queue", s.handleListQueue)
	api.GET("/queue/stream", s.handleQueueStream)
	api.POST("/queue/:id/pause", s.handlePauseJob)
	api.POST("/queue/:id/resume", s.handleResumeJob)
	api.POST("/queue/:id/cancel", s.handleCancelJob)

	keys := api.Group("/keys", s.requireFeature(tier.FeatureAPIAccess))
	keys.GET("", s.handleListKeys)
	keys.POST("", s.handleCreateKey)
	keys.DELETE("/:prefix", s.handleRevokeKey)

	// --- Admin API (admin key) ---
	admin := api.Group("/admin", s.requireAdmin)
	admin.POST("/setup-db", s.handleSetupDB)
	admin.GET("/stats", s.handleStats)
	admin.GET("/subscriptions", s.handleListSubscriptions)
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// handleListPlans returns the tier table and the stored plan rows.
func (s *Server) handleListPlans(c echo.Context) error {
	plans, err := s.deps.Subscriptions.ListPlans(c.Request().Context())
	if err != nil {
		return s.internalError(c, "Failed to list plans", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tiers": tier.All(),
		"plans": plans,
	})
}

// handleGetShared returns the analysis behind a public share token.
func (s *Server) handleGetShared(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := s.deps.Reports.Resolve(ctx, c.Param("token"))
	switch {
	case errors.Is(err, report.ErrNotFound):
		return apiError(c, http.StatusNotFound, "ShareNotFound", "Shared report not found")
	case errors.Is(err, report.ErrExpired):
		return apiError(c, http.StatusGone, "ShareExpired", "This shared report has expired")
	case err != nil:
		return s.internalError(c, "Failed to resolve share link", err)
	}

	d, err := s.deps.Analyses.Get(ctx, id)
	if errors.Is(err, analysis.ErrNotFound) {
		return apiError(c, http.StatusNotFound, "ShareNotFound", "Shared report not found")
	}
	if err != nil {
		return s.internalError(c, "Failed to load analysis", err)
	}
	d.VideoURL = upload.FileURL(s.deps.Storage, d.VideoPath, d.VideoID)
	return c.JSON(http.StatusOK, d)
}

// handleMe returns the caller's identity.
func (s *Server) handleMe(c echo.Context) error {
	return c.JSON(http.StatusOK, identity(c))
}

func (s *Server) handleGetSubscription(c echo.Context) error {
	sub, err := s.deps.Subscriptions.GetForUser(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return s.internalError(c, "Failed to load subscription", err)
	}
	return c.JSON(http.StatusOK, sub)
}

type changePlanRequest struct {
	PlanID       string `json:"planId"`
	BillingCycle string `json:"billingCycle"`
}

// handleChangePlan moves the caller to another plan. No payment is taken.
func (s *Server) handleChangePlan(c echo.Context) error {
	var req changePlanRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
	}
	req.PlanID = strings.TrimSpace(strings.ToLower(req.PlanID))
	if req.PlanID == "" {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "planId is required")
	}
	cycle, err := subscription.ParseCycle(req.BillingCycle)
	if err != nil {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "billingCycle must be 'monthly' or 'yearly'")
	}

	sub, err := s.deps.Subscriptions.ChangePlan(c.Request().Context(), identity(c).UserID, req.PlanID, cycle)
	switch {
	case errors.Is(err, subscription.ErrContactSales):
		return apiError(c, http.StatusBadRequest, "ContactSales", "Please contact sales to subscribe to the Enterprise plan")
	case errors.Is(err, subscription.ErrNotFound):
		return apiError(c, http.StatusNotFound, "PlanNotFound", "Plan not found: "+req.PlanID)
	case err != nil:
		return s.internalError(c, "Failed to change plan", err)
	}
	s.record(c, events.Event{
		Type:      events.TypePlanChanged,
		UserID:    identity(c).UserID,
		SubjectID: string(sub.Tier),
		Message:   "Subscribed to " + sub.PlanName,
	})
	return c.JSON(http.StatusOK, sub)
}

// handleCheckAccess reports whether the caller's tier reaches :tier.
func (s *Server) handleCheckAccess(c echo.Context) error {
	required, err := tier.Parse(c.Param("tier"))
	if err != nil {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "Unknown tier: "+c.Param("tier"))
	}
	sub, err := s.deps.Subscriptions.GetForUser(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return s.internalError(c, "Failed to load subscription", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"hasAccess":    tier.Allows(sub.Tier, required),
		"tier":         sub.Tier,
		"requiredTier": required,
	})
}

func (s *Server) handleUsage(c echo.Context) error {
	ctx := c.Request().Context()
	userID := identity(c).UserID
	sub, err := s.deps.Subscriptions.GetForUser(ctx, userID)
	if err != nil {
		return s.internalError(c, "Failed to load subscription", err)
	}
	u, err := s.deps.Usage.ForUser(ctx, userID, sub)
	if err != nil {
		return s.internalError(c, "Failed to compute usage", err)
	}
	return c.JSON(http.StatusOK, u)
}

// handleActivity lists the caller's recent events.
func (s *Server) handleActivity(c echo.Context) error {
	evs, err := s.deps.Events.Recent(c.Request().Context(), identity(c).UserID, queryInt(c, "limit", 0))
	if err != nil {
		return s.internalError(c, "Failed to list activity", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": evs})
}

// --- API keys ---

func (s *Server) handleListKeys(c echo.Context) error {
	keys, err := s.deps.Keys.List(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return s.internalError(c, "Failed to list API keys", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": keys})
}

// handleCreateKey returns the plaintext key once; only its hash is kept.
func (s *Server) handleCreateKey(c echo.Context) error {
	key, k, err := s.deps.Keys.Create(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return s.internalError(c, "Failed to create API key", err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"key":    key,
		"apiKey": k,
	})
}

func (s *Server) handleRevokeKey(c echo.Context) error {
	prefix := c.Param("prefix")
	err := s.deps.Keys.Revoke(c.Request().Context(), identity(c).UserID, prefix)
	if errors.Is(err, auth.ErrKeyNotFound) {
		return apiError(c, http.StatusNotFound, "KeyNotFound", "API key not found: "+prefix)
	}
	if err != nil {
		return s.internalError(c, "Failed to revoke API key", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "API key revoked: " + prefix})
}

// --- Admin API ---

// handleSetupDB runs the schema steps and reports each one.
func (s *Server) handleSetupDB(c echo.Context) error {
	if s.deps.Setup == nil {
		return apiError(c, http.StatusNotImplemented, "NotAvailable", "Database setup is not available")
	}
	res := s.deps.Setup(c.Request().Context())
	if !res.Success {
		s.log.Errorf("Database setup failed: %s", res.Error)
		return c.JSON(http.StatusInternalServerError, res)
	}
	s.log.Infof("Database setup completed (%d steps)", len(res.Steps))
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleStats(c echo.Context) error {
	d, err := s.deps.Usage.Dashboard(c.Request().Context())
	if err != nil {
		return s.internalError(c, "Failed to load stats", err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleListSubscriptions(c echo.Context) error {
	subs, err := s.deps.Subscriptions.ListRecent(c.Request().Context(), queryInt(c, "limit", 0))
	if err != nil {
		return s.internalError(c, "Failed to list subscriptions", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"subscriptions": subs})
}

// --- Helpers ---

// queryInt parses an integer query parameter, returning def when it is
// absent or malformed.
func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}

// queryList splits a comma-separated or repeated query parameter.
func queryList(c echo.Context, name string) []string {
	var out []string
	for _, v := range c.QueryParams()[name] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
