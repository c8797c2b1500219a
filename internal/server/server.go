// Package server provides the HTTP API for vidscope, built on Echo v4.
// It serves the user API for uploads, analyses and the processing queue,
// the admin API, and the public share and health endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/primal-host/vidscope/internal/analysis"
	"github.com/primal-host/vidscope/internal/auth"
	"github.com/primal-host/vidscope/internal/config"
	"github.com/primal-host/vidscope/internal/database"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/metrics"
	"github.com/primal-host/vidscope/internal/processing"
	"github.com/primal-host/vidscope/internal/report"
	"github.com/primal-host/vidscope/internal/storage"
	"github.com/primal-host/vidscope/internal/subscription"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/primal-host/vidscope/internal/upload"
	"github.com/primal-host/vidscope/internal/usage"
	"github.com/primal-host/vidscope/internal/video"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Subscriptions is the plan and subscription store.
type Subscriptions interface {
	GetForUser(ctx context.Context, userID string) (*subscription.Subscription, error)
	ListPlans(ctx context.Context) ([]subscription.Plan, error)
	ChangePlan(ctx context.Context, userID, planID string, cycle subscription.Cycle) (*subscription.Subscription, error)
	ListRecent(ctx context.Context, limit int) ([]subscription.Record, error)
}

// Videos is the video store.
type Videos interface {
	Get(ctx context.Context, id string) (*video.Video, error)
	List(ctx context.Context, userID string, f video.Filter) ([]video.Video, error)
	Delete(ctx context.Context, id, ownerID string) (string, error)
}

// Analyses is the analysis store.
type Analyses interface {
	Lookup(ctx context.Context, id string) (*analysis.Ref, error)
	Get(ctx context.Context, id string) (*analysis.Detail, error)
	Recent(ctx context.Context, userID string, limit int) ([]analysis.Summary, error)
}

// Queue is the processing queue.
type Queue interface {
	Enqueue(ctx context.Context, p processing.Params) (*processing.Job, error)
	Get(analysisID string) (*processing.Job, bool)
	Snapshot(userID string) []processing.Job
	Pause(ctx context.Context, analysisID string) (*processing.Job, error)
	Resume(ctx context.Context, analysisID string) (*processing.Job, error)
	Cancel(ctx context.Context, analysisID string) error
}

// Uploader runs the upload pipeline.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Result, error)
}

// Reports manages share links.
type Reports interface {
	Share(ctx context.Context, analysisID, title string, ttl time.Duration) (*report.Share, error)
	Resolve(ctx context.Context, token string) (string, error)
}

// Usage computes usage and dashboard figures.
type Usage interface {
	ForUser(ctx context.Context, userID string, sub *subscription.Subscription) (*usage.Usage, error)
	Dashboard(ctx context.Context) (*usage.Dashboard, error)
}

// Keys is the API key store.
type Keys interface {
	Create(ctx context.Context, userID string) (string, *auth.APIKey, error)
	List(ctx context.Context, userID string) ([]auth.APIKey, error)
	Revoke(ctx context.Context, userID, prefix string) error
	Touch(ctx context.Context, prefix string) error
}

// Events is the activity log and live event feed.
type Events interface {
	Record(ctx context.Context, ev events.Event) error
	Subscribe(userID string) (<-chan events.Event, func())
	Recent(ctx context.Context, userID string, limit int) ([]events.Event, error)
}

// Links signs the URLs the detector fetches stored videos from.
type Links interface {
	FetchURL(name, videoID string) (string, error)
}

// Profiles records signed-in users.
type Profiles interface {
	Ensure(ctx context.Context, id *auth.Identity) error
}

// Deps are the services behind the HTTP API. Links, Profiles, Metrics
// and Setup may be nil.
type Deps struct {
	Auth          *auth.Authenticator
	Subscriptions Subscriptions
	Videos        Videos
	Analyses      Analyses
	Queue         Queue
	Uploads       Uploader
	Reports       Reports
	Usage         Usage
	Keys          Keys
	Profiles      Profiles
	Links         Links
	Events        Events
	Storage       storage.Storage
	Metrics       *metrics.Metrics
	Setup         func(ctx context.Context) database.SetupResult
}

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	log      logs.Log
	deps     Deps
	upgrader websocket.Upgrader
	now      func() time.Time

	uploadLimits sync.Map // int64 byte cap -> echo.MiddlewareFunc
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, log logs.Log, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	if cfg.RateLimit > 0 {
		e.Use(echo.WrapMiddleware(httprate.Limit(cfg.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))))
	}

	s := &Server{
		echo: e,
		cfg:  cfg,
		log:  log,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		now: time.Now,
	}

	s.registerRoutes()
	return s
}

// ServeHTTP lets the server be driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

const identityKey = "identity"

// identity retrieves the caller set by requireAuth.
func identity(c echo.Context) *auth.Identity {
	if id, ok := c.Get(identityKey).(*auth.Identity); ok {
		return id
	}
	return nil
}

// apiError writes the standard {"error", "message"} body.
func apiError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// internalError logs err and writes a 500 with message.
func (s *Server) internalError(c echo.Context, message string, err error) error {
	s.log.Errorf("%s %s: %s: %v", c.Request().Method, c.Path(), message, err)
	return apiError(c, http.StatusInternalServerError, "InternalError", message)
}

// record logs an activity event. Failures are logged, not returned: the
// operation that caused the event has already succeeded.
func (s *Server) record(c echo.Context, ev events.Event) {
	if err := s.deps.Events.Record(c.Request().Context(), ev); err != nil {
		s.log.Warnf("Recording %s event: %v", ev.Type, err)
	}
}

// requireAuth resolves the Bearer token to an identity. API key callers
// must be on a plan with API access; each such request is counted.
// Signed-in users are mirrored into the profile table.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := s.deps.Auth.Authenticate(ctx, extractBearer(c))
		if errors.Is(err, auth.ErrNoCredentials) {
			return apiError(c, http.StatusUnauthorized, "AuthRequired",
				"Authorization header with Bearer token is required")
		}
		if err != nil {
			return apiError(c, http.StatusUnauthorized, "InvalidToken",
				"Invalid or expired access token")
		}

		if id.Method == auth.MethodAPIKey {
			sub, err := s.deps.Subscriptions.GetForUser(ctx, id.UserID)
			if err != nil {
				return s.internalError(c, "Failed to load subscription", err)
			}
			if !tier.Can(sub.Tier, tier.FeatureAPIAccess) {
				return upgradeRequired(c, tier.FeatureAPIAccess)
			}
			if err := s.deps.Keys.Touch(ctx, id.KeyPrefix); err != nil {
				s.log.Warnf("Counting API call for key %s: %v", id.KeyPrefix, err)
			}
		}
		if s.deps.Profiles != nil {
			if err := s.deps.Profiles.Ensure(ctx, id); err != nil {
				s.log.Warnf("Saving profile of %s: %v", id.UserID, err)
			}
		}

		c.Set(identityKey, id)
		return next(c)
	}
}

// DefaultBodyLimit caps API request bodies when cfg.BodyLimit is unset.
const DefaultBodyLimit = "1M"

// multipartSlack covers multipart framing and the form fields sent
// alongside an uploaded file.
const multipartSlack = 1 << 20

// apiBodyLimit caps request bodies on the user API. Uploads are capped
// per plan by uploadBodyLimit instead.
func (s *Server) apiBodyLimit() echo.MiddlewareFunc {
	limit := s.cfg.BodyLimit
	if limit == "" {
		limit = DefaultBodyLimit
	}
	return middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
		Limit: limit,
		Skipper: func(c echo.Context) bool {
			return c.Request().Method == http.MethodPost && c.Path() == "/api/videos"
		},
	})
}

// uploadBodyLimit caps an upload at the largest file the caller's plan
// accepts, so oversized bodies are refused before they are read.
func (s *Server) uploadBodyLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, err := s.deps.Subscriptions.GetForUser(c.Request().Context(), identity(c).UserID)
		if err != nil {
			return s.internalError(c, "Failed to load subscription", err)
		}
		n := sub.Limits().MaxBytes(true) + multipartSlack
		mw, ok := s.uploadLimits.Load(n)
		if !ok {
			mw, _ = s.uploadLimits.LoadOrStore(n, middleware.BodyLimit(strconv.FormatInt(n, 10)))
		}
		return mw.(echo.MiddlewareFunc)(next)(c)
	}
}

// requireAdmin rejects callers that did not use the admin key.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !identity(c).IsAdmin() {
			return apiError(c, http.StatusForbidden, "Forbidden", "Admin key required")
		}
		return next(c)
	}
}

// requireFeature rejects callers whose plan does not unlock f. Admins
// pass.
func (s *Server) requireFeature(f tier.Feature) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := identity(c)
			if id.IsAdmin() {
				return next(c)
			}
			sub, err := s.deps.Subscriptions.GetForUser(c.Request().Context(), id.UserID)
			if err != nil {
				return s.internalError(c, "Failed to load subscription", err)
			}
			if !tier.Can(sub.Tier, f) {
				return upgradeRequired(c, f)
			}
			return next(c)
		}
	}
}

func upgradeRequired(c echo.Context, f tier.Feature) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error":        "UpgradeRequired",
		"message":      tier.LockedMessage(f),
		"requiredTier": string(tier.Required(f)),
	})
}

// owns reports whether the caller may act on a resource of userID.
func owns(c echo.Context, userID string) bool {
	id := identity(c)
	return id != nil && (id.IsAdmin() || id.UserID == userID)
}

// extractBearer extracts the Bearer token from the Authorization header.
// Browsers cannot set headers on WebSocket handshakes, so those may pass
// the token as ?access_token= instead.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	if websocket.IsWebSocketUpgrade(c.Request()) {
		return c.QueryParam("access_token")
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Infof("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
