package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/vidscope/internal/analysis"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/processing"
	"github.com/primal-host/vidscope/internal/report"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/primal-host/vidscope/internal/upload"
)

type analyzeRequest struct {
	VideoURL   string `json:"videoUrl"`
	AnalysisID string `json:"analysisId"`
}

// handleAnalyze queues an existing analysis for (re)processing. A
// relative videoUrl, such as the blobUrl returned by an upload, is
// replaced with a link the detector can fetch.
// POST /api/analyze
func (s *Server) handleAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
	}
	if req.VideoURL == "" || req.AnalysisID == "" {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "Missing required parameters")
	}

	ctx := c.Request().Context()
	ref, ok, err := s.lookupAnalysis(c, req.AnalysisID)
	if !ok {
		return err
	}

	sub, err := s.deps.Subscriptions.GetForUser(ctx, ref.UserID)
	if err != nil {
		return s.internalError(c, "Failed to load subscription", err)
	}
	var duration float64
	if ref.DurationSeconds != nil {
		duration = *ref.DurationSeconds
	}
	videoURL := req.VideoURL
	if strings.HasPrefix(videoURL, "/") && s.deps.Links != nil && ref.VideoPath != "" {
		if videoURL, err = s.deps.Links.FetchURL(ref.VideoPath, ref.VideoID); err != nil {
			return s.internalError(c, "Failed to link video", err)
		}
	}

	job, err := s.deps.Queue.Enqueue(ctx, processing.Params{
		AnalysisID:      ref.ID,
		VideoID:         ref.VideoID,
		UserID:          ref.UserID,
		Title:           ref.Title,
		VideoURL:        videoURL,
		DurationSeconds: duration,
		Priority:        tier.Can(sub.Tier, tier.FeaturePriority),
	})
	if errors.Is(err, processing.ErrStopped) {
		return apiError(c, http.StatusServiceUnavailable, "Unavailable", "Processing is not running, try again shortly")
	}
	if errors.Is(err, processing.ErrStarting) {
		return apiError(c, http.StatusConflict, "JobStarting", "The analysis is already being queued")
	}
	if err != nil {
		return s.internalError(c, "Failed to queue analysis", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Video queued for analysis",
		"jobId":   job.ID,
	})
}

// handleAnalysisStatus reports the progress of an analysis. Jobs in the
// queue report live progress; otherwise the stored status is used.
// GET /api/analyze?id=
func (s *Server) handleAnalysisStatus(c echo.Context) error {
	id := c.QueryParam("id")
	if id == "" {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "Missing analysis ID")
	}

	if job, ok := s.deps.Queue.Get(id); ok && owns(c, job.UserID) {
		return c.JSON(http.StatusOK, map[string]any{
			"success":                true,
			"status":                 job.State,
			"progress":               job.Progress,
			"estimatedTimeRemaining": job.ETA,
		})
	}

	ref, ok, err := s.lookupAnalysis(c, id)
	if !ok {
		return err
	}
	progress, eta := storedProgress(ref.Status)
	return c.JSON(http.StatusOK, map[string]any{
		"success":                true,
		"status":                 ref.Status,
		"progress":               progress,
		"estimatedTimeRemaining": eta,
	})
}

// storedProgress maps a stored analysis status to a progress value and
// ETA label for analyses that are not in the queue.
func storedProgress(status string) (float64, string) {
	switch status {
	case analysis.StatusCompleted:
		return 100, processing.ETA(100)
	case analysis.StatusQueued, analysis.StatusProcessing:
		return 0, processing.ETA(0)
	default:
		return 0, ""
	}
}

// lookupAnalysis resolves an analysis the caller may act on. Analyses of
// other users are reported as missing. When ok is false a response has
// been written and err is the handler result.
func (s *Server) lookupAnalysis(c echo.Context, id string) (ref *analysis.Ref, ok bool, err error) {
	ref, err = s.deps.Analyses.Lookup(c.Request().Context(), id)
	if errors.Is(err, analysis.ErrNotFound) || (err == nil && !owns(c, ref.UserID)) {
		return nil, false, apiError(c, http.StatusNotFound, "AnalysisNotFound", "Analysis not found: "+id)
	}
	if err != nil {
		return nil, false, s.internalError(c, "Failed to load analysis", err)
	}
	return ref, true, nil
}

// loadDetail fetches the full analysis :id for its owner.
func (s *Server) loadDetail(c echo.Context) (*analysis.Detail, bool, error) {
	id := c.Param("id")
	d, err := s.deps.Analyses.Get(c.Request().Context(), id)
	if errors.Is(err, analysis.ErrNotFound) || (err == nil && !owns(c, d.UserID)) {
		return nil, false, apiError(c, http.StatusNotFound, "AnalysisNotFound", "Analysis not found: "+id)
	}
	if err != nil {
		return nil, false, s.internalError(c, "Failed to load analysis", err)
	}
	d.VideoURL = upload.FileURL(s.deps.Storage, d.VideoPath, d.VideoID)
	return d, true, nil
}

// handleRecentAnalyses lists the caller's latest videos with their first
// analysis.
// GET /api/analyses/recent?limit=
func (s *Server) handleRecentAnalyses(c echo.Context) error {
	list, err := s.deps.Analyses.Recent(c.Request().Context(), identity(c).UserID, queryInt(c, "limit", analysis.RecentLimit))
	if err != nil {
		return s.internalError(c, "Failed to list analyses", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"analyses": list})
}

func (s *Server) handleGetAnalysis(c echo.Context) error {
	d, ok, err := s.loadDetail(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// handleDownloadReport returns the plain text report as an attachment.
// GET /api/analyses/:id/report
func (s *Server) handleDownloadReport(c echo.Context) error {
	d, ok, err := s.loadDetail(c)
	if !ok {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+report.Filename(d.ID)+`"`)
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", report.Render(d, s.now()))
}

type shareRequest struct {
	Title          string  `json:"title"`
	ExpiresInHours float64 `json:"expiresInHours"`
}

// handleShareReport creates a public link to an analysis.
// POST /api/analyses/:id/share
func (s *Server) handleShareReport(c echo.Context) error {
	var req shareRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
	}
	if req.ExpiresInHours < 0 {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "expiresInHours must not be negative")
	}

	ref, ok, err := s.lookupAnalysis(c, c.Param("id"))
	if !ok {
		return err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = ref.Title
	}
	ttl := time.Duration(req.ExpiresInHours * float64(time.Hour))

	sh, err := s.deps.Reports.Share(c.Request().Context(), ref.ID, title, ttl)
	if err != nil {
		return s.internalError(c, "Failed to share report", err)
	}
	s.record(c, events.Event{
		Type:      events.TypeReportShared,
		UserID:    ref.UserID,
		SubjectID: ref.ID,
		Message:   title,
	})
	return c.JSON(http.StatusCreated, map[string]any{
		"share": sh,
		"url":   "/api/shared/" + sh.Token,
	})
}
