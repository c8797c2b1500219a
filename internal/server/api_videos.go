package server

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/primal-host/vidscope/internal/auth"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/processing"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/primal-host/vidscope/internal/upload"
	"github.com/primal-host/vidscope/internal/video"
)

// handleUploadVideo accepts a multipart "file" field and queues it for
// analysis. Optional fields: "duration" (seconds) and "proceed" to
// accept an upgrade suggestion.
// POST /api/videos
func (s *Server) handleUploadVideo(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "No file provided")
	}
	f, err := fh.Open()
	if err != nil {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", "Unreadable file")
	}
	defer f.Close()

	duration, _ := strconv.ParseFloat(c.FormValue("duration"), 64)
	proceed, _ := strconv.ParseBool(c.FormValue("proceed"))

	res, err := s.deps.Uploads.Upload(c.Request().Context(), upload.Request{
		UserID:          identity(c).UserID,
		Filename:        fh.Filename,
		ContentType:     fh.Header.Get("Content-Type"),
		Size:            fh.Size,
		DurationSeconds: duration,
		Proceed:         proceed,
		Body:            f,
	})

	var limitErr *tier.LimitError
	switch {
	case errors.Is(err, upload.ErrNotVideo):
		return apiError(c, http.StatusBadRequest, "InvalidFileType", "Please upload a video file")
	case errors.As(err, &limitErr):
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{
			"error":   "LimitExceeded",
			"message": limitErr.Error(),
			"limit":   limitErr.Limit,
			"kind":    limitErr.Kind,
		})
	case errors.Is(err, tier.ErrUpgradeSuggested):
		return c.JSON(http.StatusConflict, map[string]any{
			"error":       "UpgradeSuggested",
			"message":     "This file is larger than your plan allows. Upgrade for larger uploads, or continue anyway.",
			"fileSizeMB":  tier.SizeMB(fh.Size),
			"softLimitMB": tier.SoftLimitMB,
		})
	case errors.Is(err, processing.ErrStopped):
		return apiError(c, http.StatusServiceUnavailable, "Unavailable", "Processing is not running, try again shortly")
	case err != nil:
		return s.internalError(c, "Failed to upload video", err)
	}
	return c.JSON(http.StatusOK, res)
}

// handleListVideos lists the caller's videos.
// GET /api/videos?status=&minDuration=&maxDuration=&dateRange=&classes=&search=&limit=&offset=
func (s *Server) handleListVideos(c echo.Context) error {
	minMinutes, _ := strconv.ParseFloat(c.QueryParam("minDuration"), 64)
	maxMinutes, _ := strconv.ParseFloat(c.QueryParam("maxDuration"), 64)
	f := video.Filter{
		Statuses:   queryList(c, "status"),
		MinMinutes: minMinutes,
		MaxMinutes: maxMinutes,
		DateRange:  c.QueryParam("dateRange"),
		Classes:    queryList(c, "classes"),
		Search:     c.QueryParam("search"),
		Limit:      queryInt(c, "limit", 0),
		Offset:     queryInt(c, "offset", 0),
	}

	videos, err := s.deps.Videos.List(c.Request().Context(), identity(c).UserID, f)
	if errors.Is(err, video.ErrInvalidFilter) {
		return apiError(c, http.StatusBadRequest, "InvalidRequest", err.Error())
	}
	if err != nil {
		return s.internalError(c, "Failed to list videos", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"videos": videos})
}

// loadVideo fetches :id and checks the caller may see it. Videos of other
// users are reported as missing. A nil video means a response was written.
func (s *Server) loadVideo(c echo.Context) (*video.Video, error) {
	id := c.Param("id")
	v, err := s.deps.Videos.Get(c.Request().Context(), id)
	if errors.Is(err, video.ErrNotFound) || (err == nil && !owns(c, v.UserID)) {
		return nil, apiError(c, http.StatusNotFound, "VideoNotFound", "Video not found: "+id)
	}
	if err != nil {
		return nil, s.internalError(c, "Failed to load video", err)
	}
	return v, nil
}

func (s *Server) handleGetVideo(c echo.Context) error {
	v, err := s.loadVideo(c)
	if v == nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// handleDeleteVideo removes a video, its analyses and its file. A queued
// analysis of the video is cancelled first.
// DELETE /api/videos/:id
func (s *Server) handleDeleteVideo(c echo.Context) error {
	v, err := s.loadVideo(c)
	if v == nil {
		return err
	}
	ctx := c.Request().Context()

	if v.AnalysisID != "" {
		err := s.deps.Queue.Cancel(ctx, v.AnalysisID)
		if errors.Is(err, processing.ErrFinalizing) || errors.Is(err, processing.ErrStarting) {
			return apiError(c, http.StatusConflict, "JobFinalizing", "The analysis of this video is being finalized, try again shortly")
		}
		if err != nil && !errors.Is(err, processing.ErrNotFound) {
			s.log.Warnf("Cancelling analysis %s of deleted video %s: %v", v.AnalysisID, v.ID, err)
		}
	}

	filePath, err := s.deps.Videos.Delete(ctx, v.ID, "")
	if errors.Is(err, video.ErrNotFound) {
		return apiError(c, http.StatusNotFound, "VideoNotFound", "Video not found: "+v.ID)
	}
	if err != nil {
		return s.internalError(c, "Failed to delete video", err)
	}
	if err := s.deps.Storage.DeleteFile(ctx, filePath); err != nil {
		s.log.Warnf("Removing file %s of deleted video %s: %v", filePath, v.ID, err)
	}

	s.record(c, events.Event{
		Type:      events.TypeVideoDeleted,
		UserID:    v.UserID,
		SubjectID: v.ID,
		Message:   v.Title,
	})
	return c.JSON(http.StatusOK, map[string]string{"message": "Video deleted: " + v.ID})
}

// handleVideoFile streams the uploaded file.
// GET /api/videos/:id/file
func (s *Server) handleVideoFile(c echo.Context) error {
	v, err := s.loadVideo(c)
	if v == nil {
		return err
	}
	return s.serveFile(c, v.FilePath, v.MimeType)
}

// handleMedia streams the file named by a signed media token. The
// detector fetches uploads through here when storage has no public URLs.
// GET /api/media/:token
func (s *Server) handleMedia(c echo.Context) error {
	secret := s.cfg.MediaSecret()
	if secret == "" {
		return apiError(c, http.StatusNotFound, "FileNotFound", "Video file not found")
	}
	name, err := auth.VerifyMediaToken(secret, c.Param("token"))
	if err != nil {
		s.log.Warnf("Rejected media token: %v", err)
		return apiError(c, http.StatusNotFound, "FileNotFound", "Video file not found")
	}
	return s.serveFile(c, name, "")
}

// serveFile writes the stored object name. Range requests are honoured
// when the storage backend returns a seekable reader.
func (s *Server) serveFile(c echo.Context, name, mimeType string) error {
	f, err := s.deps.Storage.ReadFile(c.Request().Context(), name)
	if err != nil {
		s.log.Warnf("Reading file %s: %v", name, err)
		return apiError(c, http.StatusNotFound, "FileNotFound", "Video file not found")
	}
	defer f.Reader.Close()

	if mimeType != "" {
		c.Response().Header().Set(echo.HeaderContentType, mimeType)
	}
	if rs, ok := f.Reader.(io.ReadSeeker); ok {
		http.ServeContent(c.Response(), c.Request(), path.Base(name), f.ModifiedAt, rs)
		return nil
	}
	if mimeType == "" {
		mimeType = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, mimeType, f.Reader)
}
