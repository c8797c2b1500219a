package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/primal-host/vidscope/internal/processing"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// queueScope is the user whose jobs the caller sees; admins see all.
func queueScope(c echo.Context) string {
	id := identity(c)
	if id.IsAdmin() {
		return ""
	}
	return id.UserID
}

// handleListQueue returns the caller's jobs, priority jobs first.
// GET /api/queue
func (s *Server) handleListQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"jobs": s.deps.Queue.Snapshot(queueScope(c)),
	})
}

// queueJob resolves :id to a job the caller owns.
func (s *Server) queueJob(c echo.Context) (string, bool, error) {
	id := c.Param("id")
	j, ok := s.deps.Queue.Get(id)
	if !ok || !owns(c, j.UserID) {
		return "", false, apiError(c, http.StatusNotFound, "JobNotFound", "No queued job for analysis: "+id)
	}
	return id, true, nil
}

// queueError maps queue errors to responses.
func (s *Server) queueError(c echo.Context, id string, err error) error {
	switch {
	case errors.Is(err, processing.ErrNotFound):
		return apiError(c, http.StatusNotFound, "JobNotFound", "No queued job for analysis: "+id)
	case errors.Is(err, processing.ErrFinalizing):
		return apiError(c, http.StatusConflict, "JobFinalizing", "The job is being finalized and can no longer be changed")
	case errors.Is(err, processing.ErrStarting):
		return apiError(c, http.StatusConflict, "JobStarting", "The job is still being queued, try again shortly")
	default:
		return s.internalError(c, "Failed to update job", err)
	}
}

func (s *Server) handlePauseJob(c echo.Context) error {
	id, ok, err := s.queueJob(c)
	if !ok {
		return err
	}
	j, err := s.deps.Queue.Pause(c.Request().Context(), id)
	if err != nil {
		return s.queueError(c, id, err)
	}
	return c.JSON(http.StatusOK, j)
}

func (s *Server) handleResumeJob(c echo.Context) error {
	id, ok, err := s.queueJob(c)
	if !ok {
		return err
	}
	j, err := s.deps.Queue.Resume(c.Request().Context(), id)
	if err != nil {
		return s.queueError(c, id, err)
	}
	return c.JSON(http.StatusOK, j)
}

// handleCancelJob removes a job and marks its analysis cancelled.
// POST /api/queue/:id/cancel
func (s *Server) handleCancelJob(c echo.Context) error {
	id, ok, err := s.queueJob(c)
	if !ok {
		return err
	}
	if err := s.deps.Queue.Cancel(c.Request().Context(), id); err != nil {
		return s.queueError(c, id, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Analysis cancelled: " + id})
}

// handleQueueStream upgrades to a WebSocket and pushes the caller's queue
// events as JSON until either side goes away. The current queue is sent
// first as a "snapshot" message.
// GET /api/queue/stream
func (s *Server) handleQueueStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warnf("Queue stream upgrade failed: %v", err)
		return nil
	}
	defer conn.Close()

	scope := queueScope(c)
	ch, cancel := s.deps.Events.Subscribe(scope)
	defer cancel()
	s.deps.Metrics.StreamOpened()
	defer s.deps.Metrics.StreamClosed()

	// The reader only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(v)
	}
	if err := write(map[string]any{"type": "snapshot", "jobs": s.deps.Queue.Snapshot(scope)}); err != nil {
		return nil
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return nil
			}
			if err := write(ev); err != nil {
				return nil
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			return nil
		}
	}
}
