package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pithecene-io/stepwise/session"
	"github.com/pithecene-io/stepwise/types"
)

// Wire messages kept compatible with existing agent clients.
const (
	msgStopped    = "Bot stopped"
	msgPaused     = "Success"
	msgNotSpawned = "Bot not spawned"
)

func (s *Server) handleStart(c *gin.Context) {
	var req types.StartRequest
	if !s.bind(c, &req) {
		return
	}
	obs, err := s.cfg.Manager.Start(c.Request.Context(), req)
	if err != nil {
		s.fail(c, "start", err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

func (s *Server) handleStep(c *gin.Context) {
	var req types.StepRequest
	if !s.bind(c, &req) {
		return
	}
	// The step outlives a disconnected caller.
	obs, err := s.cfg.Manager.Step(c.Request.Context(), req)
	if err != nil {
		s.fail(c, "step", err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

func (s *Server) handleStop(c *gin.Context) {
	s.cfg.Manager.Stop()
	c.JSON(http.StatusOK, types.MessageResponse{Message: msgStopped})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.cfg.Manager.Pause(c.Request.Context()); err != nil {
		s.fail(c, "pause", err)
		return
	}
	c.JSON(http.StatusOK, types.MessageResponse{Message: msgPaused})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Session: s.cfg.Manager.Status(),
		Metrics: s.cfg.Collector.Snapshot(),
		Version: types.Version,
	})
}

// bind decodes the JSON body. An empty body decodes as the zero request.
func (s *Server) bind(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	c.JSON(http.StatusBadRequest, types.ErrorResponse{
		Error: "invalid request body: " + err.Error(),
		Kind:  types.ErrorKindInvalid,
	})
	return false
}

// fail maps a manager error to a status code and error body.
func (s *Server) fail(c *gin.Context, op string, err error) {
	status, body := classify(err)
	level := s.cfg.Logger.Warn
	if status >= http.StatusInternalServerError {
		level = s.cfg.Logger.Error
	}
	level("request failed", map[string]any{
		"op":     op,
		"status": status,
		"error":  err.Error(),
	})
	c.JSON(status, body)
}

func classify(err error) (int, types.ErrorResponse) {
	var cerr *types.ConnectionError
	switch {
	case errors.Is(err, session.ErrNotSpawned):
		return http.StatusBadRequest, types.ErrorResponse{Error: msgNotSpawned, Kind: types.ErrorKindNotSpawned}
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest, types.ErrorResponse{Error: err.Error(), Kind: types.ErrorKindInvalid}
	case errors.As(err, &cerr):
		return http.StatusBadRequest, types.ErrorResponse{Error: cerr.Error(), Kind: types.ErrorKindConnection}
	case errors.Is(err, session.ErrStepInProgress):
		return http.StatusConflict, types.ErrorResponse{Error: err.Error(), Kind: types.ErrorKindBusy}
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable, types.ErrorResponse{Error: err.Error(), Kind: types.ErrorKindClosed}
	default:
		return http.StatusInternalServerError, types.ErrorResponse{Error: err.Error(), Kind: types.ErrorKindInternal}
	}
}
