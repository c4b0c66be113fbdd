package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/internal/domain"
)

// Runner is the decision service behind POST /run.
type Runner interface {
	Run(ctx context.Context, event domain.Event) (domain.RunResult, error)
}

type RunHandler struct {
	runner Runner
}

func NewRunHandler(runner Runner) *RunHandler {
	return &RunHandler{runner: runner}
}

func (h *RunHandler) Run(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := c.GetRawData()
	if err != nil {
		slog.WarnContext(ctx, "failed to read run request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := domain.DecodeEvent(raw)
	if err != nil {
		slog.WarnContext(ctx, "invalid run request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   event.EventID,
		ProjectID: event.ProjectID,
		Component: "triage.http.run",
	})

	result, err := h.runner.Run(ctx, event)
	if err != nil {
		if errors.Is(err, domain.ErrMissingEventID) || errors.Is(err, domain.ErrMissingProjectID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(ctx, "failed to run event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to run event"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Health reports liveness for the named service.
func Health(service string) gin.HandlerFunc {
	body, _ := json.Marshal(gin.H{"status": "ok", "service": service})
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}
