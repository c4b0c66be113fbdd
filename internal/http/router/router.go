package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/triage/internal/http/handler"
)

type RouterConfig struct {
	ServiceName string
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
}

func SetupRoutes(router *gin.Engine, runner handler.Runner, cfg RouterConfig) {
	router.GET("/health", handler.Health(cfg.ServiceName))

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	RunRouter(router, handler.NewRunHandler(runner))
}

func RunRouter(router gin.IRoutes, h *handler.RunHandler) {
	router.POST("/run", h.Run)
}
