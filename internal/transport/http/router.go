package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/transport/http/handler"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, webhookHandler *handler.WebhookHandler, jwtKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics("/healthz"))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Oracles authenticate with a body signature, not a JWT.
	r.POST("/webhook", webhookHandler.Receive)

	authMW := middleware.Auth(jwtKey)
	operatorOnly := middleware.RequireOperator()

	jobs := r.Group("/jobs", authMW)
	jobs.POST("", jobHandler.Create)
	jobs.GET("", jobHandler.List)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.POST("/:id/cancel", jobHandler.Cancel)
	jobs.POST("/:id/payment", jobHandler.ConfirmPayment)
	jobs.POST("/:id/moderation-decision", operatorOnly, jobHandler.RecordModerationDecision)

	webhooks := r.Group("/webhooks", authMW, operatorOnly)
	webhooks.GET("/outgoing", jobHandler.ListWebhooks)

	return r
}
