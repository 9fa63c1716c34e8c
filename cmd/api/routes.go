package main

import (
	"voicebridge/internal/httpapi"
	"voicebridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type registerDeps struct {
	webhook  *telephony.WebhookHandler
	handlers httpapi.Handlers
	authMW   gin.HandlerFunc
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps registerDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: This endpoint should be protected by Twilio signature validation in production.
	r.POST("/webhooks/voice", deps.webhook.HandleInboundCall)

	// Token issuance (public).
	r.POST("/v1/auth/login", deps.handlers.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.authMW)
	{
		calls := v1.Group("/calls")
		{
			calls.GET("", deps.handlers.ListCalls)

			// Hold/resume/end accept an explicit call id, or resolve the
			// sole matching call when the id segment is omitted.
			calls.POST("/hold", deps.handlers.HoldCall)
			calls.POST("/:call_id/hold", deps.handlers.HoldCall)
			calls.POST("/resume", deps.handlers.ResumeCall)
			calls.POST("/:call_id/resume", deps.handlers.ResumeCall)
			calls.DELETE("", deps.handlers.EndCall)
			calls.DELETE("/:call_id", deps.handlers.EndCall)
		}

		v1.GET("/status", deps.handlers.Status)
		v1.PUT("/settings/default-number", deps.handlers.SetDefaultNumber)
	}
}
