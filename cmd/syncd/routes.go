package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/httpapi"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/rbac"
	"github.com/inimical023/RC-Zoho-API-Advanced/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Token issuance (public; identities validated upstream).
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		sync := v1.Group("/sync")
		sync.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleAdmin))
		{
			sync.POST("/fetch", h.TriggerFetch)
			sync.POST("/process", h.TriggerProcess)
			sync.GET("/stats", h.GetStats)
		}

		// ADMIN routes: directory resync and dead-letter review.
		admin := v1.Group("/sync")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/resync", h.TriggerResync)
			admin.GET("/dead-letters", h.ListDeadLetters)
			admin.GET("/calls/:provider_call_id/history", h.GetCallHistory)
		}
	}
}
