package web

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// Health endpoints (no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// General API routes with rate limiting and content-type validation
	rps := h.cfg.RateLimiting.RPS
	burst := h.cfg.RateLimiting.Burst
	if rps <= 0 {
		rps = 30
	}
	if burst <= 0 {
		burst = 60
	}
	apiRateLimiter := RateLimiter(rps, burst)
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(RequireJSONContentType())
	{
		api.GET("/accounts", h.APIListAccounts)
		api.GET("/accounts/:id", h.APIGetAccount)
		api.PUT("/accounts/:id", h.APIUpdateAccount)
		api.DELETE("/accounts/:id", h.APIDeleteAccount)

		api.GET("/mappings", h.APIListMappings)
		api.POST("/mappings", h.APICreateMapping)
		api.PUT("/mappings/:id", h.APIUpdateMapping)
		api.DELETE("/mappings/:id", h.APIDeleteMapping)

		api.GET("/events", h.APIListEvents)
		api.GET("/events/:id", h.APIGetEvent)
		api.POST("/events/:id/response", h.APISetResponse)
		api.POST("/events/:id/disable-tracking", h.APIDisableTracking)
		api.POST("/events/:id/resolve", h.APIResolveConflict)

		api.GET("/jobs/:id", h.APIGetJob)

		api.GET("/auto-sync", h.APIGetAutoSync)
		api.POST("/auto-sync", h.APISetAutoSync)
	}

	// Expensive operations with stricter rate limiting (network calls, credential testing)
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensive := r.Group("/api")
	expensive.Use(expensiveRateLimiter)
	expensive.Use(RequireJSONContentType())
	{
		expensive.POST("/accounts", h.APICreateAccount)
		expensive.POST("/accounts/:id/test", h.APITestAccount)
		expensive.GET("/accounts/:id/calendars", h.APIAccountCalendars)
		expensive.GET("/accounts/:id/folders", h.APIAccountFolders)

		expensive.GET("/events/:id/overlaps", h.APIEventOverlaps)
		expensive.POST("/events/:id/delete-mail", h.APIDeleteMail)
		expensive.POST("/scan", h.APIScan)
		expensive.POST("/sync", h.APIManualSync)
		expensive.POST("/sync-all", h.APISyncAll)
	}
}
