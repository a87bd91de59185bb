package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"convo-engine/internal/rbac"
)

// Register wires every route. Business logic stays in the handlers'
// services.
func Register(r *gin.Engine, h Handlers, authMW gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, signature-checked when secrets are set).
	r.GET("/webhooks/whatsapp", h.VerifyWhatsApp)
	r.POST("/webhooks/:channel", h.Inbound)

	webchat := r.Group("/webchat/:origin")
	{
		webchat.POST("/messages", h.WebchatMessage)
		webchat.GET("/messages", h.WebchatHistory)
		webchat.GET("/live", h.WebchatLive)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireTenant(), rbac.RequireAnyRole(rbac.Operators...))
	{
		convs := v1.Group("/conversations")
		convs.GET("", h.ListConversations)
		convs.GET("/:id/interactions", h.ListInteractions)
		convs.POST("/:id/messages", h.AgentReply)
		convs.POST("/:id/notes", h.AddNote)
		convs.POST("/:id/assign", h.Assign)
		convs.DELETE("/:id/assign", h.Unassign)
		convs.POST("/:id/pause", h.Pause)
		convs.POST("/:id/resume", h.Resume)
		convs.POST("/:id/close", h.Close)
		convs.POST("/:id/archive", h.Archive)

		v1.GET("/tasks", h.ListTasks)
		v1.GET("/live", h.Live)
		v1.GET("/reports/summary", rbac.RequireAnyRole(rbac.Managers...), h.Summary)
	}
}
