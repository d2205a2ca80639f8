// Package api exposes the core operations as a JSON HTTP API under /v1.
// Every /v1 route requires a bearer JWT; failures are rendered with the
// status code of their apperr kind.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/whisper/buddy-chat/internal/auth"
	"github.com/whisper/buddy-chat/internal/metrics"
	"github.com/whisper/buddy-chat/internal/service"
)

// Handler serves the HTTP routes.
type Handler struct {
	svc *service.Service
}

// NewRouter builds the gin engine with health, metrics and /v1 routes.
func NewRouter(svc *service.Service, verifier *auth.Verifier) *gin.Engine {
	h := &Handler{svc: svc}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1")
	v1.Use(requireAuth(verifier))
	{
		p := v1.Group("/presence")
		{
			p.POST("/heartbeat", h.heartbeat)
			p.PUT("", h.setPresence)
			p.DELETE("", h.clearPresence)
			p.GET("", h.buddyListPresence)
			p.GET("/:user_id", h.getPresence)
		}

		rs := v1.Group("/roster")
		{
			rs.GET("", h.roster)
			rs.GET("/pending", h.pendingRequests)
			rs.GET("/outgoing", h.outgoingRequests)
			rs.GET("/blocked", h.blockedUsers)
			rs.POST("/requests", h.addBuddy)
			rs.POST("/requests/:id/accept", h.acceptBuddy)
			rs.POST("/requests/:id/decline", h.declineBuddy)
			rs.POST("/blocks", h.blockBuddy)
			rs.DELETE("/blocks/:user_id", h.unblockBuddy)
			rs.DELETE("/buddies/:user_id", h.removeBuddy)
		}

		cv := v1.Group("/conversations")
		{
			cv.GET("", h.conversations)
			cv.POST("/direct", h.ensureDirectRoom)
			cv.POST("/post", h.ensurePostRoom)
			cv.DELETE("/post/:post_id", h.leavePostRoom)
			cv.GET("/:id/messages", h.history)
			cv.POST("/:id/read", h.markRead)
			cv.PUT("/:id/typing", h.updateTyping)
			cv.GET("/:id/typing", h.getTyping)
		}

		v1.POST("/messages", h.sendMessage)
	}
	return r
}
