package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/auth"
)

// requireAuth verifies the bearer token and stores the caller in the
// request context, where the service reads it.
func requireAuth(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := verifier.Verify(auth.TokenFromRequest(c.Request))
		if err != nil {
			writeError(c, apperr.AuthenticationRequired())
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(auth.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			log.Printf("[api] %s %s %d %s", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
		}
	}
}
