package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/whisper/buddy-chat/internal/apperr"
)

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuthenticationRequired:
		return http.StatusUnauthorized
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized, apperr.KindBlocked:
		return http.StatusForbidden
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		log.Printf("[api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	body := gin.H{"code": kind, "error": apperr.PublicMessage(err)}
	if kind == apperr.KindRateLimited {
		retry := apperr.RetryAfterOf(err)
		secs := int(retry.Seconds())
		if retry > 0 && secs == 0 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		body["retry_after_ms"] = retry.Milliseconds()
	}
	c.JSON(StatusOf(kind), body)
}

func badRequest(c *gin.Context, err error) {
	writeError(c, apperr.InvalidArgument("invalid request body: %v", err))
}
