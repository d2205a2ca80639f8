package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/conversation"
	"github.com/whisper/buddy-chat/internal/presence"
)

type setPresenceRequest struct {
	Status  presence.Status `json:"status" binding:"required"`
	Message string          `json:"message"`
}

type userRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type postRequest struct {
	PostID string `json:"post_id" binding:"required"`
}

type sendMessageRequest struct {
	conversation.RoomRef
	Body string `json:"body"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (h *Handler) heartbeat(c *gin.Context) {
	res, err := h.svc.Heartbeat(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) setPresence(c *gin.Context) {
	var req setPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.svc.SetPresence(c.Request.Context(), req.Status, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) clearPresence(c *gin.Context) {
	if err := h.svc.ClearPresence(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getPresence(c *gin.Context) {
	p, err := h.svc.GetPresence(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// buddyListPresence serves GET /v1/presence?user_ids=a,b. Without ids it
// returns the caller's buddies.
func (h *Handler) buddyListPresence(c *gin.Context) {
	var ids []string
	if raw := c.Query("user_ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}
	out, err := h.svc.GetBuddyListPresence(c.Request.Context(), ids)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": out})
}

func (h *Handler) roster(c *gin.Context) {
	out, err := h.svc.GetUserRoster(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buddies": out})
}

func (h *Handler) pendingRequests(c *gin.Context) {
	out, err := h.svc.GetPendingRosterRequests(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (h *Handler) outgoingRequests(c *gin.Context) {
	out, err := h.svc.GetOutgoingRosterRequests(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (h *Handler) blockedUsers(c *gin.Context) {
	out, err := h.svc.GetBlockedUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": out})
}

func (h *Handler) addBuddy(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rel, err := h.svc.AddBuddy(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relationship_id": rel.ID, "status": rel.Status})
}

func (h *Handler) acceptBuddy(c *gin.Context) {
	rel, err := h.svc.AcceptBuddy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship_id": rel.ID, "status": rel.Status})
}

func (h *Handler) declineBuddy(c *gin.Context) {
	if err := h.svc.DeclineBuddy(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) blockBuddy(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rel, err := h.svc.BlockBuddy(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship_id": rel.ID, "status": rel.Status})
}

func (h *Handler) unblockBuddy(c *gin.Context) {
	if err := h.svc.UnblockBuddy(c.Request.Context(), c.Param("user_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) removeBuddy(c *gin.Context) {
	if err := h.svc.RemoveBuddy(c.Request.Context(), c.Param("user_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) conversations(c *gin.Context) {
	out, err := h.svc.Conversations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (h *Handler) ensureDirectRoom(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := h.svc.EnsureDirectRoom(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) ensurePostRoom(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := h.svc.EnsurePostRoom(c.Request.Context(), req.PostID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) leavePostRoom(c *gin.Context) {
	err := h.svc.LeavePostRoom(c.Request.Context(), conversation.RoomRef{PostID: c.Param("post_id")})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) history(c *gin.Context) {
	var before int64
	var limit int
	var err error
	if v := c.Query("before"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil || before < 0 {
			writeError(c, apperr.InvalidArgument("before must be a message sequence number"))
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(c, apperr.InvalidArgument("limit must be a number"))
			return
		}
	}
	msgs, err := h.svc.History(c.Request.Context(), c.Param("id"), before, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) markRead(c *gin.Context) {
	rc, err := h.svc.MarkMessagesRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rc)
}

func (h *Handler) updateTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ind, err := h.svc.UpdateTyping(c.Request.Context(), c.Param("id"), req.IsTyping)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ind)
}

func (h *Handler) getTyping(c *gin.Context) {
	out, err := h.svc.GetTyping(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": out})
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.svc.SendMessage(c.Request.Context(), req.RoomRef, req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
