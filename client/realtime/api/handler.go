package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crm_realtime/client/common/middleware"
	"crm_realtime/client/common/transport/httpresp"
	"crm_realtime/client/realtime/domain"
	"crm_realtime/client/realtime/service"
)

type Handler struct {
	session    *service.Session
	localToken string
}

func NewHandler(session *service.Session, localToken string) *Handler {
	return &Handler{session: session, localToken: localToken}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": h.session.Connected()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1/realtime")
	api.Use(middleware.LocalTokenRequired(h.localToken))
	{
		api.GET("/state", h.state)
		api.GET("/messages", h.listMessages)
		api.GET("/notifications", h.listNotifications)
		api.GET("/typing", h.listTyping)
		api.GET("/notices", h.listNotices)

		api.POST("/messages", h.sendMessage)
		api.POST("/typing", h.sendTyping)
		api.POST("/subscriptions", h.subscribe)
		api.POST("/history", h.fetchHistory)
		api.POST("/notifications/refresh", h.refreshNotifications)
		api.POST("/notifications/:id/read", h.markNotificationRead)
		api.POST("/unread/clear", h.clearUnread)
	}
}

type stateResponse struct {
	Connected           bool                  `json:"connected"`
	User                domain.CurrentUser    `json:"user"`
	Unread              domain.UnreadCounters `json:"unread"`
	UnreadNotifications int                   `json:"unread_notifications"`
	OutboxDepth         int                   `json:"outbox_depth"`
	Subscriptions       []string              `json:"subscriptions"`
}

func (h *Handler) state(c *gin.Context) {
	subs := h.session.Subscriptions()
	if subs == nil {
		subs = []string{}
	}
	c.JSON(http.StatusOK, stateResponse{
		Connected:           h.session.Connected(),
		User:                h.session.CurrentUser(),
		Unread:              h.session.Unread(),
		UnreadNotifications: h.session.UnreadNotificationCount(),
		OutboxDepth:         h.session.OutboxLen(c.Request.Context()),
		Subscriptions:       subs,
	})
}

func (h *Handler) listMessages(c *gin.Context) {
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(h.session.Messages()))
}

func (h *Handler) listNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(h.session.Notifications()))
}

func (h *Handler) listTyping(c *gin.Context) {
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(h.session.Typing()))
}

func (h *Handler) listNotices(c *gin.Context) {
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(h.session.Notices()))
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req struct {
		RecipientID   string `json:"recipient_id"`
		Content       string `json:"content"`
		RecipientType string `json:"recipient_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	queued, err := h.session.SendMessage(c.Request.Context(), req.RecipientID, req.Content, domain.ParseRecipientType(req.RecipientType))
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "queued": queued})
}

func (h *Handler) sendTyping(c *gin.Context) {
	var req struct {
		RecipientID   string `json:"recipient_id"`
		RecipientType string `json:"recipient_type"`
		IsTyping      bool   `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if err := h.session.SendTypingIndicator(c.Request.Context(), req.RecipientID, domain.ParseRecipientType(req.RecipientType), req.IsTyping); err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, httpresp.NewOKResponse())
}

func (h *Handler) subscribe(c *gin.Context) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrTargetRequired))
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": h.session.SubscribeToChat(req.TargetID)})
}

func (h *Handler) fetchHistory(c *gin.Context) {
	var req struct {
		ConversationID   string `json:"conversation_id"`
		ConversationType string `json:"conversation_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrConversationMissing))
		return
	}
	items, err := h.session.FetchChatHistory(c.Request.Context(), req.ConversationID, domain.ParseRecipientType(req.ConversationType))
	if err != nil {
		c.JSON(http.StatusBadGateway, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(items))
}

func (h *Handler) refreshNotifications(c *gin.Context) {
	added, err := h.session.FetchNotifications(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "unread": h.session.UnreadNotificationCount()})
}

func (h *Handler) markNotificationRead(c *gin.Context) {
	found := h.session.MarkNotificationAsRead(c.Param("id"))
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "found": found})
}

func (h *Handler) clearUnread(c *gin.Context) {
	var req struct {
		ConversationKey string `json:"conversation_key"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
			return
		}
	}
	cleared := h.session.ClearUnreadMessages(req.ConversationKey)
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "unread": h.session.Unread()})
}

func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyRecipient):
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrRecipientRequired))
	case errors.Is(err, service.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrContentRequired))
	case errors.Is(err, service.ErrSessionClosed):
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrSessionNotStarted))
	default:
		c.JSON(http.StatusBadGateway, httpresp.NewErrorResponse(err.Error()))
	}
}
