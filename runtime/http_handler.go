package runtime

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MessageRequest is the body of POST /v1/messages. FlowID, when set, starts
// that flow regardless of triggers.
type MessageRequest struct {
	InboundEvent
	FlowID string `json:"flowId,omitempty"`
}

type httpHandler struct {
	l       *slog.Logger
	manager *Manager
	store   Store
}

// NewHTTPHandler registers the ingestion and session routes on g.
func NewHTTPHandler(l *slog.Logger, manager *Manager, store Store, g *gin.Engine) {
	h := &httpHandler{l: l, manager: manager, store: store}

	g.GET("/healthz", h.health)

	v1 := g.Group("/v1")
	v1.POST("/messages", h.postMessage)
	v1.POST("/flows/:flowId/start", h.startFlow)
	v1.GET("/sessions/:sessionId", h.getSession)
	v1.POST("/sessions/:sessionId/timeout", h.timeoutSession)
	v1.POST("/sessions/:sessionId/pause", h.pauseSession)
}

func (h *httpHandler) health(c *gin.Context) {
	if h.manager.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) postMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Wrong request body format"})
		return
	}
	if !h.ingest(c, &req.InboundEvent) {
		return
	}

	var explicit *Flow
	if req.FlowID != "" {
		flow, err := h.store.GetFlow(c, req.FlowID)
		if err != nil {
			h.fail(c, err)
			return
		}
		explicit = flow
	}

	if err := h.manager.ProcessMessage(c.Request.Context(), req.InboundEvent, explicit); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *httpHandler) startFlow(c *gin.Context) {
	var ev InboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Wrong request body format"})
		return
	}
	if !h.ingest(c, &ev) {
		return
	}
	flow, err := h.store.GetFlow(c, c.Param("flowId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	session, err := h.manager.StartFlow(c.Request.Context(), ev, flow)
	if err != nil && session == nil {
		h.fail(c, err)
		return
	}
	if err != nil {
		h.l.WarnContext(c, "Flow started with error", "flow_id", flow.ID, "session_id", session.ID, "error", err)
	}
	c.JSON(http.StatusCreated, session)
}

func (h *httpHandler) getSession(c *gin.Context) {
	session, err := h.store.GetSession(c, c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) timeoutSession(c *gin.Context) {
	session, err := h.store.GetSession(c, c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.manager.HandleSessionTimeout(c.Request.Context(), session); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "handled"})
}

func (h *httpHandler) pauseSession(c *gin.Context) {
	session, err := h.store.GetSession(c, c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.manager.PauseFlow(c.Request.Context(), session); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ingest records the chat and customer carried by an event the first time
// they are seen. Records the store already has are left alone, since flows
// mutate them.
func (h *httpHandler) ingest(c *gin.Context, ev *InboundEvent) bool {
	if ev.Chat == nil || ev.Customer == nil || ev.Chat.ID == "" || ev.Customer.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "chat and customer are required"})
		return false
	}
	if ev.Chat.CustomerID == "" {
		ev.Chat.CustomerID = ev.Customer.ID
	}
	if ev.Chat.OrganizationID == "" {
		ev.Chat.OrganizationID = ev.OrganizationID
	}
	if ev.Chat.Status == "" {
		ev.Chat.Status = ChatOpen
	}
	if ev.Customer.OrganizationID == "" {
		ev.Customer.OrganizationID = ev.OrganizationID
	}

	if _, err := h.store.GetChat(c, ev.Chat.ID); errors.Is(err, ErrChatNotFound) {
		if err := h.store.SaveChat(c, ev.Chat); err != nil {
			h.fail(c, err)
			return false
		}
	} else if err != nil {
		h.fail(c, err)
		return false
	}
	if _, err := h.store.GetCustomer(c, ev.Customer.ID); errors.Is(err, ErrCustomerNotFound) {
		if err := h.store.SaveCustomer(c, ev.Customer); err != nil {
			h.fail(c, err)
			return false
		}
	} else if err != nil {
		h.fail(c, err)
		return false
	}
	return true
}

func (h *httpHandler) fail(c *gin.Context, err error) {
	var fe *FlowError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrFlowNotFound),
		errors.Is(err, ErrChatNotFound), errors.Is(err, ErrCustomerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.Is(err, ErrDraining):
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
	case errors.As(err, &fe):
		status := http.StatusUnprocessableEntity
		if fe.Retryable() {
			status = http.StatusServiceUnavailable
		}
		h.l.ErrorContext(c, "Request failed", "path", c.Request.URL.Path, "error", fe.Error())
		c.JSON(status, fe.ToMap())
	default:
		h.l.ErrorContext(c, "Request failed", "path", c.Request.URL.Path, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}
