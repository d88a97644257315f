package status

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/datatypes"
)

// registerRoutes sets up all status routes on the Gin router.
func registerRoutes(router *gin.Engine, deps Deps) {
	router.GET("/healthz", handleHealth(deps))

	api := router.Group("/api")
	api.GET("/sessions/:id", handleSession(deps))
	api.GET("/sessions/:id/stats", handleSessionStats(deps))
	api.GET("/journal/pending", handlePending(deps))
	api.GET("/journal/counts", handlePendingCounts(deps))
	api.GET("/deliveries/:id", handleDelivery(deps))
}

// sessionView is the JSON shape of a RequestSession.
type sessionView struct {
	ID                   string         `json:"id"`
	UserID               string         `json:"user_id"`
	IntegrationType      string         `json:"integration_type"`
	Status               string         `json:"status"`
	Version              int64          `json:"version"`
	ExternalSessionID    *string        `json:"external_session_id,omitempty"`
	CurrentAgentID       *string        `json:"current_agent_id,omitempty"`
	ConversationThreadID *string        `json:"conversation_thread_id,omitempty"`
	LastRequestID        *string        `json:"last_request_id,omitempty"`
	UserContext          datatypes.JSON `json:"user_context,omitempty"`
	ConversationContext  datatypes.JSON `json:"conversation_context,omitempty"`
	TotalTokens          int64          `json:"total_tokens"`
	LLMCallCount         int64          `json:"llm_call_count"`
	LastRequestAt        *time.Time     `json:"last_request_at,omitempty"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func toSessionView(s *models.RequestSession) sessionView {
	return sessionView{
		ID:                   s.ID,
		UserID:               s.UserID,
		IntegrationType:      string(s.IntegrationType),
		Status:               string(s.Status),
		Version:              s.Version,
		ExternalSessionID:    s.ExternalSessionID,
		CurrentAgentID:       s.CurrentAgentID,
		ConversationThreadID: s.ConversationThreadID,
		LastRequestID:        s.LastRequestID,
		UserContext:          s.UserContext,
		ConversationContext:  s.ConversationContext,
		TotalTokens:          s.TotalTokens,
		LLMCallCount:         s.LLMCallCount,
		LastRequestAt:        s.LastRequestAt,
		ExpiresAt:            s.ExpiresAt,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// deliveryView is the JSON shape of a DeliveryLog.
type deliveryView struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	RequestID       string     `json:"request_id,omitempty"`
	IntegrationType string     `json:"integration_type"`
	Channel         string     `json:"channel"`
	Status          string     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	LastError       string     `json:"last_error,omitempty"`
	FirstAttemptAt  time.Time  `json:"first_attempt_at"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

func toDeliveryView(d *models.DeliveryLog) deliveryView {
	return deliveryView{
		ID:              d.ID,
		SessionID:       d.SessionID,
		RequestID:       d.RequestID,
		IntegrationType: string(d.IntegrationType),
		Channel:         d.Channel,
		Status:          string(d.Status),
		AttemptCount:    d.AttemptCount,
		MaxAttempts:     d.MaxAttempts,
		LastError:       d.LastError,
		FirstAttemptAt:  d.FirstAttemptAt,
		LastAttemptAt:   d.LastAttemptAt,
		DeliveredAt:     d.DeliveredAt,
		ExpiresAt:       d.ExpiresAt,
	}
}

// requestView is the JSON shape of a RequestLog.
type requestView struct {
	RequestID       string    `json:"request_id"`
	SessionID       string    `json:"session_id,omitempty"`
	IntegrationType string    `json:"integration_type,omitempty"`
	RequestType     string    `json:"request_type,omitempty"`
	PodName         string    `json:"pod_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// writeError maps the store error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storeerr.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storeerr.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, storeerr.ErrTransient):
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func handleHealth(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := deps.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "pod": deps.PodName, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pod": deps.PodName})
	}
}

func handleSession(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := deps.Sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSessionView(s))
	}
}

func handleSessionStats(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := deps.Sessions.Get(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		stats, err := deps.Ledger.SessionStats(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func handlePending(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		pod := c.DefaultQuery("pod", deps.PodName)
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		rows, err := deps.Journal.PollPending(c.Request.Context(), pod, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]requestView, 0, len(rows))
		for _, r := range rows {
			out = append(out, requestView{
				RequestID:       r.RequestID,
				SessionID:       r.SessionID,
				IntegrationType: string(r.IntegrationType),
				RequestType:     r.RequestType,
				PodName:         r.PodName,
				CreatedAt:       r.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"pod": pod, "pending": out})
	}
}

func handlePendingCounts(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := deps.Journal.CountPending(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

func handleDelivery(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := deps.Deliveries.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toDeliveryView(d))
	}
}
