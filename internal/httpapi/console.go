package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"convo-engine/internal/auth"
	"convo-engine/internal/console"
	"convo-engine/internal/conversation"
	"convo-engine/internal/live"
	"convo-engine/internal/rbac"
	"convo-engine/internal/reporting"
	"convo-engine/internal/task"
	"convo-engine/pkg/logger"
)

func actorFrom(c *gin.Context) (console.Actor, bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil || id.TenantID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return console.Actor{}, false
	}
	return console.Actor{TenantID: id.TenantID, UserID: id.UserID, Name: id.Name, Role: id.Role, IP: c.ClientIP()}, true
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

func (h Handlers) ListConversations(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	out, err := h.Console.List(c.Request.Context(), actor, conversation.ListFilter{
		ActiveOnly: c.Query("active") == "true",
		Search:     c.Query("search"),
		AgentID:    c.Query("agent_id"),
		Limit:      queryInt(c, "limit"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (h Handlers) ListInteractions(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	before, _ := strconv.ParseInt(c.Query("before_seq"), 10, 64)
	out, err := h.Console.Interactions(c.Request.Context(), actor, c.Param("id"), conversation.HistoryQuery{
		BeforeSeq: before,
		Limit:     queryInt(c, "limit"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interactions": out})
}

type textRequest struct {
	Text string `json:"text"`
}

func (h Handlers) AgentReply(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	in, err := h.Console.AgentReply(c.Request.Context(), actor, c.Param("id"), req.Text)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

func (h Handlers) AddNote(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	in, err := h.Console.AddNote(c.Request.Context(), actor, c.Param("id"), req.Text)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

type assignRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// Assign claims the conversation. Agents may only assign themselves.
func (h Handlers) Assign(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req assignRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.AgentID == "" {
		req.AgentID, req.AgentName = actor.UserID, actor.Name
	}
	if actor.Role == rbac.RoleAgent && req.AgentID != actor.UserID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "agents may only assign themselves"})
		return
	}
	conv, err := h.Console.Assign(c.Request.Context(), actor, c.Param("id"), req.AgentID, req.AgentName)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type pauseRequest struct {
	Mode conversation.Status `json:"mode"`
}

func (h Handlers) Pause(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req pauseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	conv, err := h.Console.Pause(c.Request.Context(), actor, c.Param("id"), req.Mode)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type statusOp func(ctx context.Context, actor console.Actor, convID string) (conversation.Conversation, error)

func (h Handlers) status(c *gin.Context, op statusOp) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	conv, err := op(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h Handlers) Resume(c *gin.Context)   { h.status(c, h.Console.Resume) }
func (h Handlers) Close(c *gin.Context)    { h.status(c, h.Console.Close) }
func (h Handlers) Archive(c *gin.Context)  { h.status(c, h.Console.Archive) }
func (h Handlers) Unassign(c *gin.Context) { h.status(c, h.Console.Unassign) }

func (h Handlers) ListTasks(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	out, err := h.Console.Tasks(c.Request.Context(), actor, task.ListFilter{
		ConversationID: c.Query("conversation_id"),
		Status:         task.Status(c.Query("status")),
		Limit:          queryInt(c, "limit"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_executions": out})
}

// Summary reports engine metrics for the caller's tenant. from and to are
// RFC 3339; the default window is the last seven days.
func (h Handlers) Summary(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-7 * 24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	sum, err := h.Reports.Summary(c.Request.Context(), reporting.SummaryRequest{
		TenantID: actor.TenantID,
		Range:    reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Live streams every event of the caller's tenant.
func (h Handlers) Live(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := h.Hub.Serve(c.Writer, c.Request, live.TenantRoom(actor.TenantID)); err != nil {
		logger.FromGin(c).Warn("websocket upgrade failed", "err", err)
	}
}
