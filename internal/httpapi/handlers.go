package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/auth"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/pipeline"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Pipeline *pipeline.Orchestrator
	Resyncer *pipeline.Resyncer
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: operator credentials are expected to be validated upstream (reverse
// proxy / SSO); this endpoint only mints tokens for known identities.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Sync triggers ---

type fetchRequest struct {
	From time.Time `json:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To   time.Time `json:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

// TriggerFetch runs one fetch pass over the given window.
func (h Handlers) TriggerFetch(c *gin.Context) {
	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json, from/to must be RFC3339"})
		return
	}
	if req.From.IsZero() || req.To.IsZero() || !req.From.Before(req.To) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must precede to"})
		return
	}
	res, err := h.Pipeline.FetchPass(c.Request.Context(), req.From, req.To)
	if err != nil {
		// Partial windows still admitted something; report both.
		c.JSON(http.StatusBadGateway, gin.H{"result": res, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// TriggerProcess runs one process pass over the due backlog.
func (h Handlers) TriggerProcess(c *gin.Context) {
	res, err := h.Pipeline.ProcessPass(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetStats summarizes a window; defaults to the trailing 24 hours.
func (h Handlers) GetStats(c *gin.Context) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}
	stats, err := h.Pipeline.Stats(c.Request.Context(), from, to)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stats lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "stats": stats})
}

// --- Admin ---

// TriggerResync refreshes extensions and lead owners from upstream.
// RBAC: admin.
func (h Handlers) TriggerResync(c *gin.Context) {
	exts, err := h.Resyncer.ResyncExtensions(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	owners, err := h.Resyncer.ResyncOwners(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"extensions": exts, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"extensions": exts, "owners": owners})
}

// ListDeadLetters returns records that exhausted processing.
// RBAC: admin.
func (h Handlers) ListDeadLetters(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := h.Pipeline.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dead letter lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "records": recs})
}

// GetCallHistory returns the audit trail for one provider call id.
// RBAC: admin.
func (h Handlers) GetCallHistory(c *gin.Context) {
	providerCallID := c.Param("provider_call_id")
	if providerCallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider_call_id required"})
		return
	}
	events, err := h.Pipeline.History(c.Request.Context(), providerCallID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider_call_id": providerCallID, "events": events})
}
