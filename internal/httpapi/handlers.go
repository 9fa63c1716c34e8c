package httpapi

import (
	"errors"
	"net/http"
	"time"

	"voicebridge/internal/auth"
	"voicebridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth    *auth.Manager
	Manager *telephony.Manager
}

// --- Auth ---

type loginRequest struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
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
	if req.OperatorID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "operator_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.OperatorID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Call control ---

// ListCalls reports every tracked call with its computed duration.
func (h Handlers) ListCalls(c *gin.Context) {
	if h.Manager == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "manager not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": h.Manager.ActiveCalls()})
}

// HoldCall pauses the sole active call, or the one named by call_id.
func (h Handlers) HoldCall(c *gin.Context) {
	h.callControl(c, func(id string) error { return h.Manager.HoldCall(id) })
}

// ResumeCall takes a held call back to active.
func (h Handlers) ResumeCall(c *gin.Context) {
	h.callControl(c, func(id string) error { return h.Manager.ResumeCall(id) })
}

// EndCall hangs up a call.
func (h Handlers) EndCall(c *gin.Context) {
	h.callControl(c, func(id string) error { return h.Manager.EndCall(id) })
}

// Status reports the default number resolution and live call count.
func (h Handlers) Status(c *gin.Context) {
	if h.Manager == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "manager not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Manager.Status())
}

type setNumberRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// SetDefaultNumber updates the runtime override for the outbound caller ID.
func (h Handlers) SetDefaultNumber(c *gin.Context) {
	if h.Manager == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "manager not configured"})
		return
	}
	var req setNumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.Manager.SetDefaultPhoneNumber(req.PhoneNumber)
	c.JSON(http.StatusOK, h.Manager.Status())
}

// callControl maps manager errors onto HTTP statuses shared by
// hold/resume/end: absent call 404, precondition failures 409.
func (h Handlers) callControl(c *gin.Context, op func(id string) error) {
	if h.Manager == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "manager not configured"})
		return
	}
	callID := c.Param("call_id")

	err := op(callID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, telephony.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, telephony.ErrNoActiveCall),
		errors.Is(err, telephony.ErrNoHeldCall),
		errors.Is(err, telephony.ErrAmbiguousCall):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
