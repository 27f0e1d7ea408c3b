// Package public registers the unauthenticated API: enrollment status, the
// verification flow, provider webhooks, and the participant-facing resend.
package public

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/enrollment"
	"github.com/howard-research/surveybackend/internal/invitations"
	"github.com/howard-research/surveybackend/internal/verify"
	log "github.com/sirupsen/logrus"
)

// Deps carries the services the public API exposes.
type Deps struct {
	Enrollment  *enrollment.Service
	Verify      *verify.Service
	Invitations *invitations.Service
}

// RegisterPublicRoutes registers the unauthenticated routes under /v0.
func RegisterPublicRoutes(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}
	h := &handler{deps: deps}

	group := r.Group("/v0")
	group.GET("/enrollment/status", h.enrollmentStatus)
	group.POST("/verify/start", h.verifyStart)
	group.POST("/verify/check", h.verifyCheck)
	group.POST("/survey/resend", h.resendSurveyLink)
	group.POST("/webhooks/sms-status", h.smsStatusWebhook)
	group.POST("/webhooks/completion", h.completionWebhook)
	group.GET("/webhooks/completion", h.completionWebhook)
}

type handler struct {
	deps Deps
}

func (h *handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrEnrollmentFull):
		c.JSON(http.StatusForbidden, gin.H{"error": "enrollment is closed"})
	case errors.Is(err, core.ErrPoolEmpty):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no survey links are currently available, please try again later"})
	case errors.Is(err, core.ErrRaceLost):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "please try again"})
	case errors.Is(err, core.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "message delivery failed, please try again"})
	case errors.Is(err, verify.ErrCodeMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired code"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// enrollmentStatus reports whether the study is open, without authentication
// so the landing page can gate its sign-up form.
func (h *handler) enrollmentStatus(c *gin.Context) {
	report, errStatus := h.deps.Enrollment.Status(c.Request.Context())
	if errStatus != nil {
		h.respondError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, report)
}

type verifyStartRequest struct {
	Phone string `json:"phone"`
}

func (h *handler) verifyStart(c *gin.Context) {
	var body verifyStartRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Phone) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing phone"})
		return
	}
	if errStart := h.deps.Verify.Start(c.Request.Context(), body.Phone); errStart != nil {
		h.respondError(c, errStart)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "code sent"})
}

type verifyCheckRequest struct {
	Phone string  `json:"phone"`
	Code  string  `json:"code"`
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

func (h *handler) verifyCheck(c *gin.Context) {
	var body verifyCheckRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Phone) == "" || strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing phone or code"})
		return
	}
	participant, errCheck := h.deps.Verify.Check(c.Request.Context(), body.Phone, strings.TrimSpace(body.Code), body.Name, body.Email)
	if errCheck != nil {
		h.respondError(c, errCheck)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": participant})
}

type resendRequest struct {
	Phone string `json:"phone"`
}

// resendSurveyLink lets a verified participant ask for their link again.
// The idempotent issuance path means this never consumes a second link
// while an invitation is active.
func (h *handler) resendSurveyLink(c *gin.Context) {
	var body resendRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Phone) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing phone"})
		return
	}
	outcome, errSend := h.deps.Invitations.AssignAndSend(c.Request.Context(), body.Phone, nil)
	if errSend != nil {
		h.respondError(c, errSend)
		return
	}
	message := "Survey link sent successfully!"
	if !outcome.Created {
		message = "Your survey link has been resent."
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

// smsStatusWebhook receives Twilio delivery callbacks. Twilio posts
// form-encoded fields; the whole form is kept as the raw event payload.
// Always answers 200 so the provider does not retry storms on our errors.
func (h *handler) smsStatusWebhook(c *gin.Context) {
	sid := c.PostForm("MessageSid")
	status := c.PostForm("MessageStatus")
	if sid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing MessageSid"})
		return
	}
	var errorCode *string
	if code := c.PostForm("ErrorCode"); code != "" {
		errorCode = &code
	}

	if errForm := c.Request.ParseForm(); errForm != nil {
		log.Warnf("public: parse sms status form: %v", errForm)
	}
	raw, errMarshal := json.Marshal(c.Request.PostForm)
	if errMarshal != nil {
		raw = nil
	}

	if errHandle := h.deps.Invitations.HandleSMSStatus(c.Request.Context(), sid, status, errorCode, raw); errHandle != nil {
		log.Errorf("public: sms status webhook for %s: %v", sid, errHandle)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type completionRequest struct {
	LinkURL string `json:"link_url"`
}

// completionWebhook receives the survey platform's completion callback. The
// link URL may arrive as JSON or as a query parameter, depending on how the
// platform's redirect is configured.
func (h *handler) completionWebhook(c *gin.Context) {
	linkURL := strings.TrimSpace(c.Query("link_url"))
	if linkURL == "" && c.Request.Method == http.MethodPost {
		var body completionRequest
		if errBind := c.ShouldBindJSON(&body); errBind == nil {
			linkURL = strings.TrimSpace(body.LinkURL)
		}
	}
	if linkURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing link_url"})
		return
	}

	inv, errHandle := h.deps.Invitations.HandleCompletion(c.Request.Context(), linkURL)
	if errHandle != nil {
		h.respondError(c, errHandle)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "invitation_id": inv.ID})
}
