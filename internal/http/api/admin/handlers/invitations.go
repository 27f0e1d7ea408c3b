package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/invitations"
)

// InvitationHandler handles invitation administration.
type InvitationHandler struct {
	invitations *invitations.Service
}

// NewInvitationHandler wires an invitation handler.
func NewInvitationHandler(invitationSvc *invitations.Service) *InvitationHandler {
	return &InvitationHandler{invitations: invitationSvc}
}

type assignAndSendRequest struct {
	Phone      string  `json:"phone"`       // Participant phone, any common format.
	BatchLabel *string `json:"batch_label"` // Optional link batch to draw from.
}

// AssignAndSend issues a survey link to a phone number and texts it out.
// Repeating the request for the same phone re-sends the existing active
// invitation instead of consuming another link.
func (h *InvitationHandler) AssignAndSend(c *gin.Context) {
	var body assignAndSendRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Phone) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing phone"})
		return
	}

	outcome, errSend := h.invitations.AssignAndSend(c.Request.Context(), body.Phone, body.BatchLabel)
	if errSend != nil {
		respondError(c, errSend)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invitation": outcome.Invitation,
		"created":    outcome.Created,
		"email_sent": outcome.EmailSent,
	})
}

// Get returns one invitation.
func (h *InvitationHandler) Get(c *gin.Context) {
	inv, errGet := h.invitations.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// List returns invitations filtered by optional status and participant.
func (h *InvitationHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	var status, participantID *string
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status = &raw
	}
	if raw := strings.TrimSpace(c.Query("participant_id")); raw != "" {
		participantID = &raw
	}

	rows, total, errList := h.invitations.List(c.Request.Context(), status, participantID, limit, offset)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": rows, "total": total})
}

// Resend re-delivers an active invitation, optionally as a reminder.
func (h *InvitationHandler) Resend(c *gin.Context) {
	reminder := strings.EqualFold(c.Query("reminder"), "true")
	outcome, errResend := h.invitations.Resend(c.Request.Context(), c.Param("id"), reminder)
	if errResend != nil {
		respondError(c, errResend)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invitation": outcome.Invitation,
		"email_sent": outcome.EmailSent,
	})
}

// Complete marks a survey finished manually.
func (h *InvitationHandler) Complete(c *gin.Context) {
	if errComplete := h.invitations.Complete(c.Request.Context(), c.Param("id")); errComplete != nil {
		respondError(c, errComplete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Uncomplete reverses an accidental completion.
func (h *InvitationHandler) Uncomplete(c *gin.Context) {
	if errUncomplete := h.invitations.Uncomplete(c.Request.Context(), c.Param("id")); errUncomplete != nil {
		respondError(c, errUncomplete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type bulkCompleteRequest struct {
	InvitationIDs []string `json:"invitation_ids"`
}

// BulkComplete completes a batch of invitations, reporting per-row errors.
func (h *InvitationHandler) BulkComplete(c *gin.Context) {
	var body bulkCompleteRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body.InvitationIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no invitation ids provided"})
		return
	}
	c.JSON(http.StatusOK, h.invitations.BulkComplete(c.Request.Context(), body.InvitationIDs))
}
