package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/giftcards"
	"github.com/howard-research/surveybackend/internal/models"
)

// GiftCardHandler handles gift card administration.
type GiftCardHandler struct {
	giftcards *giftcards.Service
}

// NewGiftCardHandler wires a gift card handler.
func NewGiftCardHandler(giftCardSvc *giftcards.Service) *GiftCardHandler {
	return &GiftCardHandler{giftcards: giftCardSvc}
}

type sendGiftCardRequest struct {
	ParticipantID  string `json:"participant_id"`
	InvitationID   string `json:"invitation_id"`
	DeliveryMethod string `json:"delivery_method"` // EMAIL, SMS, or BOTH.
}

// Send claims a pool card and delivers it for a completed invitation.
func (h *GiftCardHandler) Send(c *gin.Context) {
	var body sendGiftCardRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.ParticipantID == "" || body.InvitationID == "" || body.DeliveryMethod == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing participant_id, invitation_id, or delivery_method"})
		return
	}

	card, errSend := h.giftcards.Send(c.Request.Context(), body.ParticipantID, body.InvitationID, body.DeliveryMethod, adminUsername(c))
	if errSend != nil {
		respondError(c, errSend)
		return
	}
	c.JSON(http.StatusOK, card)
}

// Get returns one gift card.
func (h *GiftCardHandler) Get(c *gin.Context) {
	card, errGet := h.giftcards.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, card)
}

// List returns gift cards filtered by optional status and participant.
func (h *GiftCardHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	var status *models.GiftCardStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		s := models.GiftCardStatus(strings.ToUpper(raw))
		status = &s
	}
	var participantID *string
	if raw := strings.TrimSpace(c.Query("participant_id")); raw != "" {
		participantID = &raw
	}

	rows, total, errList := h.giftcards.List(c.Request.Context(), status, participantID, limit, offset)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gift_cards": rows, "total": total})
}

// Resend re-delivers an already-sent card on every available channel.
func (h *GiftCardHandler) Resend(c *gin.Context) {
	card, errResend := h.giftcards.Resend(c.Request.Context(), c.Param("id"), adminUsername(c))
	if errResend != nil {
		respondError(c, errResend)
		return
	}
	c.JSON(http.StatusOK, card)
}

// Unsend reverses a send and returns the pool card to inventory.
func (h *GiftCardHandler) Unsend(c *gin.Context) {
	if errUnsend := h.giftcards.Unsend(c.Request.Context(), c.Param("id"), adminUsername(c)); errUnsend != nil {
		respondError(c, errUnsend)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListUnsent returns every reverted send, rebuilt from audit snapshots and
// optionally filtered by participant phone.
func (h *GiftCardHandler) ListUnsent(c *gin.Context) {
	var phone *string
	if raw := strings.TrimSpace(c.Query("phone")); raw != "" {
		phone = &raw
	}
	records, errList := h.giftcards.ListUnsent(c.Request.Context(), phone)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unsent": records, "total": len(records)})
}

type addNotesRequest struct {
	Notes string `json:"notes"`
}

// AddNotes attaches an admin note to a gift card.
func (h *GiftCardHandler) AddNotes(c *gin.Context) {
	var body addNotesRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Notes) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing notes"})
		return
	}
	if errNotes := h.giftcards.AddNotes(c.Request.Context(), c.Param("id"), body.Notes, adminUsername(c)); errNotes != nil {
		respondError(c, errNotes)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type deliveryStatusRequest struct {
	Method string `json:"method"` // EMAIL or SMS.
	Status string `json:"status"` // Provider status, e.g. delivered or failed.
}

// UpdateDeliveryStatus records a provider delivery outcome for a sent card.
func (h *GiftCardHandler) UpdateDeliveryStatus(c *gin.Context) {
	var body deliveryStatusRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Method) == "" || strings.TrimSpace(body.Status) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing method or status"})
		return
	}
	if errUpdate := h.giftcards.UpdateDeliveryStatus(c.Request.Context(), c.Param("id"), body.Method, strings.ToLower(strings.TrimSpace(body.Status))); errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Delete removes a pending allocation that was created in error.
func (h *GiftCardHandler) Delete(c *gin.Context) {
	if errDelete := h.giftcards.DeletePending(c.Request.Context(), c.Param("id")); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkRedeemed records that the participant redeemed the card.
func (h *GiftCardHandler) MarkRedeemed(c *gin.Context) {
	if errRedeem := h.giftcards.MarkRedeemed(c.Request.Context(), c.Param("id")); errRedeem != nil {
		respondError(c, errRedeem)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Logs returns a gift card's distribution history.
func (h *GiftCardHandler) Logs(c *gin.Context) {
	entries, errLogs := h.giftcards.Logs(c.Request.Context(), c.Param("id"))
	if errLogs != nil {
		respondError(c, errLogs)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "total": len(entries)})
}

// PurgeLogs deletes a card's non-unsent log entries.
func (h *GiftCardHandler) PurgeLogs(c *gin.Context) {
	purged, errPurge := h.giftcards.PurgeLogs(c.Request.Context(), c.Param("id"))
	if errPurge != nil {
		respondError(c, errPurge)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

type createPendingRequest struct {
	ParticipantID string `json:"participant_id"`
	InvitationID  string `json:"invitation_id"`
}

// CreatePending records a reward entitlement without sending anything.
func (h *GiftCardHandler) CreatePending(c *gin.Context) {
	var body createPendingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.ParticipantID == "" || body.InvitationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing participant_id or invitation_id"})
		return
	}
	card, errCreate := h.giftcards.CreatePending(c.Request.Context(), body.ParticipantID, body.InvitationID, adminUsername(c))
	if errCreate != nil {
		respondError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, card)
}

// Eligible lists completed invitations still owed a reward.
func (h *GiftCardHandler) Eligible(c *gin.Context) {
	rows, errList := h.giftcards.EligibleParticipants(c.Request.Context())
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligible": rows, "total": len(rows)})
}
