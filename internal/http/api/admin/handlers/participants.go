package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/invitations"
	"github.com/howard-research/surveybackend/internal/participants"
)

// ParticipantHandler handles participant administration.
type ParticipantHandler struct {
	participants *participants.Service
	invitations  *invitations.Service
}

// NewParticipantHandler wires a participant handler.
func NewParticipantHandler(participantSvc *participants.Service, invitationSvc *invitations.Service) *ParticipantHandler {
	return &ParticipantHandler{participants: participantSvc, invitations: invitationSvc}
}

// List returns participants newest-first, optionally filtered by a search
// term over phone, name, and email.
func (h *ParticipantHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	var search *string
	if raw := strings.TrimSpace(c.Query("search")); raw != "" {
		search = &raw
	}
	rows, total, errList := h.participants.List(c.Request.Context(), search, limit, offset)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": rows, "total": total})
}

// Get returns one participant with their active invitation when present.
func (h *ParticipantHandler) Get(c *gin.Context) {
	p, errGet := h.participants.GetByID(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	response := gin.H{"participant": p}
	active, errActive := h.invitations.FindActive(c.Request.Context(), p.ID)
	if errActive == nil {
		response["active_invitation"] = active
	} else if !errors.Is(errActive, core.ErrNotFound) {
		respondError(c, errActive)
		return
	}
	c.JSON(http.StatusOK, response)
}

// Delete removes a participant record.
func (h *ParticipantHandler) Delete(c *gin.Context) {
	if errDelete := h.participants.Delete(c.Request.Context(), c.Param("id")); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// OptOut stops all future messaging for a participant.
func (h *ParticipantHandler) OptOut(c *gin.Context) {
	p, errGet := h.participants.GetByID(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	if errOptOut := h.participants.OptOut(c.Request.Context(), p.Phone); errOptOut != nil {
		respondError(c, errOptOut)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
