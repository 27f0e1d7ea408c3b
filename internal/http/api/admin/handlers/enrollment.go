package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/enrollment"
)

// EnrollmentHandler handles enrollment cap administration.
type EnrollmentHandler struct {
	enrollment *enrollment.Service
}

// NewEnrollmentHandler wires an enrollment handler.
func NewEnrollmentHandler(enrollmentSvc *enrollment.Service) *EnrollmentHandler {
	return &EnrollmentHandler{enrollment: enrollmentSvc}
}

// GetConfig returns the cap configuration plus the live gate status.
func (h *EnrollmentHandler) GetConfig(c *gin.Context) {
	cfg, errCfg := h.enrollment.GetConfig(c.Request.Context())
	if errCfg != nil {
		respondError(c, errCfg)
		return
	}
	status, errStatus := h.enrollment.Status(c.Request.Context())
	if errStatus != nil {
		respondError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg, "status": status})
}

type updateEnrollmentRequest struct {
	MaxParticipants *int  `json:"max_participants"` // Omit to leave unchanged.
	IsActive        *bool `json:"is_active"`        // Omit to leave unchanged.
}

// UpdateConfig changes the cap or the active flag. A cap below the current
// enrolled count is rejected.
func (h *EnrollmentHandler) UpdateConfig(c *gin.Context) {
	var body updateEnrollmentRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.MaxParticipants == nil && body.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	cfg, errUpdate := h.enrollment.UpdateConfig(c.Request.Context(), body.MaxParticipants, body.IsActive, adminUsername(c))
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// ClearCap removes the enrollment cap entirely.
func (h *EnrollmentHandler) ClearCap(c *gin.Context) {
	cfg, errClear := h.enrollment.ClearCap(c.Request.Context(), adminUsername(c))
	if errClear != nil {
		respondError(c, errClear)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
