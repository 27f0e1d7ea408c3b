package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/pool"
)

// LinkPoolHandler handles survey link pool administration.
type LinkPoolHandler struct {
	pool *pool.Service
}

// NewLinkPoolHandler wires a link pool handler.
func NewLinkPoolHandler(poolSvc *pool.Service) *LinkPoolHandler {
	return &LinkPoolHandler{pool: poolSvc}
}

type uploadLinksRequest struct {
	Links      []string `json:"links"`       // One survey URL per entry.
	Content    string   `json:"content"`     // Alternatively, newline-separated URLs.
	BatchLabel *string  `json:"batch_label"` // Optional batch partition.
}

// Upload bulk-inserts survey links from a list or a pasted text blob.
func (h *LinkPoolHandler) Upload(c *gin.Context) {
	var body uploadLinksRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	lines := body.Links
	if len(lines) == 0 && strings.TrimSpace(body.Content) != "" {
		lines = strings.Split(body.Content, "\n")
	}
	if len(lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no links provided"})
		return
	}

	result, errUpload := h.pool.UploadLinks(c.Request.Context(), lines, body.BatchLabel, adminUsername(c))
	if errUpload != nil {
		respondError(c, errUpload)
		return
	}
	c.JSON(http.StatusOK, result)
}

// List returns links filtered by optional status and batch label.
func (h *LinkPoolHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	var status *models.PoolStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		s := models.PoolStatus(strings.ToUpper(raw))
		status = &s
	}
	var batchLabel *string
	if raw := strings.TrimSpace(c.Query("batch_label")); raw != "" {
		batchLabel = &raw
	}

	rows, total, errList := h.pool.ListLinks(c.Request.Context(), status, batchLabel, limit, offset)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": rows, "total": total})
}

// Stats returns per-status counts for the link pool.
func (h *LinkPoolHandler) Stats(c *gin.Context) {
	counts, errCounts := h.pool.LinkCounts(c.Request.Context())
	if errCounts != nil {
		respondError(c, errCounts)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// Invalidate flags a link so it is never handed out.
func (h *LinkPoolHandler) Invalidate(c *gin.Context) {
	if errMark := h.pool.MarkLinkInvalid(c.Request.Context(), c.Param("id")); errMark != nil {
		respondError(c, errMark)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Delete removes an unassigned link from the pool.
func (h *LinkPoolHandler) Delete(c *gin.Context) {
	if errDelete := h.pool.DeleteLink(c.Request.Context(), c.Param("id")); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Reconcile releases orphaned link claims on demand.
func (h *LinkPoolHandler) Reconcile(c *gin.Context) {
	repaired, errReconcile := h.pool.Reconcile(c.Request.Context(), pool.KindLinks)
	if errReconcile != nil {
		respondError(c, errReconcile)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repaired": repaired})
}
