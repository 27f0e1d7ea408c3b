package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/pool"
)

// CardPoolHandler handles gift card pool administration.
type CardPoolHandler struct {
	pool *pool.Service
}

// NewCardPoolHandler wires a card pool handler.
func NewCardPoolHandler(poolSvc *pool.Service) *CardPoolHandler {
	return &CardPoolHandler{pool: poolSvc}
}

type uploadCardsRequest struct {
	Codes      []string `json:"codes"`       // One card code (or CSV row) per entry.
	Content    string   `json:"content"`     // Alternatively, raw CSV content.
	BatchLabel *string  `json:"batch_label"` // Optional batch partition.
}

// Upload bulk-inserts gift card codes from a list or pasted CSV content.
func (h *CardPoolHandler) Upload(c *gin.Context) {
	var body uploadCardsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	lines := body.Codes
	if len(lines) == 0 && strings.TrimSpace(body.Content) != "" {
		lines = strings.Split(body.Content, "\n")
	}
	if len(lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no codes provided"})
		return
	}

	result, errUpload := h.pool.UploadCards(c.Request.Context(), lines, body.BatchLabel, adminUsername(c))
	if errUpload != nil {
		respondError(c, errUpload)
		return
	}
	c.JSON(http.StatusOK, result)
}

type addCardRequest struct {
	CardCode      string   `json:"card_code"`
	CardType      string   `json:"card_type"`      // Defaults to AMAZON.
	CardValue     *float64 `json:"card_value"`
	RedemptionURL string   `json:"redemption_url"` // Defaults to the Amazon redeem page.
	BatchLabel    *string  `json:"batch_label"`
	ExpiresAt     *string  `json:"expires_at"` // RFC 3339.
}

// Add inserts a single fully-described card.
func (h *CardPoolHandler) Add(c *gin.Context) {
	var body addCardRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.CardCode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing card_code"})
		return
	}
	params := pool.AddCardParams{
		CardCode:      body.CardCode,
		CardType:      body.CardType,
		CardValue:     body.CardValue,
		RedemptionURL: body.RedemptionURL,
		BatchLabel:    body.BatchLabel,
	}
	if body.ExpiresAt != nil && strings.TrimSpace(*body.ExpiresAt) != "" {
		expires, errParse := time.Parse(time.RFC3339, strings.TrimSpace(*body.ExpiresAt))
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be RFC 3339"})
			return
		}
		params.ExpiresAt = &expires
	}

	card, errAdd := h.pool.AddCard(c.Request.Context(), params, adminUsername(c))
	if errAdd != nil {
		respondError(c, errAdd)
		return
	}
	c.JSON(http.StatusCreated, card)
}

type updateCardRequest struct {
	CardCode      *string  `json:"card_code"`
	CardType      *string  `json:"card_type"`
	CardValue     *float64 `json:"card_value"`
	RedemptionURL *string  `json:"redemption_url"`
	BatchLabel    *string  `json:"batch_label"`
	ExpiresAt     *string  `json:"expires_at"` // RFC 3339.
}

// Update edits an unassigned card's details.
func (h *CardPoolHandler) Update(c *gin.Context) {
	var body updateCardRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	params := pool.UpdateCardParams{
		CardCode:      body.CardCode,
		CardType:      body.CardType,
		CardValue:     body.CardValue,
		RedemptionURL: body.RedemptionURL,
		BatchLabel:    body.BatchLabel,
	}
	if body.ExpiresAt != nil && strings.TrimSpace(*body.ExpiresAt) != "" {
		expires, errParse := time.Parse(time.RFC3339, strings.TrimSpace(*body.ExpiresAt))
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be RFC 3339"})
			return
		}
		params.ExpiresAt = &expires
	}

	card, errUpdate := h.pool.UpdateCard(c.Request.Context(), c.Param("id"), params)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, card)
}

// Expire retires an unassigned card from circulation.
func (h *CardPoolHandler) Expire(c *gin.Context) {
	if errExpire := h.pool.MarkCardExpired(c.Request.Context(), c.Param("id")); errExpire != nil {
		respondError(c, errExpire)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// List returns pool cards filtered by optional status and batch label.
func (h *CardPoolHandler) List(c *gin.Context) {
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

	rows, total, errList := h.pool.ListCards(c.Request.Context(), status, batchLabel, limit, offset)
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": rows, "total": total})
}

// Stats returns per-status counts for the gift card pool.
func (h *CardPoolHandler) Stats(c *gin.Context) {
	counts, errCounts := h.pool.CardCounts(c.Request.Context())
	if errCounts != nil {
		respondError(c, errCounts)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// Delete removes an unassigned card from the pool.
func (h *CardPoolHandler) Delete(c *gin.Context) {
	if errDelete := h.pool.DeleteCard(c.Request.Context(), c.Param("id")); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Reconcile releases orphaned card claims on demand.
func (h *CardPoolHandler) Reconcile(c *gin.Context) {
	repaired, errReconcile := h.pool.Reconcile(c.Request.Context(), pool.KindCards)
	if errReconcile != nil {
		respondError(c, errReconcile)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repaired": repaired})
}
