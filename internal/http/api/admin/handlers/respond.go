// Package handlers implements the admin API endpoints.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/core"
)

// respondError translates service errors into HTTP status codes. Unmatched
// errors become a 500 with a generic message so internals never leak.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrPoolEmpty):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrRaceLost):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrEnrollmentFull):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// adminUsername returns the acting admin from the auth middleware context.
func adminUsername(c *gin.Context) string {
	if username, ok := c.Get("admin_username"); ok {
		if s, ok := username.(string); ok && s != "" {
			return s
		}
	}
	return "UNKNOWN"
}

// pagination reads limit/offset query parameters with sane bounds.
func pagination(c *gin.Context) (int, int) {
	limit := 50
	offset := 0
	if v, errParse := strconv.Atoi(c.Query("limit")); errParse == nil && v > 0 {
		limit = v
	}
	if limit > 500 {
		limit = 500
	}
	if v, errParse := strconv.Atoi(c.Query("offset")); errParse == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
