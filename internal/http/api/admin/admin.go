// Package admin registers the authenticated administrative API.
package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/config"
	"github.com/howard-research/surveybackend/internal/enrollment"
	"github.com/howard-research/surveybackend/internal/giftcards"
	"github.com/howard-research/surveybackend/internal/http/api/admin/handlers"
	"github.com/howard-research/surveybackend/internal/invitations"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/participants"
	"github.com/howard-research/surveybackend/internal/pool"
	"github.com/howard-research/surveybackend/internal/security"
	"gorm.io/gorm"
)

// Deps carries the services the admin API exposes.
type Deps struct {
	DB           *gorm.DB
	JWT          config.JWTConfig
	Pool         *pool.Service
	Invitations  *invitations.Service
	GiftCards    *giftcards.Service
	Enrollment   *enrollment.Service
	Participants *participants.Service
}

// RegisterAdminRoutes registers the admin login route and the token-guarded
// management API under /v0/admin.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	group := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(deps.DB, deps.JWT)
	group.POST("/login", authHandler.Login)

	authed := group.Group("")
	authed.Use(adminAuthMiddleware(deps.DB, deps.JWT))

	linkHandler := handlers.NewLinkPoolHandler(deps.Pool)
	authed.POST("/links/upload", linkHandler.Upload)
	authed.GET("/links", linkHandler.List)
	authed.GET("/links/stats", linkHandler.Stats)
	authed.POST("/links/:id/invalidate", linkHandler.Invalidate)
	authed.DELETE("/links/:id", linkHandler.Delete)
	authed.POST("/links/reconcile", linkHandler.Reconcile)

	cardHandler := handlers.NewCardPoolHandler(deps.Pool)
	authed.POST("/gift-card-pool/upload", cardHandler.Upload)
	authed.POST("/gift-card-pool", cardHandler.Add)
	authed.GET("/gift-card-pool", cardHandler.List)
	authed.GET("/gift-card-pool/stats", cardHandler.Stats)
	authed.PUT("/gift-card-pool/:id", cardHandler.Update)
	authed.DELETE("/gift-card-pool/:id", cardHandler.Delete)
	authed.POST("/gift-card-pool/:id/expire", cardHandler.Expire)
	authed.POST("/gift-card-pool/reconcile", cardHandler.Reconcile)

	invitationHandler := handlers.NewInvitationHandler(deps.Invitations)
	authed.POST("/invitations/send", invitationHandler.AssignAndSend)
	authed.GET("/invitations", invitationHandler.List)
	authed.GET("/invitations/:id", invitationHandler.Get)
	authed.POST("/invitations/:id/resend", invitationHandler.Resend)
	authed.POST("/invitations/:id/complete", invitationHandler.Complete)
	authed.POST("/invitations/:id/uncomplete", invitationHandler.Uncomplete)
	authed.POST("/invitations/bulk-complete", invitationHandler.BulkComplete)

	giftCardHandler := handlers.NewGiftCardHandler(deps.GiftCards)
	authed.POST("/gift-cards/send", giftCardHandler.Send)
	authed.GET("/gift-cards", giftCardHandler.List)
	authed.GET("/gift-cards/eligible", giftCardHandler.Eligible)
	authed.GET("/gift-cards/unsent", giftCardHandler.ListUnsent)
	authed.GET("/gift-cards/:id", giftCardHandler.Get)
	authed.POST("/gift-cards/:id/resend", giftCardHandler.Resend)
	authed.POST("/gift-cards/:id/unsend", giftCardHandler.Unsend)
	authed.PUT("/gift-cards/:id/delivery-status", giftCardHandler.UpdateDeliveryStatus)
	authed.DELETE("/gift-cards/:id", giftCardHandler.Delete)
	authed.PUT("/gift-cards/:id/notes", giftCardHandler.AddNotes)
	authed.POST("/gift-cards/:id/redeemed", giftCardHandler.MarkRedeemed)
	authed.GET("/gift-cards/:id/logs", giftCardHandler.Logs)
	authed.DELETE("/gift-cards/:id/logs", giftCardHandler.PurgeLogs)
	authed.POST("/gift-cards/pending", giftCardHandler.CreatePending)

	participantHandler := handlers.NewParticipantHandler(deps.Participants, deps.Invitations)
	authed.GET("/participants", participantHandler.List)
	authed.GET("/participants/:id", participantHandler.Get)
	authed.DELETE("/participants/:id", participantHandler.Delete)
	authed.POST("/participants/:id/opt-out", participantHandler.OptOut)

	enrollmentHandler := handlers.NewEnrollmentHandler(deps.Enrollment)
	authed.GET("/enrollment", enrollmentHandler.GetConfig)
	authed.PUT("/enrollment", enrollmentHandler.UpdateConfig)
	authed.DELETE("/enrollment/cap", enrollmentHandler.ClearCap)
}

// adminAuthMiddleware validates the bearer token and loads the admin row so
// revoked accounts lose access immediately, not at token expiry.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, strings.TrimSpace(token))
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).Where("id = ?", claims.AdminID).First(&admin).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin disabled"})
			return
		}

		c.Set("admin_id", admin.ID)
		c.Set("admin_username", admin.Username)
		c.Next()
	}
}
