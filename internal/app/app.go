// Package app wires configuration, storage, providers, services, and HTTP
// routes into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/howard-research/surveybackend/internal/config"
	"github.com/howard-research/surveybackend/internal/db"
	"github.com/howard-research/surveybackend/internal/enrollment"
	"github.com/howard-research/surveybackend/internal/events"
	"github.com/howard-research/surveybackend/internal/giftcards"
	adminapi "github.com/howard-research/surveybackend/internal/http/api/admin"
	publicapi "github.com/howard-research/surveybackend/internal/http/api/public"
	"github.com/howard-research/surveybackend/internal/invitations"
	"github.com/howard-research/surveybackend/internal/logging"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/participants"
	"github.com/howard-research/surveybackend/internal/pool"
	"github.com/howard-research/surveybackend/internal/providers"
	"github.com/howard-research/surveybackend/internal/security"
	"github.com/howard-research/surveybackend/internal/verify"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database and runs migrations, then exits. Used by the
// --migrate flag so deploys can run schema changes before rolling the server.
func Migrate(ctx context.Context, cfg *config.Config) error {
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the full service and blocks until ctx is canceled.
func RunServer(ctx context.Context, cfg *config.Config) error {
	logging.Setup(cfg.Logging)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	if errSeed := seedAdmin(ctx, conn); errSeed != nil {
		return errSeed
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if errPing := redisClient.Ping(ctx).Err(); errPing != nil {
		return fmt.Errorf("app: redis ping: %w", errPing)
	}
	defer redisClient.Close()

	messaging := providers.NewTwilioClient(cfg.Twilio)
	email := providers.NewSendGridClient(cfg.SendGrid)
	shortener := providers.NewBitlyClient(cfg.Bitly)

	poolSvc := pool.NewService(conn)
	participantSvc := participants.NewService(conn)
	invitationSvc := invitations.NewService(conn, poolSvc, participantSvc, messaging, email, shortener)
	giftCardSvc := giftcards.NewService(conn, poolSvc, messaging, email)
	enrollmentSvc := enrollment.NewService(conn)
	codeStore := verify.NewRedisCodeStore(redisClient)
	verifySvc := verify.NewService(codeStore, enrollmentSvc, participantSvc, messaging, cfg.Verify.CodeTTL)

	sweeper := pool.NewSweeper(poolSvc, cfg.Sweep.Interval)
	sweeper.Start(ctx)

	retention := events.NewRetentionCleaner(conn, cfg.Retention.SMSEventDays)
	retention.Start(ctx)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	adminapi.RegisterAdminRoutes(engine, adminapi.Deps{
		DB:           conn,
		JWT:          cfg.JWT,
		Pool:         poolSvc,
		Invitations:  invitationSvc,
		GiftCards:    giftCardSvc,
		Enrollment:   enrollmentSvc,
		Participants: participantSvc,
	})
	publicapi.RegisterPublicRoutes(engine, publicapi.Deps{
		Enrollment:  enrollmentSvc,
		Verify:      verifySvc,
		Invitations: invitationSvc,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("app: listening on %s", cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return fmt.Errorf("app: shutdown: %w", errShutdown)
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// seedAdmin creates the first admin account from ADMIN_USERNAME and
// ADMIN_PASSWORD when the admins table is empty, so a fresh deploy can sign
// in without manual SQL.
func seedAdmin(ctx context.Context, conn *gorm.DB) error {
	var count int64
	if errCount := conn.WithContext(ctx).Model(&models.Admin{}).Count(&count).Error; errCount != nil {
		return fmt.Errorf("app: count admins: %w", errCount)
	}
	if count > 0 {
		return nil
	}

	username := strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		log.Warn("app: no admins exist and ADMIN_USERNAME/ADMIN_PASSWORD are unset, admin API is unreachable")
		return nil
	}

	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("app: hash admin password: %w", errHash)
	}
	admin := models.Admin{Username: username, Password: hash, Active: true}
	if errCreate := conn.WithContext(ctx).Create(&admin).Error; errCreate != nil {
		return fmt.Errorf("app: seed admin: %w", errCreate)
	}
	log.Infof("app: seeded initial admin %q", username)
	return nil
}
