package db

import (
	"fmt"

	"github.com/howard-research/surveybackend/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the service owns.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Participant{},
		&models.SurveyLink{},
		&models.Invitation{},
		&models.GiftCardPoolCard{},
		&models.GiftCard{},
		&models.DistributionLog{},
		&models.SMSEventLog{},
		&models.EnrollmentConfig{},
		&models.Admin{},
	)
}
