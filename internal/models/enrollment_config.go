package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EnrollmentConfig is the single-row enrollment cap configuration.
// It is always read fresh from the database; the row, not process memory,
// is the source of truth for the admission gate.
type EnrollmentConfig struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	MaxParticipants *int `gorm:"type:integer"`          // Enrollment cap; nil means unlimited.
	IsActive        bool `gorm:"not null;default:true"` // Enrollment switched on at all.

	UpdatedBy string    `gorm:"type:text;not null;default:'SYSTEM'"` // Last admin to change the row.
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// BeforeCreate assigns a UUID primary key when absent.
func (e *EnrollmentConfig) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
