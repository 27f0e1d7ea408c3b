package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ParticipantStatus reflects whether a participant may receive messages.
type ParticipantStatus string

const (
	ParticipantSubscribed ParticipantStatus = "SUBSCRIBED"
	ParticipantOptedOut   ParticipantStatus = "OPTED_OUT"
)

// Participant is one study participant keyed by phone number.
type Participant struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	Phone string  `gorm:"type:text;not null;uniqueIndex"` // E.164 phone number.
	Name  *string `gorm:"type:text"`
	Email *string `gorm:"type:text"`

	Status        ParticipantStatus `gorm:"type:text;not null;default:'SUBSCRIBED'"` // Messaging consent state.
	PhoneVerified bool              `gorm:"not null;default:false"`                  // Passed identity verification.
	VerifiedAt    *time.Time        // When verification was committed.
	EnrolledAt    *time.Time        // When the participant first received a survey link.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BeforeCreate assigns a UUID primary key when absent.
func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
