package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PoolStatus is the lifecycle state of a pooled resource row.
type PoolStatus string

// Pool resource states shared by survey links and gift card pool cards.
const (
	PoolStatusAvailable PoolStatus = "AVAILABLE" // Eligible for claiming.
	PoolStatusAssigned  PoolStatus = "ASSIGNED"  // Claimed and bound to an allocation.
	PoolStatusExhausted PoolStatus = "EXHAUSTED" // Consumed; terminal.
	PoolStatusExpired   PoolStatus = "EXPIRED"   // Past expiry; terminal.
	PoolStatusInvalid   PoolStatus = "INVALID"   // Rejected by admin or provider; terminal.
)

// SurveyLink is one uniquely-coded survey URL in the link pool.
type SurveyLink struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	LinkURL      string  `gorm:"type:text;not null;uniqueIndex"` // One-time survey URL handed to a participant.
	ShortLinkURL *string `gorm:"type:text"`                      // Optional shortened URL.

	Status     PoolStatus `gorm:"type:text;not null;default:'AVAILABLE';index"` // Lifecycle state.
	BatchLabel *string    `gorm:"type:text;index"`                              // Optional upload batch partition.

	UploadedBy string    `gorm:"type:text;not null"`      // Admin who uploaded the link.
	UploadedAt time.Time `gorm:"not null;autoCreateTime"` // Upload timestamp; claim order key.
	ExpiresAt  *time.Time

	AssignedAt           *time.Time // Set when the link is claimed.
	AssignedInvitationID *string    `gorm:"type:uuid;index"` // Invitation that consumed this link.
}

// BeforeCreate assigns a UUID primary key when absent.
func (l *SurveyLink) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
