package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SMSEventLog records raw provider webhook events for later diagnosis.
type SMSEventLog struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	InvitationID *string `gorm:"type:uuid;index"` // Invitation the event maps to, when resolvable.
	MessageSID   *string `gorm:"column:message_sid;type:text;index"` // Provider message ID.
	EventType    string  `gorm:"type:text;not null"` // Provider status or "completed".

	Payload datatypes.JSON `gorm:"type:jsonb"` // Raw webhook payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Entry timestamp.
}

// BeforeCreate assigns a UUID primary key when absent.
func (s *SMSEventLog) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
