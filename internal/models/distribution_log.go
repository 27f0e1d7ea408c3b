package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DistributionAction tags one audit entry in a gift card's history.
type DistributionAction string

const (
	ActionCreated   DistributionAction = "created"
	ActionSent      DistributionAction = "sent"
	ActionResent    DistributionAction = "resent"
	ActionDelivered DistributionAction = "delivered"
	ActionFailed    DistributionAction = "failed"
	ActionUnsent    DistributionAction = "unsent"
	ActionAdminNote DistributionAction = "admin_note"
)

// DistributionLog is an append-only audit record for gift card actions.
// Rows are never updated; unsent entries double as the durable source for
// reconstructing reverted sends after the participant row is gone.
type DistributionLog struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	GiftCardID  string             `gorm:"type:uuid;not null;index"` // Gift card this entry belongs to.
	Action      DistributionAction `gorm:"type:text;not null;index"` // What happened.
	PerformedBy string             `gorm:"type:text;not null"`       // Admin username or SYSTEM.

	Details datatypes.JSON `gorm:"type:jsonb"` // Structured action payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Entry timestamp.
}

// BeforeCreate assigns a UUID primary key when absent.
func (d *DistributionLog) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// SendDetails is the log payload for send and resend attempts.
type SendDetails struct {
	DeliveryMethod string  `json:"delivery_method"`
	EmailSent      bool    `json:"email_sent"`
	SMSSent        bool    `json:"sms_sent"`
	EmailError     *string `json:"email_error,omitempty"`
	SMSError       *string `json:"sms_error,omitempty"`
}

// UnsentSnapshot captures allocation and participant state before an unsend
// mutates anything. The participant fields are copied by value because the
// participant row may later be deleted.
type UnsentSnapshot struct {
	CardCode         *string  `json:"card_code"`
	CardType         *string  `json:"card_type,omitempty"`
	CardValue        *float64 `json:"card_value,omitempty"`
	PreviousStatus   string   `json:"previous_status"`
	ParticipantPhone string   `json:"participant_phone"`
	ParticipantEmail *string  `json:"participant_email,omitempty"`
	ParticipantName  *string  `json:"participant_name,omitempty"`
	PoolCardID       *string  `json:"pool_card_id,omitempty"`
	SentAt           *string  `json:"sent_at,omitempty"`
	SentBy           *string  `json:"sent_by,omitempty"`
	Source           string   `json:"source"`
}

// NoteDetails is the log payload for admin notes.
type NoteDetails struct {
	Notes string `json:"notes"`
}

// DeliveryStatusDetails is the log payload for provider delivery callbacks.
type DeliveryStatusDetails struct {
	Method string `json:"method"`
	Status string `json:"status"`
}
