package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Invitation message delivery states, driven by provider callbacks.
const (
	MessagePending   = "pending"
	MessageQueued    = "queued"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageFailed    = "failed"
	MessageCompleted = "completed"
)

// Invitation binds one claimed survey link to one participant.
//
// ActiveKey mirrors ParticipantID while the invitation is active (not yet
// completed) and is nulled on completion. Its unique index is what enforces
// "at most one active invitation per participant" at the database level;
// concurrent duplicate assignments trip the constraint rather than racing.
type Invitation struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	ParticipantID string       `gorm:"type:uuid;not null;index"`  // Owning participant.
	Participant   *Participant `gorm:"foreignKey:ParticipantID"`  // Associated participant record.
	LinkID        string       `gorm:"type:uuid;not null;index"`  // Claimed survey link.
	ActiveKey     *string      `gorm:"type:uuid;uniqueIndex"`     // Uniqueness guard for active invitations.

	// Denormalized from the claimed link so resends never need a join.
	// The SurveyLink row remains authoritative for pool status.
	LinkURL      string  `gorm:"type:text;not null"`
	ShortLinkURL *string `gorm:"type:text"`

	MessageSID    *string `gorm:"column:message_sid;type:text;index"`    // Provider message ID once queued.
	MessageStatus string  `gorm:"type:text;not null;default:'pending'"` // Delivery state.
	ErrorCode     *string `gorm:"type:text"`                             // Provider error on failure.

	QueuedAt    *time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time
	FailedAt    *time.Time
	CompletedAt *time.Time // Survey completion; clears ActiveKey.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BeforeCreate assigns a UUID primary key and the active-uniqueness key.
func (i *Invitation) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.ActiveKey == nil && i.CompletedAt == nil {
		key := i.ParticipantID
		i.ActiveKey = &key
	}
	return nil
}

// Active reports whether this invitation still holds its participant's slot.
func (i *Invitation) Active() bool {
	return i.CompletedAt == nil
}
