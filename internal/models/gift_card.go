package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GiftCardStatus is the delivery lifecycle of an issued gift card.
type GiftCardStatus string

const (
	GiftCardPending   GiftCardStatus = "PENDING"   // Earned but not yet sent.
	GiftCardSent      GiftCardStatus = "SENT"      // Delivery attempted and accepted.
	GiftCardDelivered GiftCardStatus = "DELIVERED" // Confirmed by a provider callback.
	GiftCardRedeemed  GiftCardStatus = "REDEEMED"  // Participant redeemed the code.
	GiftCardFailed    GiftCardStatus = "FAILED"    // Every requested channel failed; card released.
	GiftCardUnsent    GiftCardStatus = "UNSENT"    // Explicitly reverted by an admin.
)

// Gift card provenance values.
const (
	GiftCardSourcePool   = "POOL"
	GiftCardSourceManual = "MANUAL"
)

// GiftCard is the allocation of one pool card to a participant's completed
// invitation. The card code is denormalized from the pool row at send time;
// the pool row remains authoritative for claim status.
type GiftCard struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	ParticipantID string       `gorm:"type:uuid;not null;index;uniqueIndex:idx_gift_cards_participant_invitation"` // Rewarded participant.
	Participant   *Participant `gorm:"foreignKey:ParticipantID"`
	InvitationID  string       `gorm:"type:uuid;not null;uniqueIndex:idx_gift_cards_participant_invitation"` // Completed invitation being rewarded.

	CardCode      *string  `gorm:"type:text"` // Denormalized code; set once a pool card is bound.
	CardType      *string  `gorm:"type:text"`
	CardValue     *float64 `gorm:"type:decimal(10,2)"`
	RedemptionURL *string  `gorm:"type:text"`

	Status GiftCardStatus `gorm:"type:text;not null;default:'PENDING';index"` // Delivery lifecycle state.
	Source string         `gorm:"type:text;not null;default:'MANUAL'"`        // POOL or MANUAL.

	PoolCardID *string `gorm:"type:uuid;index"` // Pool card consumed by this allocation.

	SentBy      *string `gorm:"type:text"` // Admin who triggered the send.
	Notes       *string `gorm:"type:text"`
	SentAt      *time.Time
	DeliveredAt *time.Time
	RedeemedAt  *time.Time
	ExpiresAt   *time.Time

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BeforeCreate assigns a UUID primary key when absent.
func (g *GiftCard) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return nil
}
