package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GiftCardPoolCard is one prepaid gift card code held in the pool until sent.
type GiftCardPoolCard struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	CardCode      string   `gorm:"type:text;not null;uniqueIndex"` // Redeemable card code.
	CardType      string   `gorm:"type:text;not null;default:'AMAZON'"`
	CardValue     *float64 `gorm:"type:decimal(10,2)"` // Face value when known.
	RedemptionURL string   `gorm:"type:text;not null"` // Where the code is redeemed.

	Status     PoolStatus `gorm:"type:text;not null;default:'AVAILABLE';index"` // Lifecycle state.
	BatchLabel *string    `gorm:"type:text;index"`                              // Optional upload batch partition.

	UploadedBy string    `gorm:"type:text;not null"`      // Admin who uploaded the card.
	UploadedAt time.Time `gorm:"not null;autoCreateTime"` // Upload timestamp; claim order key.
	ExpiresAt  *time.Time

	AssignedAt         *time.Time // Set when the card is claimed.
	AssignedGiftCardID *string    `gorm:"type:uuid;index"` // Gift card allocation that consumed this card.
}

// BeforeCreate assigns a UUID primary key when absent.
func (p *GiftCardPoolCard) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
