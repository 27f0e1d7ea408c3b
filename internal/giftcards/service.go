// Package giftcards orchestrates gift card rewards: claiming a pool card,
// binding it to a participant's completed invitation, multi-channel
// delivery, and the compensating rollback that returns the card to the pool
// when delivery fails.
//
// The rollback is deliberate bookkeeping, not a transaction abort. The claim
// and the failed delivery attempt both really happened, so both are recorded
// in the distribution log before the pool card is released.
package giftcards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/pool"
	"github.com/howard-research/surveybackend/internal/providers"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Delivery methods accepted by Send.
const (
	MethodEmail = "EMAIL"
	MethodSMS   = "SMS"
	MethodBoth  = "BOTH"
)

// systemActor is the audit identity for provider-driven log entries.
const systemActor = "SYSTEM"

// Service manages gift card allocations and their audit history.
type Service struct {
	db        *gorm.DB
	pool      *pool.Service
	messaging providers.Messaging
	email     providers.Email
}

// NewService constructs a gift card service.
func NewService(db *gorm.DB, poolSvc *pool.Service, messaging providers.Messaging, email providers.Email) *Service {
	return &Service{db: db, pool: poolSvc, messaging: messaging, email: email}
}

// Get returns one gift card with its participant preloaded.
func (s *Service) Get(ctx context.Context, giftCardID string) (*models.GiftCard, error) {
	var card models.GiftCard
	errFind := s.db.WithContext(ctx).Preload("Participant").Where("id = ?", giftCardID).First(&card).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("giftcards: %s: %w", giftCardID, core.ErrNotFound)
	}
	if errFind != nil {
		return nil, fmt.Errorf("giftcards: get: %w", errFind)
	}
	return &card, nil
}

// Send issues a gift card for a participant's completed invitation. It
// claims a pool card, binds it to the allocation as SENT, then attempts each
// requested channel independently. If the method's success criterion is not
// met (EMAIL needs email to succeed, SMS needs SMS, BOTH needs at least
// one), the allocation is rolled back to FAILED and the pool card released.
func (s *Service) Send(ctx context.Context, participantID, invitationID, deliveryMethod, adminUsername string) (*models.GiftCard, error) {
	method := strings.ToUpper(strings.TrimSpace(deliveryMethod))
	if method != MethodEmail && method != MethodSMS && method != MethodBoth {
		return nil, fmt.Errorf("giftcards: unknown delivery method %q: %w", deliveryMethod, core.ErrConflict)
	}

	var participant models.Participant
	if errFind := s.db.WithContext(ctx).Where("id = ?", participantID).First(&participant).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("giftcards: participant %s: %w", participantID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("giftcards: load participant: %w", errFind)
	}

	var invitation models.Invitation
	if errFind := s.db.WithContext(ctx).Where("id = ?", invitationID).First(&invitation).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("giftcards: invitation %s: %w", invitationID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("giftcards: load invitation: %w", errFind)
	}
	if invitation.ParticipantID != participantID {
		return nil, fmt.Errorf("giftcards: invitation %s does not belong to participant %s: %w", invitationID, participantID, core.ErrConflict)
	}

	if errMethod := validateContact(method, &participant); errMethod != nil {
		return nil, errMethod
	}

	// Reject a double-issue before touching the pool.
	existing, errExisting := s.findAllocation(ctx, participantID, invitationID)
	if errExisting != nil && !errors.Is(errExisting, core.ErrNotFound) {
		return nil, errExisting
	}
	if existing != nil && (existing.Status == models.GiftCardSent || existing.Status == models.GiftCardRedeemed) {
		return nil, fmt.Errorf("giftcards: invitation %s already rewarded: %w", invitationID, core.ErrConflict)
	}

	poolCard, errClaim := s.pool.ClaimCard(ctx, nil)
	if errClaim != nil {
		return nil, errClaim
	}

	giftCard, errBind := s.bindSent(ctx, existing, &participant, &invitation, poolCard, adminUsername)
	if errBind != nil {
		// The claim succeeded but the bind did not; put the card back.
		if errRelease := s.pool.ReleaseCard(ctx, poolCard.ID); errRelease != nil {
			log.Errorf("giftcards: release card %s after bind failure: %v", poolCard.ID, errRelease)
		}
		return nil, errBind
	}

	details := s.deliverChannels(ctx, giftCard, &participant, method)

	if !deliverySucceeded(method, details) {
		if errRollback := s.rollbackFailedSend(ctx, giftCard, poolCard.ID, adminUsername, details); errRollback != nil {
			return nil, errRollback
		}
		return nil, fmt.Errorf("giftcards: %s delivery to participant %s failed: %w", method, participantID, core.ErrDeliveryFailed)
	}

	s.appendLog(ctx, giftCard.ID, models.ActionSent, adminUsername, details)
	log.Infof("giftcards: sent card %s to participant %s via %s by %s", giftCard.ID, participantID, method, adminUsername)
	return s.Get(ctx, giftCard.ID)
}

// Resend re-delivers an already-sent card over both available channels.
func (s *Service) Resend(ctx context.Context, giftCardID, adminUsername string) (*models.GiftCard, error) {
	giftCard, errGet := s.Get(ctx, giftCardID)
	if errGet != nil {
		return nil, errGet
	}
	if giftCard.Status != models.GiftCardSent && giftCard.Status != models.GiftCardDelivered {
		return nil, fmt.Errorf("giftcards: %s is %s, only sent cards can be resent: %w", giftCardID, giftCard.Status, core.ErrConflict)
	}
	if giftCard.CardCode == nil {
		return nil, fmt.Errorf("giftcards: %s has no card code bound: %w", giftCardID, core.ErrConflict)
	}

	details := s.deliverChannels(ctx, giftCard, giftCard.Participant, MethodBoth)
	s.appendLog(ctx, giftCard.ID, models.ActionResent, adminUsername, details)
	if !deliverySucceeded(MethodBoth, details) {
		return giftCard, fmt.Errorf("giftcards: resend of %s failed on every channel: %w", giftCardID, core.ErrDeliveryFailed)
	}
	return giftCard, nil
}

func validateContact(method string, p *models.Participant) error {
	hasEmail := p.Email != nil && strings.TrimSpace(*p.Email) != ""
	hasPhone := strings.TrimSpace(p.Phone) != ""
	switch method {
	case MethodEmail:
		if !hasEmail {
			return fmt.Errorf("giftcards: participant has no email address: %w", core.ErrConflict)
		}
	case MethodSMS:
		if !hasPhone {
			return fmt.Errorf("giftcards: participant has no phone number: %w", core.ErrConflict)
		}
	case MethodBoth:
		if !hasEmail && !hasPhone {
			return fmt.Errorf("giftcards: participant has no contact info: %w", core.ErrConflict)
		}
	}
	return nil
}

// findAllocation returns the allocation row for a participant/invitation
// pair, or core.ErrNotFound.
func (s *Service) findAllocation(ctx context.Context, participantID, invitationID string) (*models.GiftCard, error) {
	var card models.GiftCard
	errFind := s.db.WithContext(ctx).
		Where("participant_id = ? AND invitation_id = ?", participantID, invitationID).
		First(&card).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("giftcards: find allocation: %w", errFind)
	}
	return &card, nil
}

// bindSent binds the claimed pool card onto the allocation (creating the
// allocation if the completion callback never made one) and marks it SENT.
func (s *Service) bindSent(ctx context.Context, existing *models.GiftCard, p *models.Participant, inv *models.Invitation, poolCard *models.GiftCardPoolCard, adminUsername string) (*models.GiftCard, error) {
	now := time.Now().UTC()
	cardType := poolCard.CardType
	redemption := poolCard.RedemptionURL

	var giftCard *models.GiftCard
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing == nil {
			giftCard = &models.GiftCard{
				ParticipantID: p.ID,
				InvitationID:  inv.ID,
				Source:        models.GiftCardSourcePool,
			}
			if errCreate := tx.Create(giftCard).Error; errCreate != nil {
				if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
					// A concurrent send won the participant/invitation
					// uniqueness race.
					return fmt.Errorf("giftcards: invitation %s already rewarded: %w", inv.ID, core.ErrConflict)
				}
				return fmt.Errorf("giftcards: create allocation: %w", errCreate)
			}
		} else {
			giftCard = existing
		}

		updates := map[string]any{
			"card_code":      poolCard.CardCode,
			"card_type":      cardType,
			"card_value":     poolCard.CardValue,
			"redemption_url": redemption,
			"pool_card_id":   poolCard.ID,
			"status":         models.GiftCardSent,
			"source":         models.GiftCardSourcePool,
			"sent_at":        now,
			"sent_by":        adminUsername,
			"expires_at":     poolCard.ExpiresAt,
		}
		if errUpdate := tx.Model(&models.GiftCard{}).Where("id = ?", giftCard.ID).Updates(updates).Error; errUpdate != nil {
			return fmt.Errorf("giftcards: bind card: %w", errUpdate)
		}
		return s.pool.WithTx(tx).BindCard(ctx, poolCard.ID, giftCard.ID)
	})
	if errTx != nil {
		return nil, errTx
	}

	code := poolCard.CardCode
	giftCard.CardCode = &code
	giftCard.CardType = &cardType
	giftCard.CardValue = poolCard.CardValue
	giftCard.RedemptionURL = &redemption
	poolID := poolCard.ID
	giftCard.PoolCardID = &poolID
	giftCard.Status = models.GiftCardSent
	giftCard.SentAt = &now
	giftCard.SentBy = &adminUsername
	giftCard.ExpiresAt = poolCard.ExpiresAt
	giftCard.Participant = p
	return giftCard, nil
}

// deliverChannels attempts each requested channel independently and records
// per-channel outcomes. A provider failure on one channel never short
// circuits the other.
func (s *Service) deliverChannels(ctx context.Context, giftCard *models.GiftCard, p *models.Participant, method string) models.SendDetails {
	details := models.SendDetails{DeliveryMethod: method}

	if (method == MethodSMS || method == MethodBoth) && p != nil && p.Phone != "" {
		result, errSend := s.messaging.Send(ctx, p.Phone, giftCardSMSBody(giftCard))
		if errSend != nil {
			msg := errSend.Error()
			details.SMSError = &msg
		} else if !result.OK {
			msg := result.Error
			details.SMSError = &msg
		} else {
			details.SMSSent = true
		}
	}

	if (method == MethodEmail || method == MethodBoth) && p != nil && p.Email != nil && strings.TrimSpace(*p.Email) != "" {
		name := "there"
		if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
			name = strings.TrimSpace(*p.Name)
		}
		result, errSend := s.email.Send(ctx, *p.Email, name, "Your Gift Card - Howard Research Study", giftCardEmailBody(giftCard, name))
		if errSend != nil {
			msg := errSend.Error()
			details.EmailError = &msg
		} else if !result.Success {
			msg := result.ErrorMessage
			details.EmailError = &msg
		} else {
			details.EmailSent = true
		}
	}
	return details
}

func deliverySucceeded(method string, details models.SendDetails) bool {
	switch method {
	case MethodEmail:
		return details.EmailSent
	case MethodSMS:
		return details.SMSSent
	default:
		return details.EmailSent || details.SMSSent
	}
}

// rollbackFailedSend reverts a failed delivery: the allocation goes to
// FAILED with its pool binding cleared, the pool card returns to available,
// and a failed log entry records the per-channel errors. Each write is
// explicit so the audit trail keeps both the claim and the failure.
func (s *Service) rollbackFailedSend(ctx context.Context, giftCard *models.GiftCard, poolCardID, adminUsername string, details models.SendDetails) error {
	s.appendLog(ctx, giftCard.ID, models.ActionFailed, adminUsername, details)

	updates := map[string]any{
		"status":         models.GiftCardFailed,
		"card_code":      nil,
		"card_type":      nil,
		"card_value":     nil,
		"redemption_url": nil,
		"pool_card_id":   nil,
		"sent_at":        nil,
		"sent_by":        nil,
	}
	if errUpdate := s.db.WithContext(ctx).Model(&models.GiftCard{}).Where("id = ?", giftCard.ID).Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("giftcards: mark failed: %w", errUpdate)
	}
	if errRelease := s.pool.ReleaseCard(ctx, poolCardID); errRelease != nil {
		return fmt.Errorf("giftcards: release card after failed send: %w", errRelease)
	}
	log.Warnf("giftcards: send of %s rolled back, pool card %s released", giftCard.ID, poolCardID)
	return nil
}

// appendLog writes one distribution log entry. Log failures are reported but
// never fail the action they describe. Actions whose log entry IS the record
// (unsend snapshots) must use writeLog inside their transaction instead.
func (s *Service) appendLog(ctx context.Context, giftCardID string, action models.DistributionAction, performedBy string, payload any) {
	if errWrite := writeLog(s.db.WithContext(ctx), giftCardID, action, performedBy, payload); errWrite != nil {
		log.Errorf("giftcards: append %s log for %s: %v", action, giftCardID, errWrite)
	}
}

// writeLog inserts one distribution log entry on the given handle, which may
// be a transaction.
func writeLog(db *gorm.DB, giftCardID string, action models.DistributionAction, performedBy string, payload any) error {
	var details datatypes.JSON
	if payload != nil {
		raw, errMarshal := json.Marshal(payload)
		if errMarshal != nil {
			return fmt.Errorf("giftcards: marshal %s log details: %w", action, errMarshal)
		}
		details = datatypes.JSON(raw)
	}
	entry := models.DistributionLog{
		GiftCardID:  giftCardID,
		Action:      action,
		PerformedBy: performedBy,
		Details:     details,
	}
	return db.Create(&entry).Error
}

func giftCardSMSBody(giftCard *models.GiftCard) string {
	value := "gift"
	if giftCard.CardValue != nil {
		value = fmt.Sprintf("$%.2f", *giftCard.CardValue)
	}
	cardType := "AMAZON"
	if giftCard.CardType != nil {
		cardType = *giftCard.CardType
	}
	code := ""
	if giftCard.CardCode != nil {
		code = *giftCard.CardCode
	}
	redemption := ""
	if giftCard.RedemptionURL != nil {
		redemption = *giftCard.RedemptionURL
	}
	expires := "No expiration"
	if giftCard.ExpiresAt != nil {
		expires = giftCard.ExpiresAt.Format("2006-01-02")
	}
	return fmt.Sprintf("Your %s %s gift card is ready! Code: %s Redeem: %s Expires: %s Questions? Call (240) 428-8442",
		value, cardType, code, redemption, expires)
}

func giftCardEmailBody(giftCard *models.GiftCard, name string) string {
	code := ""
	if giftCard.CardCode != nil {
		code = *giftCard.CardCode
	}
	redemption := ""
	if giftCard.RedemptionURL != nil {
		redemption = *giftCard.RedemptionURL
	}
	return fmt.Sprintf(
		`<p>Hi %s,</p><p>Thank you for completing the survey. Here is your gift card:</p><p><strong>Code: %s</strong></p><p><a href="%s">Redeem your card</a></p><p>Questions? Call (240) 428-8442.</p>`,
		name, code, redemption)
}
