// Package invitations issues survey links to participants and tracks each
// invitation through delivery and completion.
//
// Issuance is idempotent per participant: repeated requests return the one
// active invitation instead of consuming more links. The guarantee rests on
// the unique index over Invitation.ActiveKey, not on application locks. Two
// concurrent requests may both claim a link, but only one insert commits;
// the loser re-reads the winner's row and its stranded claim is returned to
// the pool by the reconciliation sweep.
package invitations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/participants"
	"github.com/howard-research/surveybackend/internal/pool"
	"github.com/howard-research/surveybackend/internal/providers"
	"github.com/howard-research/surveybackend/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// issuanceAttempts bounds the lookup/claim/insert loop when concurrent
// requests collide on the active-invitation constraint.
const issuanceAttempts = 3

// Service issues and tracks survey invitations.
type Service struct {
	db           *gorm.DB
	pool         *pool.Service
	participants *participants.Service
	messaging    providers.Messaging
	email        providers.Email
	shortener    providers.Shortener
}

// NewService constructs an invitation service.
func NewService(db *gorm.DB, poolSvc *pool.Service, participantSvc *participants.Service, messaging providers.Messaging, email providers.Email, shortener providers.Shortener) *Service {
	return &Service{
		db:           db,
		pool:         poolSvc,
		participants: participantSvc,
		messaging:    messaging,
		email:        email,
		shortener:    shortener,
	}
}

// Get returns one invitation by ID.
func (s *Service) Get(ctx context.Context, invitationID string) (*models.Invitation, error) {
	var inv models.Invitation
	errFind := s.db.WithContext(ctx).Where("id = ?", invitationID).First(&inv).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("invitations: %s: %w", invitationID, core.ErrNotFound)
	}
	if errFind != nil {
		return nil, fmt.Errorf("invitations: get: %w", errFind)
	}
	return &inv, nil
}

// FindActive returns the participant's active invitation, or core.ErrNotFound.
func (s *Service) FindActive(ctx context.Context, participantID string) (*models.Invitation, error) {
	var inv models.Invitation
	errFind := s.db.WithContext(ctx).
		Where("participant_id = ? AND completed_at IS NULL", participantID).
		First(&inv).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("invitations: find active: %w", errFind)
	}
	return &inv, nil
}

// GetOrAssign returns the participant's active invitation, claiming a fresh
// link and creating one when none exists. The second return value reports
// whether a new invitation was created by this call.
//
// The loop is lookup, claim, insert. An insert that trips the ActiveKey
// unique constraint means a concurrent caller won; the next iteration's
// lookup returns the winner's row. The loser's claimed link keeps no owner
// reference, so the orphan sweep releases it.
func (s *Service) GetOrAssign(ctx context.Context, participantID string, batchLabel *string) (*models.Invitation, bool, error) {
	for attempt := 0; attempt < issuanceAttempts; attempt++ {
		existing, errFind := s.FindActive(ctx, participantID)
		if errFind == nil {
			return existing, false, nil
		}
		if !errors.Is(errFind, core.ErrNotFound) {
			return nil, false, errFind
		}

		link, errClaim := s.pool.ClaimLink(ctx, batchLabel)
		if errClaim != nil {
			return nil, false, errClaim
		}

		inv := models.Invitation{
			ParticipantID: participantID,
			LinkID:        link.ID,
			LinkURL:       link.LinkURL,
			ShortLinkURL:  link.ShortLinkURL,
			MessageStatus: models.MessagePending,
		}
		errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if errCreate := tx.Create(&inv).Error; errCreate != nil {
				return errCreate
			}
			return s.pool.WithTx(tx).BindLink(ctx, link.ID, inv.ID)
		})
		if errTx == nil {
			log.Infof("invitations: assigned link %s to participant %s (invitation %s)", link.ID, participantID, inv.ID)
			return &inv, true, nil
		}
		if errors.Is(errTx, gorm.ErrDuplicatedKey) {
			log.Debugf("invitations: lost issuance race for participant %s, re-reading", participantID)
			continue
		}
		return nil, false, fmt.Errorf("invitations: create: %w", errTx)
	}
	return nil, false, core.ErrRaceLost
}

// SendOutcome reports the result of an assign-and-send request.
type SendOutcome struct {
	Invitation *models.Invitation
	Created    bool // Whether this call consumed a fresh link.
	EmailSent  bool
}

// AssignAndSend runs the full issuance flow for a raw phone number:
// normalize, upsert the participant, issue (or re-read) the invitation,
// shorten the link, and deliver it by SMS plus email when an address is on
// file. Opted-out participants are refused with core.ErrConflict.
func (s *Service) AssignAndSend(ctx context.Context, rawPhone string, batchLabel *string) (*SendOutcome, error) {
	phone, errNorm := participants.NormalizePhone(rawPhone)
	if errNorm != nil {
		return nil, errNorm
	}

	p, errUpsert := s.participants.UpsertSubscriber(ctx, phone)
	if errUpsert != nil {
		return nil, errUpsert
	}
	if p.Status == models.ParticipantOptedOut {
		return nil, fmt.Errorf("invitations: participant %s opted out: %w", phone, core.ErrConflict)
	}

	inv, created, errAssign := s.GetOrAssign(ctx, p.ID, batchLabel)
	if errAssign != nil {
		return nil, errAssign
	}

	s.ensureShortLink(ctx, inv)

	outcome := &SendOutcome{Invitation: inv, Created: created}
	if errSend := s.deliver(ctx, p, inv, false); errSend != nil {
		return outcome, errSend
	}
	if errEnroll := s.participants.MarkEnrolled(ctx, p.ID); errEnroll != nil {
		log.Warnf("invitations: mark enrolled %s: %v", p.ID, errEnroll)
	}
	outcome.EmailSent = s.sendEmailCopy(ctx, p, inv)
	return outcome, nil
}

// Resend re-delivers the invitation's link, optionally as a reminder.
func (s *Service) Resend(ctx context.Context, invitationID string, reminder bool) (*SendOutcome, error) {
	inv, errGet := s.Get(ctx, invitationID)
	if errGet != nil {
		return nil, errGet
	}
	if !inv.Active() {
		return nil, fmt.Errorf("invitations: %s already completed: %w", invitationID, core.ErrConflict)
	}
	p, errP := s.participants.GetByID(ctx, inv.ParticipantID)
	if errP != nil {
		return nil, errP
	}
	if p.Status == models.ParticipantOptedOut {
		return nil, fmt.Errorf("invitations: participant %s opted out: %w", p.Phone, core.ErrConflict)
	}

	s.ensureShortLink(ctx, inv)
	outcome := &SendOutcome{Invitation: inv}
	if errSend := s.deliver(ctx, p, inv, reminder); errSend != nil {
		return outcome, errSend
	}
	outcome.EmailSent = s.sendEmailCopy(ctx, p, inv)
	return outcome, nil
}

// ensureShortLink shortens the invitation's link on first use. A shortener
// failure leaves the long URL in place.
func (s *Service) ensureShortLink(ctx context.Context, inv *models.Invitation) {
	if inv.ShortLinkURL != nil && *inv.ShortLinkURL != "" {
		return
	}
	short := s.shortener.Shorten(ctx, inv.LinkURL)
	if short == "" {
		return
	}
	inv.ShortLinkURL = &short
	if errUpdate := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ?", inv.ID).
		Update("short_link_url", short).Error; errUpdate != nil {
		log.Warnf("invitations: persist short link for %s: %v", inv.ID, errUpdate)
	}
	// Keep the pool row's short URL in step for future audits.
	s.db.WithContext(ctx).Model(&models.SurveyLink{}).
		Where("id = ?", inv.LinkID).
		Update("short_link_url", short)
}

func (s *Service) deliver(ctx context.Context, p *models.Participant, inv *models.Invitation, reminder bool) error {
	body := smsBody(p, inv, reminder)
	result, errSend := s.messaging.Send(ctx, p.Phone, body)
	now := time.Now().UTC()

	if errSend != nil || !result.OK {
		detail := result.Error
		if errSend != nil {
			detail = errSend.Error()
		}
		updates := map[string]any{
			"message_status": models.MessageFailed,
			"failed_at":      now,
			"error_code":     detail,
		}
		if errUpdate := s.db.WithContext(ctx).Model(&models.Invitation{}).Where("id = ?", inv.ID).Updates(updates).Error; errUpdate != nil {
			log.Errorf("invitations: record failed send for %s: %v", inv.ID, errUpdate)
		}
		inv.MessageStatus = models.MessageFailed
		inv.FailedAt = &now
		inv.ErrorCode = &detail
		log.Warnf("invitations: SMS send failed for %s: %s", util.MaskPhone(p.Phone), detail)
		return fmt.Errorf("invitations: send to %s: %s: %w", p.Phone, detail, core.ErrDeliveryFailed)
	}

	status := result.Status
	if status == "" {
		status = models.MessageQueued
	}
	updates := map[string]any{
		"message_sid":    result.SID,
		"message_status": status,
		"queued_at":      now,
		"error_code":     nil,
	}
	if errUpdate := s.db.WithContext(ctx).Model(&models.Invitation{}).Where("id = ?", inv.ID).Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("invitations: record send: %w", errUpdate)
	}
	sid := result.SID
	inv.MessageSID = &sid
	inv.MessageStatus = status
	inv.QueuedAt = &now
	log.Infof("invitations: queued SMS %s to %s", result.SID, util.MaskPhone(p.Phone))
	return nil
}

// sendEmailCopy mirrors the survey link to the participant's email when one
// is on file. Email failures never fail the request.
func (s *Service) sendEmailCopy(ctx context.Context, p *models.Participant, inv *models.Invitation) bool {
	if s.email == nil || p.Email == nil || strings.TrimSpace(*p.Email) == "" {
		return false
	}
	name := "there"
	if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
		name = strings.TrimSpace(*p.Name)
	}
	link := linkToSend(inv)
	html := fmt.Sprintf(
		`<p>Hi %s,</p><p>Thank you for participating in our research study. Here's your survey link:</p><p><a href="%s">Take Survey Now</a></p><p>You can pause and restart at any time. The survey must be completed within 10 days.</p>`,
		name, link)
	result, errSend := s.email.Send(ctx, *p.Email, name, "Your Survey Link - Howard Research Study", html)
	if errSend != nil || !result.Success {
		log.Warnf("invitations: email copy to %s failed: %v %s", *p.Email, errSend, result.ErrorMessage)
		return false
	}
	return true
}

func linkToSend(inv *models.Invitation) string {
	if inv.ShortLinkURL != nil && strings.TrimSpace(*inv.ShortLinkURL) != "" {
		return *inv.ShortLinkURL
	}
	return inv.LinkURL
}

func smsBody(p *models.Participant, inv *models.Invitation, reminder bool) string {
	link := linkToSend(inv)
	if reminder {
		name := "there"
		if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
			name = strings.TrimSpace(*p.Name)
		}
		return fmt.Sprintf("Hi %s! Just a friendly reminder: Please complete the Howard University AI for Health survey. Your link: %s. You can pause and restart anytime. Complete within 10 days to receive your Amazon gift card. Questions? Text us at (240) 428-8442.", name, link)
	}
	return "Here's the Howard University AI for Health survey link: " + link + ". You can pause and restart at any time. The survey MUST be completed within 10 days. Once done, we'll send your Amazon gift card. For questions, text/email us at (240) 428-8442."
}
