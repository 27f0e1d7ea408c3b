package invitations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// terminalStatuses are delivery states a provider callback may not overwrite.
var terminalStatuses = map[string]bool{
	models.MessageDelivered: true,
	models.MessageCompleted: true,
}

// HandleSMSStatus applies a provider delivery callback to the invitation that
// owns the message SID and records the raw event. Unknown SIDs still get an
// event row so late or misrouted callbacks stay diagnosable.
func (s *Service) HandleSMSStatus(ctx context.Context, sid, providerStatus string, errorCode *string, rawPayload []byte) error {
	status := normalizeProviderStatus(providerStatus)

	var invitationID *string
	var inv models.Invitation
	errFind := s.db.WithContext(ctx).Where("message_sid = ?", sid).First(&inv).Error
	switch {
	case errFind == nil:
		invitationID = &inv.ID
		if status != "" && !terminalStatuses[inv.MessageStatus] {
			if errApply := s.applyDeliveryStatus(ctx, &inv, status, errorCode); errApply != nil {
				return errApply
			}
		}
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		log.Warnf("invitations: status callback for unknown SID %s (%s)", sid, providerStatus)
	default:
		return fmt.Errorf("invitations: lookup by SID: %w", errFind)
	}

	event := models.SMSEventLog{
		InvitationID: invitationID,
		MessageSID:   &sid,
		EventType:    providerStatus,
		Payload:      datatypes.JSON(rawPayload),
	}
	if errLog := s.db.WithContext(ctx).Create(&event).Error; errLog != nil {
		return fmt.Errorf("invitations: record sms event: %w", errLog)
	}
	return nil
}

func (s *Service) applyDeliveryStatus(ctx context.Context, inv *models.Invitation, status string, errorCode *string) error {
	now := time.Now().UTC()
	updates := map[string]any{"message_status": status}
	switch status {
	case models.MessageSent:
		updates["sent_at"] = now
	case models.MessageDelivered:
		updates["delivered_at"] = now
	case models.MessageFailed:
		updates["failed_at"] = now
		if errorCode != nil {
			updates["error_code"] = *errorCode
		}
	}
	if errUpdate := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ?", inv.ID).Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("invitations: apply status %s: %w", status, errUpdate)
	}
	log.Infof("invitations: %s message status %s -> %s", inv.ID, inv.MessageStatus, status)
	return nil
}

func normalizeProviderStatus(providerStatus string) string {
	switch providerStatus {
	case "accepted", "queued", "sending":
		return models.MessageQueued
	case "sent":
		return models.MessageSent
	case "delivered", "read":
		return models.MessageDelivered
	case "failed", "undelivered", "canceled":
		return models.MessageFailed
	default:
		return ""
	}
}

// HandleCompletion processes a survey-platform completion callback carrying
// the link URL the participant finished. It completes the matching active
// invitation, retires the link, and queues a PENDING gift card.
func (s *Service) HandleCompletion(ctx context.Context, linkURL string) (*models.Invitation, error) {
	var inv models.Invitation
	errFind := s.db.WithContext(ctx).
		Where("(link_url = ? OR short_link_url = ?) AND completed_at IS NULL", linkURL, linkURL).
		First(&inv).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("invitations: no active invitation for link: %w", core.ErrNotFound)
	}
	if errFind != nil {
		return nil, fmt.Errorf("invitations: completion lookup: %w", errFind)
	}

	if errComplete := s.Complete(ctx, inv.ID); errComplete != nil {
		return nil, errComplete
	}

	event := models.SMSEventLog{
		InvitationID: &inv.ID,
		MessageSID:   inv.MessageSID,
		EventType:    "completed",
	}
	if errLog := s.db.WithContext(ctx).Create(&event).Error; errLog != nil {
		log.Warnf("invitations: record completion event for %s: %v", inv.ID, errLog)
	}
	return s.Get(ctx, inv.ID)
}

// Complete marks an invitation finished: stamps CompletedAt, clears the
// active-uniqueness key so the participant may be invited again later,
// retires the consumed link, and creates the PENDING gift card entitlement.
// Completing an already-completed invitation is a conflict.
func (s *Service) Complete(ctx context.Context, invitationID string) error {
	inv, errGet := s.Get(ctx, invitationID)
	if errGet != nil {
		return errGet
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&models.Invitation{}).
			Where("id = ? AND completed_at IS NULL", invitationID).
			Updates(map[string]any{
				"completed_at":   now,
				"active_key":     nil,
				"message_status": models.MessageCompleted,
			})
		if res.Error != nil {
			return fmt.Errorf("invitations: complete: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("invitations: %s already completed: %w", invitationID, core.ErrConflict)
		}

		if errRetire := s.pool.WithTx(tx).MarkLinkExhausted(ctx, inv.LinkID); errRetire != nil {
			return errRetire
		}

		card := models.GiftCard{
			ParticipantID: inv.ParticipantID,
			InvitationID:  inv.ID,
			Status:        models.GiftCardPending,
			Source:        models.GiftCardSourcePool,
		}
		if errCard := tx.Create(&card).Error; errCard != nil {
			// A pending card may already exist from an earlier completion
			// cycle of the same invitation.
			if errors.Is(errCard, gorm.ErrDuplicatedKey) {
				return nil
			}
			return fmt.Errorf("invitations: create pending gift card: %w", errCard)
		}
		return nil
	})
	if errTx != nil {
		return errTx
	}
	log.Infof("invitations: completed %s (participant %s)", invitationID, inv.ParticipantID)
	return nil
}

// Uncomplete reverses an accidental completion, restoring the invitation as
// the participant's active one. Fails with core.ErrConflict if the
// participant has since been issued another active invitation.
func (s *Service) Uncomplete(ctx context.Context, invitationID string) error {
	inv, errGet := s.Get(ctx, invitationID)
	if errGet != nil {
		return errGet
	}
	if inv.Active() {
		return fmt.Errorf("invitations: %s not completed: %w", invitationID, core.ErrConflict)
	}

	res := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ? AND completed_at IS NOT NULL", invitationID).
		Updates(map[string]any{
			"completed_at":   nil,
			"active_key":     inv.ParticipantID,
			"message_status": models.MessageDelivered,
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("invitations: participant %s already has an active invitation: %w", inv.ParticipantID, core.ErrConflict)
		}
		return fmt.Errorf("invitations: uncomplete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrConflict
	}
	return nil
}

// BulkCompleteResult summarizes a bulk completion request.
type BulkCompleteResult struct {
	Completed int      `json:"completed"`
	Errors    []string `json:"errors"`
}

// BulkComplete completes a batch of invitations, collecting per-row errors
// instead of failing the batch.
func (s *Service) BulkComplete(ctx context.Context, invitationIDs []string) *BulkCompleteResult {
	result := &BulkCompleteResult{}
	for _, id := range invitationIDs {
		if errComplete := s.Complete(ctx, id); errComplete != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", id, errComplete))
			continue
		}
		result.Completed++
	}
	return result
}

// List returns invitations filtered by optional status and participant.
func (s *Service) List(ctx context.Context, status *string, participantID *string, limit, offset int) ([]models.Invitation, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Invitation{})
	if status != nil && *status != "" {
		q = q.Where("message_status = ?", *status)
	}
	if participantID != nil && *participantID != "" {
		q = q.Where("participant_id = ?", *participantID)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("invitations: count: %w", errCount)
	}
	var rows []models.Invitation
	if errFind := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("invitations: list: %w", errFind)
	}
	return rows, total, nil
}
