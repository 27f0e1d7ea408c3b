package giftcards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/db"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/pool"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CreatePending records a gift card entitlement without sending anything.
// Used when an admin marks a completion manually and the callback path never
// created the allocation.
func (s *Service) CreatePending(ctx context.Context, participantID, invitationID, adminUsername string) (*models.GiftCard, error) {
	card := models.GiftCard{
		ParticipantID: participantID,
		InvitationID:  invitationID,
		Status:        models.GiftCardPending,
		Source:        models.GiftCardSourcePool,
	}
	if errCreate := s.db.WithContext(ctx).Create(&card).Error; errCreate != nil {
		if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("giftcards: allocation already exists for invitation %s: %w", invitationID, core.ErrConflict)
		}
		return nil, fmt.Errorf("giftcards: create pending: %w", errCreate)
	}
	s.appendLog(ctx, card.ID, models.ActionCreated, adminUsername, nil)
	return &card, nil
}

// DeletePending removes an allocation that never went out. Anything past
// PENDING holds a pool card or delivery history and must be unsent instead.
func (s *Service) DeletePending(ctx context.Context, giftCardID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", giftCardID, models.GiftCardPending).
		Delete(&models.GiftCard{})
	if res.Error != nil {
		return fmt.Errorf("giftcards: delete pending: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&models.GiftCard{}).Where("id = ?", giftCardID).Count(&count)
		if count > 0 {
			return fmt.Errorf("giftcards: only pending allocations can be deleted: %w", core.ErrConflict)
		}
		return core.ErrNotFound
	}
	return nil
}

// AddNotes attaches an admin note to a gift card and logs it.
func (s *Service) AddNotes(ctx context.Context, giftCardID, notes, adminUsername string) error {
	res := s.db.WithContext(ctx).Model(&models.GiftCard{}).
		Where("id = ?", giftCardID).
		Update("notes", notes)
	if res.Error != nil {
		return fmt.Errorf("giftcards: add notes: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	s.appendLog(ctx, giftCardID, models.ActionAdminNote, adminUsername, models.NoteDetails{Notes: notes})
	return nil
}

// UpdateDeliveryStatus applies a provider delivery callback for a sent card.
// A delivered event on either channel promotes the card to DELIVERED; failed
// events are logged without demoting the card, since the other channel may
// still land.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, giftCardID, method, status string) error {
	giftCard, errGet := s.Get(ctx, giftCardID)
	if errGet != nil {
		return errGet
	}
	if giftCard.Status != models.GiftCardSent && giftCard.Status != models.GiftCardDelivered {
		return fmt.Errorf("giftcards: %s is %s, delivery callbacks apply to sent cards: %w", giftCardID, giftCard.Status, core.ErrConflict)
	}

	action := models.ActionFailed
	if status == "delivered" {
		action = models.ActionDelivered
		if giftCard.Status == models.GiftCardSent {
			now := time.Now().UTC()
			updates := map[string]any{
				"status":       models.GiftCardDelivered,
				"delivered_at": now,
			}
			if errUpdate := s.db.WithContext(ctx).Model(&models.GiftCard{}).Where("id = ?", giftCardID).Updates(updates).Error; errUpdate != nil {
				return fmt.Errorf("giftcards: mark delivered: %w", errUpdate)
			}
		}
	}
	s.appendLog(ctx, giftCardID, action, systemActor, models.DeliveryStatusDetails{Method: strings.ToUpper(method), Status: status})
	return nil
}

// MarkRedeemed records that the participant redeemed the card.
func (s *Service) MarkRedeemed(ctx context.Context, giftCardID string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.GiftCard{}).
		Where("id = ? AND status IN ?", giftCardID, []models.GiftCardStatus{models.GiftCardSent, models.GiftCardDelivered}).
		Updates(map[string]any{"status": models.GiftCardRedeemed, "redeemed_at": now})
	if res.Error != nil {
		return fmt.Errorf("giftcards: mark redeemed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrConflict
	}
	return nil
}

// Unsend reverses a send: the pool card goes back to available and the
// allocation becomes UNSENT. The allocation row is never deleted; a full
// snapshot of the card and participant is captured into the log before any
// mutation, because the participant row may be deleted afterwards and the
// log entry is then the only surviving record.
func (s *Service) Unsend(ctx context.Context, giftCardID, adminUsername string) error {
	giftCard, errGet := s.Get(ctx, giftCardID)
	if errGet != nil {
		return errGet
	}
	if giftCard.Status == models.GiftCardRedeemed {
		return fmt.Errorf("giftcards: %s already redeemed: %w", giftCardID, core.ErrConflict)
	}
	if giftCard.Status == models.GiftCardUnsent {
		return fmt.Errorf("giftcards: %s already unsent: %w", giftCardID, core.ErrConflict)
	}

	snapshot := models.UnsentSnapshot{
		CardCode:       giftCard.CardCode,
		CardType:       giftCard.CardType,
		CardValue:      giftCard.CardValue,
		PreviousStatus: string(giftCard.Status),
		PoolCardID:     giftCard.PoolCardID,
		SentBy:         giftCard.SentBy,
		Source:         giftCard.Source,
	}
	if giftCard.SentAt != nil {
		sentAt := giftCard.SentAt.UTC().Format(time.RFC3339)
		snapshot.SentAt = &sentAt
	}
	if giftCard.Participant != nil {
		snapshot.ParticipantPhone = giftCard.Participant.Phone
		snapshot.ParticipantEmail = giftCard.Participant.Email
		snapshot.ParticipantName = giftCard.Participant.Name
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if giftCard.PoolCardID != nil {
			if errRelease := s.pool.WithTx(tx).ReleaseCard(ctx, *giftCard.PoolCardID); errRelease != nil {
				return errRelease
			}
		}
		updates := map[string]any{
			"status":         models.GiftCardUnsent,
			"card_code":      nil,
			"card_type":      nil,
			"card_value":     nil,
			"redemption_url": nil,
			"pool_card_id":   nil,
		}
		res := tx.Model(&models.GiftCard{}).
			Where("id = ? AND status = ?", giftCardID, giftCard.Status).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("giftcards: mark unsent: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("giftcards: %s changed state during unsend: %w", giftCardID, core.ErrConflict)
		}
		// The snapshot log entry is the only durable record of what was
		// unsent; it must commit with the mutation or not at all.
		if errLog := writeLog(tx, giftCardID, models.ActionUnsent, adminUsername, snapshot); errLog != nil {
			return fmt.Errorf("giftcards: record unsent snapshot: %w", errLog)
		}
		return nil
	})
	if errTx != nil {
		return errTx
	}

	log.Infof("giftcards: unsent %s by %s (was %s)", giftCardID, adminUsername, giftCard.Status)
	return nil
}

// UnsentRecord is one reverted send reconstructed from its log snapshot.
type UnsentRecord struct {
	GiftCardID string                `json:"gift_card_id"`
	UnsentAt   time.Time             `json:"unsent_at"`
	UnsentBy   string                `json:"unsent_by"`
	Snapshot   models.UnsentSnapshot `json:"snapshot"`
}

// ListUnsent returns every reverted send, newest first, optionally filtered
// by the participant phone captured in the snapshot. The view is built
// purely from unsent log payloads so it survives participant deletion and
// later re-sends of the same allocation.
func (s *Service) ListUnsent(ctx context.Context, phone *string) ([]UnsentRecord, error) {
	q := s.db.WithContext(ctx).
		Where("action = ?", models.ActionUnsent)
	if phone != nil && strings.TrimSpace(*phone) != "" {
		q = q.Where(db.JSONExtractTextExpr(s.db, "details", "participant_phone")+" = ?", strings.TrimSpace(*phone))
	}
	var entries []models.DistributionLog
	errFind := q.Order("created_at DESC").
		Find(&entries).Error
	if errFind != nil {
		return nil, fmt.Errorf("giftcards: list unsent: %w", errFind)
	}

	records := make([]UnsentRecord, 0, len(entries))
	for _, entry := range entries {
		var snapshot models.UnsentSnapshot
		if len(entry.Details) > 0 {
			if errUnmarshal := json.Unmarshal(entry.Details, &snapshot); errUnmarshal != nil {
				log.Warnf("giftcards: corrupt unsent snapshot on log %s: %v", entry.ID, errUnmarshal)
				continue
			}
		}
		records = append(records, UnsentRecord{
			GiftCardID: entry.GiftCardID,
			UnsentAt:   entry.CreatedAt,
			UnsentBy:   entry.PerformedBy,
			Snapshot:   snapshot,
		})
	}
	return records, nil
}

// Logs returns a gift card's distribution history, newest first.
func (s *Service) Logs(ctx context.Context, giftCardID string) ([]models.DistributionLog, error) {
	var entries []models.DistributionLog
	errFind := s.db.WithContext(ctx).
		Where("gift_card_id = ?", giftCardID).
		Order("created_at DESC").
		Find(&entries).Error
	if errFind != nil {
		return nil, fmt.Errorf("giftcards: logs: %w", errFind)
	}
	return entries, nil
}

// PurgeLogs deletes a gift card's distribution history. Unsent entries are
// kept: they back the unsent view.
func (s *Service) PurgeLogs(ctx context.Context, giftCardID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("gift_card_id = ? AND action <> ?", giftCardID, models.ActionUnsent).
		Delete(&models.DistributionLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("giftcards: purge logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// List returns gift cards filtered by optional status and participant.
func (s *Service) List(ctx context.Context, status *models.GiftCardStatus, participantID *string, limit, offset int) ([]models.GiftCard, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.GiftCard{})
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if participantID != nil && *participantID != "" {
		q = q.Where("participant_id = ?", *participantID)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("giftcards: count: %w", errCount)
	}
	var rows []models.GiftCard
	if errFind := q.Preload("Participant").Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("giftcards: list: %w", errFind)
	}
	return rows, total, nil
}

// EligibleParticipant is a completed invitation still owed a reward.
type EligibleParticipant struct {
	ParticipantID string     `json:"participant_id"`
	Phone         string     `json:"phone"`
	Name          *string    `json:"name"`
	Email         *string    `json:"email"`
	InvitationID  string     `json:"invitation_id"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// EligibleParticipants lists completed invitations whose allocation has not
// been sent, delivered, or redeemed.
func (s *Service) EligibleParticipants(ctx context.Context) ([]EligibleParticipant, error) {
	var rows []EligibleParticipant
	errFind := s.db.WithContext(ctx).
		Table("invitations").
		Select("participants.id AS participant_id, participants.phone, participants.name, participants.email, invitations.id AS invitation_id, invitations.completed_at").
		Joins("JOIN participants ON participants.id = invitations.participant_id").
		Where("invitations.completed_at IS NOT NULL").
		Where("NOT EXISTS (SELECT 1 FROM gift_cards WHERE gift_cards.invitation_id = invitations.id AND gift_cards.status IN ?)",
			[]models.GiftCardStatus{models.GiftCardSent, models.GiftCardDelivered, models.GiftCardRedeemed}).
		Order("invitations.completed_at ASC").
		Scan(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("giftcards: eligible participants: %w", errFind)
	}
	return rows, nil
}

// ReconcileOrphanedCards releases claimed pool cards whose allocation no
// longer exists. Delegates to the pool sweep so admin-triggered repair and
// the background sweeper share one code path.
func (s *Service) ReconcileOrphanedCards(ctx context.Context) (int, error) {
	return s.pool.Reconcile(ctx, pool.KindCards)
}
