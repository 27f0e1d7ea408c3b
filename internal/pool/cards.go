package pool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// defaultRedemptionURL is used when an uploaded card carries no URL of its own.
const defaultRedemptionURL = "https://www.amazon.com/gc/redeem"

// cardCodePattern validates the XXXX-XXXXXX-XXXX card code format.
var cardCodePattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{6}-[A-Z0-9]{4}$`)

// ClaimCard atomically claims the oldest available gift card, scoped to a
// batch when batchLabel is non-empty. Same CAS discipline as ClaimLink.
func (s *Service) ClaimCard(ctx context.Context, batchLabel *string) (*models.GiftCardPoolCard, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var card models.GiftCardPoolCard
		q := s.db.WithContext(ctx).Where("status = ?", models.PoolStatusAvailable)
		if batchLabel != nil && strings.TrimSpace(*batchLabel) != "" {
			q = q.Where("batch_label = ?", strings.TrimSpace(*batchLabel))
		}
		errFind := q.Order("uploaded_at ASC, id ASC").First(&card).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, core.ErrPoolEmpty
		}
		if errFind != nil {
			return nil, fmt.Errorf("pool: claim card: %w", errFind)
		}

		now := time.Now().UTC()
		res := s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).
			Where("id = ? AND status = ?", card.ID, models.PoolStatusAvailable).
			Updates(map[string]any{
				"status":      models.PoolStatusAssigned,
				"assigned_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("pool: mark card assigned: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			log.Debugf("pool: card %s claimed concurrently, retrying", card.ID)
			continue
		}

		card.Status = models.PoolStatusAssigned
		card.AssignedAt = &now
		return &card, nil
	}
	return nil, core.ErrRaceLost
}

// BindCard records the gift card allocation that now owns a claimed pool
// card. Zero rows affected means the card was released or repaired in the
// meantime and must not be treated as owned.
func (s *Service) BindCard(ctx context.Context, poolCardID, giftCardID string) error {
	res := s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).
		Where("id = ? AND status = ?", poolCardID, models.PoolStatusAssigned).
		Update("assigned_gift_card_id", giftCardID)
	if res.Error != nil {
		return fmt.Errorf("pool: bind card: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pool: bind card %s: %w", poolCardID, core.ErrRaceLost)
	}
	return nil
}

// ReleaseCard returns a claimed pool card to the available state, clearing
// its owner reference. Used both by the compensating rollback after a failed
// delivery and by the explicit unsend reversal.
func (s *Service) ReleaseCard(ctx context.Context, poolCardID string) error {
	res := s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).
		Where("id = ? AND status = ?", poolCardID, models.PoolStatusAssigned).
		Updates(map[string]any{
			"status":                models.PoolStatusAvailable,
			"assigned_at":           nil,
			"assigned_gift_card_id": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("pool: release card: %w", res.Error)
	}
	return nil
}

// MarkCardExpired retires a pool card past its expiry. Assigned cards are
// owned by an allocation and must be unsent before they can expire.
func (s *Service) MarkCardExpired(ctx context.Context, poolCardID string) error {
	res := s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).
		Where("id = ? AND status <> ?", poolCardID, models.PoolStatusAssigned).
		Update("status", models.PoolStatusExpired)
	if res.Error != nil {
		return fmt.Errorf("pool: mark card expired: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).Where("id = ?", poolCardID).Count(&count)
		if count > 0 {
			return fmt.Errorf("pool: card is assigned: %w", core.ErrConflict)
		}
		return core.ErrNotFound
	}
	return nil
}

// CardUploadResult summarizes a bulk card upload.
type CardUploadResult struct {
	TotalRows  int      `json:"total_rows"`
	Uploaded   int      `json:"uploaded"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
	BatchLabel *string  `json:"batch_label"`
}

// UploadCards inserts one gift card per non-empty line. Lines may be plain
// codes or the first column of a CSV row; a header row is skipped. Invalid
// formats and duplicate codes are reported per line.
func (s *Service) UploadCards(ctx context.Context, lines []string, batchLabel *string, uploadedBy string) (*CardUploadResult, error) {
	result := &CardUploadResult{BatchLabel: batchLabel}
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		code := strings.ToUpper(strings.Trim(strings.SplitN(line, ",", 2)[0], `" `))

		if i == 0 && (strings.EqualFold(code, "code") || strings.EqualFold(code, "card_code") || strings.EqualFold(code, "gift_card_code")) {
			continue
		}
		result.TotalRows++

		if !cardCodePattern.MatchString(code) {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid code format %q, expected XXXX-XXXXXX-XXXX", i+1, code))
			continue
		}

		card := models.GiftCardPoolCard{
			CardCode:      code,
			RedemptionURL: defaultRedemptionURL,
			Status:        models.PoolStatusAvailable,
			BatchLabel:    batchLabel,
			UploadedBy:    uploadedBy,
		}
		if errCreate := s.db.WithContext(ctx).Create(&card).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: duplicate code %s", i+1, code))
				continue
			}
			return nil, fmt.Errorf("pool: upload cards: %w", errCreate)
		}
		result.Uploaded++
	}
	result.Failed = result.TotalRows - result.Uploaded
	log.Infof("pool: uploaded %d/%d gift cards (batch=%v) by %s", result.Uploaded, result.TotalRows, batchLabel, uploadedBy)
	return result, nil
}

// AddCardParams describes a single manually-added pool card.
type AddCardParams struct {
	CardCode      string
	CardType      string
	CardValue     *float64
	RedemptionURL string
	BatchLabel    *string
	ExpiresAt     *time.Time
}

// AddCard inserts one gift card with full detail. Duplicate codes are a
// conflict.
func (s *Service) AddCard(ctx context.Context, params AddCardParams, uploadedBy string) (*models.GiftCardPoolCard, error) {
	code := strings.ToUpper(strings.TrimSpace(params.CardCode))
	if !cardCodePattern.MatchString(code) {
		return nil, fmt.Errorf("pool: invalid card code format: %w", core.ErrConflict)
	}
	cardType := strings.TrimSpace(params.CardType)
	if cardType == "" {
		cardType = "AMAZON"
	}
	redemptionURL := strings.TrimSpace(params.RedemptionURL)
	if redemptionURL == "" {
		redemptionURL = defaultRedemptionURL
	}

	card := models.GiftCardPoolCard{
		CardCode:      code,
		CardType:      cardType,
		CardValue:     params.CardValue,
		RedemptionURL: redemptionURL,
		Status:        models.PoolStatusAvailable,
		BatchLabel:    params.BatchLabel,
		UploadedBy:    uploadedBy,
		ExpiresAt:     params.ExpiresAt,
	}
	if errCreate := s.db.WithContext(ctx).Create(&card).Error; errCreate != nil {
		if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("pool: card code already exists: %w", core.ErrConflict)
		}
		return nil, fmt.Errorf("pool: add card: %w", errCreate)
	}
	return &card, nil
}

// UpdateCardParams carries the editable fields of a pool card. Nil fields
// keep their current value.
type UpdateCardParams struct {
	CardCode      *string
	CardType      *string
	CardValue     *float64
	RedemptionURL *string
	BatchLabel    *string
	ExpiresAt     *time.Time
}

// UpdateCard edits a card that is not currently assigned. Once a card is
// bound to an allocation its details are frozen until unsent.
func (s *Service) UpdateCard(ctx context.Context, poolCardID string, params UpdateCardParams) (*models.GiftCardPoolCard, error) {
	updates := map[string]any{}
	if params.CardCode != nil {
		code := strings.ToUpper(strings.TrimSpace(*params.CardCode))
		if !cardCodePattern.MatchString(code) {
			return nil, fmt.Errorf("pool: invalid card code format: %w", core.ErrConflict)
		}
		updates["card_code"] = code
	}
	if params.CardType != nil && strings.TrimSpace(*params.CardType) != "" {
		updates["card_type"] = strings.TrimSpace(*params.CardType)
	}
	if params.CardValue != nil {
		updates["card_value"] = *params.CardValue
	}
	if params.RedemptionURL != nil && strings.TrimSpace(*params.RedemptionURL) != "" {
		updates["redemption_url"] = strings.TrimSpace(*params.RedemptionURL)
	}
	if params.BatchLabel != nil {
		updates["batch_label"] = *params.BatchLabel
	}
	if params.ExpiresAt != nil {
		updates["expires_at"] = *params.ExpiresAt
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("pool: no fields to update: %w", core.ErrConflict)
	}

	res := s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).
		Where("id = ? AND status <> ?", poolCardID, models.PoolStatusAssigned).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("pool: card code already exists: %w", core.ErrConflict)
		}
		return nil, fmt.Errorf("pool: update card: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).Where("id = ?", poolCardID).Count(&count)
		if count > 0 {
			return nil, fmt.Errorf("pool: card is assigned: %w", core.ErrConflict)
		}
		return nil, core.ErrNotFound
	}

	var card models.GiftCardPoolCard
	if errFind := s.db.WithContext(ctx).First(&card, "id = ?", poolCardID).Error; errFind != nil {
		return nil, fmt.Errorf("pool: reload card: %w", errFind)
	}
	return &card, nil
}

// ListCards returns pool cards filtered by optional status and batch label.
func (s *Service) ListCards(ctx context.Context, status *models.PoolStatus, batchLabel *string, limit, offset int) ([]models.GiftCardPoolCard, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{})
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if batchLabel != nil && strings.TrimSpace(*batchLabel) != "" {
		q = q.Where("batch_label = ?", strings.TrimSpace(*batchLabel))
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("pool: count cards: %w", errCount)
	}
	var rows []models.GiftCardPoolCard
	if errFind := q.Order("uploaded_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("pool: list cards: %w", errFind)
	}
	return rows, total, nil
}

// DeleteCard removes a pool card that is not currently assigned. Assigned
// cards must be unassigned (unsent) first.
func (s *Service) DeleteCard(ctx context.Context, poolCardID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status <> ?", poolCardID, models.PoolStatusAssigned).
		Delete(&models.GiftCardPoolCard{})
	if res.Error != nil {
		return fmt.Errorf("pool: delete card: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).Where("id = ?", poolCardID).Count(&count)
		if count > 0 {
			return fmt.Errorf("pool: card is assigned: %w", core.ErrConflict)
		}
		return core.ErrNotFound
	}
	return nil
}

// CardCounts returns per-status counts for the gift card pool.
func (s *Service) CardCounts(ctx context.Context) (*PoolCounts, error) {
	return s.countByStatus(ctx, &models.GiftCardPoolCard{})
}
