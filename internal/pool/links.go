package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ClaimLink atomically claims the oldest available survey link, scoped to a
// batch when batchLabel is non-empty. Returns core.ErrPoolEmpty when no
// eligible link exists and core.ErrRaceLost when every bounded attempt lost
// its flip to a concurrent claimer.
func (s *Service) ClaimLink(ctx context.Context, batchLabel *string) (*models.SurveyLink, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var link models.SurveyLink
		q := s.db.WithContext(ctx).Where("status = ?", models.PoolStatusAvailable)
		if batchLabel != nil && strings.TrimSpace(*batchLabel) != "" {
			q = q.Where("batch_label = ?", strings.TrimSpace(*batchLabel))
		}
		errFind := q.Order("uploaded_at ASC, id ASC").First(&link).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, core.ErrPoolEmpty
		}
		if errFind != nil {
			return nil, fmt.Errorf("pool: claim link: %w", errFind)
		}

		now := time.Now().UTC()
		res := s.db.WithContext(ctx).Model(&models.SurveyLink{}).
			Where("id = ? AND status = ?", link.ID, models.PoolStatusAvailable).
			Updates(map[string]any{
				"status":      models.PoolStatusAssigned,
				"assigned_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("pool: mark link assigned: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Someone else claimed this row between the read and the flip.
			log.Debugf("pool: link %s claimed concurrently, retrying", link.ID)
			continue
		}

		link.Status = models.PoolStatusAssigned
		link.AssignedAt = &now
		return &link, nil
	}
	return nil, core.ErrRaceLost
}

// BindLink records the invitation that now owns a claimed link. A zero
// rows-affected result means the link is no longer in the claimed state and
// the caller must not treat it as owned.
func (s *Service) BindLink(ctx context.Context, linkID, invitationID string) error {
	res := s.db.WithContext(ctx).Model(&models.SurveyLink{}).
		Where("id = ? AND status = ?", linkID, models.PoolStatusAssigned).
		Update("assigned_invitation_id", invitationID)
	if res.Error != nil {
		return fmt.Errorf("pool: bind link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pool: bind link %s: %w", linkID, core.ErrRaceLost)
	}
	return nil
}

// ReleaseLink returns a claimed link to the available state, clearing its
// owner reference. Skips silently when the link already left the claimed
// state.
func (s *Service) ReleaseLink(ctx context.Context, linkID string) error {
	res := s.db.WithContext(ctx).Model(&models.SurveyLink{}).
		Where("id = ? AND status = ?", linkID, models.PoolStatusAssigned).
		Updates(map[string]any{
			"status":                 models.PoolStatusAvailable,
			"assigned_at":            nil,
			"assigned_invitation_id": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("pool: release link: %w", res.Error)
	}
	return nil
}

// MarkLinkExhausted retires a link after its survey is completed.
func (s *Service) MarkLinkExhausted(ctx context.Context, linkID string) error {
	res := s.db.WithContext(ctx).Model(&models.SurveyLink{}).
		Where("id = ? AND status IN ?", linkID, []models.PoolStatus{models.PoolStatusAssigned, models.PoolStatusAvailable}).
		Update("status", models.PoolStatusExhausted)
	if res.Error != nil {
		return fmt.Errorf("pool: mark link exhausted: %w", res.Error)
	}
	return nil
}

// MarkLinkInvalid flags a link that should never be handed out.
func (s *Service) MarkLinkInvalid(ctx context.Context, linkID string) error {
	res := s.db.WithContext(ctx).Model(&models.SurveyLink{}).
		Where("id = ?", linkID).
		Update("status", models.PoolStatusInvalid)
	if res.Error != nil {
		return fmt.Errorf("pool: mark link invalid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// LinkUploadResult summarizes a bulk link upload.
type LinkUploadResult struct {
	TotalRows  int      `json:"total_rows"`
	Uploaded   int      `json:"uploaded"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
	BatchLabel *string  `json:"batch_label"`
}

// UploadLinks inserts one survey link per non-empty line. Duplicate URLs are
// reported as per-line errors rather than failing the whole upload.
func (s *Service) UploadLinks(ctx context.Context, lines []string, batchLabel *string, uploadedBy string) (*LinkUploadResult, error) {
	result := &LinkUploadResult{BatchLabel: batchLabel}
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		result.TotalRows++

		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: not a URL: %s", i+1, line))
			continue
		}

		link := models.SurveyLink{
			LinkURL:    line,
			Status:     models.PoolStatusAvailable,
			BatchLabel: batchLabel,
			UploadedBy: uploadedBy,
		}
		if errCreate := s.db.WithContext(ctx).Create(&link).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: duplicate link: %s", i+1, line))
				continue
			}
			return nil, fmt.Errorf("pool: upload links: %w", errCreate)
		}
		result.Uploaded++
	}
	result.Failed = result.TotalRows - result.Uploaded
	log.Infof("pool: uploaded %d/%d survey links (batch=%v) by %s", result.Uploaded, result.TotalRows, batchLabel, uploadedBy)
	return result, nil
}

// ListLinks returns links filtered by optional status and batch label.
func (s *Service) ListLinks(ctx context.Context, status *models.PoolStatus, batchLabel *string, limit, offset int) ([]models.SurveyLink, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.SurveyLink{})
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if batchLabel != nil && strings.TrimSpace(*batchLabel) != "" {
		q = q.Where("batch_label = ?", strings.TrimSpace(*batchLabel))
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("pool: count links: %w", errCount)
	}
	var rows []models.SurveyLink
	if errFind := q.Order("uploaded_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("pool: list links: %w", errFind)
	}
	return rows, total, nil
}

// DeleteLink removes a link that is not currently assigned.
func (s *Service) DeleteLink(ctx context.Context, linkID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status <> ?", linkID, models.PoolStatusAssigned).
		Delete(&models.SurveyLink{})
	if res.Error != nil {
		return fmt.Errorf("pool: delete link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&models.SurveyLink{}).Where("id = ?", linkID).Count(&count)
		if count > 0 {
			return fmt.Errorf("pool: link is assigned: %w", core.ErrConflict)
		}
		return core.ErrNotFound
	}
	return nil
}

// PoolCounts reports row counts per status for one pool.
type PoolCounts struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Assigned  int64 `json:"assigned"`
	Exhausted int64 `json:"exhausted"`
	Expired   int64 `json:"expired"`
	Invalid   int64 `json:"invalid"`
}

// LinkCounts returns per-status counts for the link pool.
func (s *Service) LinkCounts(ctx context.Context) (*PoolCounts, error) {
	return s.countByStatus(ctx, &models.SurveyLink{})
}

func (s *Service) countByStatus(ctx context.Context, model any) (*PoolCounts, error) {
	var counts PoolCounts
	if err := s.db.WithContext(ctx).Model(model).Count(&counts.Total).Error; err != nil {
		return nil, fmt.Errorf("pool: count: %w", err)
	}
	statuses := map[models.PoolStatus]*int64{
		models.PoolStatusAvailable: &counts.Available,
		models.PoolStatusAssigned:  &counts.Assigned,
		models.PoolStatusExhausted: &counts.Exhausted,
		models.PoolStatusExpired:   &counts.Expired,
		models.PoolStatusInvalid:   &counts.Invalid,
	}
	for status, target := range statuses {
		if err := s.db.WithContext(ctx).Model(model).Where("status = ?", status).Count(target).Error; err != nil {
			return nil, fmt.Errorf("pool: count %s: %w", status, err)
		}
	}
	return &counts, nil
}
