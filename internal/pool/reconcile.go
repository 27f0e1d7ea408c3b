package pool

import (
	"context"
	"fmt"

	"github.com/howard-research/surveybackend/internal/models"
	log "github.com/sirupsen/logrus"
)

// Reconcile repairs orphaned resources in the given pool: rows stuck in the
// ASSIGNED state whose owner reference is null or points at an allocation
// that no longer exists. Each repair is an individual compare-and-set guarded
// by `WHERE status = 'ASSIGNED'`, so the sweep is safe to run alongside live
// claims: a zero rows-affected update means someone else touched the row and
// it is skipped, not an error. Running the sweep twice in a row is a no-op
// the second time.
func (s *Service) Reconcile(ctx context.Context, kind Kind) (int, error) {
	switch kind {
	case KindLinks:
		return s.reconcileLinks(ctx)
	case KindCards:
		return s.reconcileCards(ctx)
	default:
		return 0, fmt.Errorf("pool: unknown kind %q", kind)
	}
}

func (s *Service) reconcileLinks(ctx context.Context) (int, error) {
	var orphans []models.SurveyLink
	errFind := s.db.WithContext(ctx).
		Where("status = ?", models.PoolStatusAssigned).
		Where("assigned_invitation_id IS NULL OR assigned_invitation_id NOT IN (SELECT id FROM invitations)").
		Find(&orphans).Error
	if errFind != nil {
		return 0, fmt.Errorf("pool: find orphaned links: %w", errFind)
	}

	repaired := 0
	for _, link := range orphans {
		res := s.db.WithContext(ctx).Model(&models.SurveyLink{}).
			Where("id = ? AND status = ?", link.ID, models.PoolStatusAssigned).
			Updates(map[string]any{
				"status":                 models.PoolStatusAvailable,
				"assigned_at":            nil,
				"assigned_invitation_id": nil,
			})
		if res.Error != nil {
			return repaired, fmt.Errorf("pool: repair link %s: %w", link.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			log.Debugf("pool: link %s changed state mid-sweep, skipping", link.ID)
			continue
		}
		repaired++
	}
	if repaired > 0 {
		log.Infof("pool: reconcile reset %d orphaned survey links to AVAILABLE", repaired)
	}
	return repaired, nil
}

func (s *Service) reconcileCards(ctx context.Context) (int, error) {
	var orphans []models.GiftCardPoolCard
	errFind := s.db.WithContext(ctx).
		Where("status = ?", models.PoolStatusAssigned).
		Where("assigned_gift_card_id IS NULL OR assigned_gift_card_id NOT IN (SELECT id FROM gift_cards)").
		Find(&orphans).Error
	if errFind != nil {
		return 0, fmt.Errorf("pool: find orphaned cards: %w", errFind)
	}

	repaired := 0
	for _, card := range orphans {
		res := s.db.WithContext(ctx).Model(&models.GiftCardPoolCard{}).
			Where("id = ? AND status = ?", card.ID, models.PoolStatusAssigned).
			Updates(map[string]any{
				"status":                models.PoolStatusAvailable,
				"assigned_at":           nil,
				"assigned_gift_card_id": nil,
			})
		if res.Error != nil {
			return repaired, fmt.Errorf("pool: repair card %s: %w", card.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			log.Debugf("pool: card %s changed state mid-sweep, skipping", card.ID)
			continue
		}
		repaired++
	}
	if repaired > 0 {
		log.Infof("pool: reconcile reset %d orphaned gift cards to AVAILABLE", repaired)
	}
	return repaired, nil
}
