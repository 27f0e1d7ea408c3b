// Package participants manages participant records keyed by phone number.
package participants

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/db"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var digitsOnly = regexp.MustCompile(`\D`)

// Service provides participant operations.
type Service struct {
	db *gorm.DB
}

// NewService constructs a participant service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// NormalizePhone converts a raw phone string to E.164. NANP ten-digit
// numbers get a +1 prefix; numbers already carrying a country code keep it.
func NormalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")
	digits := digitsOnly.ReplaceAllString(trimmed, "")

	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits, nil
	case hasPlus && len(digits) >= 8 && len(digits) <= 15:
		return "+" + digits, nil
	default:
		return "", fmt.Errorf("participants: invalid phone number %q: %w", raw, core.ErrConflict)
	}
}

// FindByPhone looks up a participant by E.164 phone number.
func (s *Service) FindByPhone(ctx context.Context, phone string) (*models.Participant, error) {
	var p models.Participant
	errFind := s.db.WithContext(ctx).Where("phone = ?", phone).First(&p).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("participants: phone %s: %w", phone, core.ErrNotFound)
	}
	if errFind != nil {
		return nil, fmt.Errorf("participants: find by phone: %w", errFind)
	}
	return &p, nil
}

// GetByID looks up a participant by ID.
func (s *Service) GetByID(ctx context.Context, id string) (*models.Participant, error) {
	var p models.Participant
	errFind := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("participants: id %s: %w", id, core.ErrNotFound)
	}
	if errFind != nil {
		return nil, fmt.Errorf("participants: get: %w", errFind)
	}
	return &p, nil
}

// UpsertSubscriber finds or creates a subscribed participant for the phone.
// A concurrent create racing on the phone uniqueness constraint falls back
// to the winner's row.
func (s *Service) UpsertSubscriber(ctx context.Context, phone string) (*models.Participant, error) {
	existing, errFind := s.FindByPhone(ctx, phone)
	if errFind == nil {
		return existing, nil
	}
	if !errors.Is(errFind, core.ErrNotFound) {
		return nil, errFind
	}

	p := models.Participant{
		Phone:  phone,
		Status: models.ParticipantSubscribed,
	}
	errCreate := s.db.WithContext(ctx).Create(&p).Error
	if errCreate != nil {
		if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
			return s.FindByPhone(ctx, phone)
		}
		return nil, fmt.Errorf("participants: create: %w", errCreate)
	}
	log.Infof("participants: created %s for phone %s", p.ID, util.MaskPhone(phone))
	return &p, nil
}

// CommitVerified marks a participant verified and applies optional name and
// email, creating the participant when absent. This is the state-changing
// commit behind the admission gate's second check.
func (s *Service) CommitVerified(ctx context.Context, phone string, name, email *string) (*models.Participant, error) {
	p, errUpsert := s.UpsertSubscriber(ctx, phone)
	if errUpsert != nil {
		return nil, errUpsert
	}

	updates := map[string]any{}
	if !p.PhoneVerified {
		now := time.Now().UTC()
		updates["phone_verified"] = true
		updates["verified_at"] = now
		p.PhoneVerified = true
		p.VerifiedAt = &now
	}
	if name != nil && strings.TrimSpace(*name) != "" {
		trimmed := strings.TrimSpace(*name)
		updates["name"] = trimmed
		p.Name = &trimmed
	}
	if email != nil && strings.TrimSpace(*email) != "" {
		trimmed := strings.TrimSpace(*email)
		updates["email"] = trimmed
		p.Email = &trimmed
	}
	if len(updates) == 0 {
		return p, nil
	}
	if errUpdate := s.db.WithContext(ctx).Model(&models.Participant{}).Where("id = ?", p.ID).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("participants: commit verified: %w", errUpdate)
	}
	return p, nil
}

// MarkEnrolled stamps EnrolledAt the first time a participant receives a
// survey link. Idempotent: only the first call writes.
func (s *Service) MarkEnrolled(ctx context.Context, participantID string) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND enrolled_at IS NULL", participantID).
		Update("enrolled_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("participants: mark enrolled: %w", res.Error)
	}
	return nil
}

// OptOut stops all future messaging for a participant.
func (s *Service) OptOut(ctx context.Context, phone string) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("phone = ?", phone).
		Update("status", models.ParticipantOptedOut)
	if res.Error != nil {
		return fmt.Errorf("participants: opt out: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Delete removes a participant row. Gift card history survives because
// unsent snapshots live in the distribution log, not on this row.
func (s *Service) Delete(ctx context.Context, participantID string) error {
	res := s.db.WithContext(ctx).Where("id = ?", participantID).Delete(&models.Participant{})
	if res.Error != nil {
		return fmt.Errorf("participants: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// List returns participants newest-first. A non-empty search term matches
// phone, name, or email case-insensitively.
func (s *Service) List(ctx context.Context, search *string, limit, offset int) ([]models.Participant, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Participant{})
	if search != nil && strings.TrimSpace(*search) != "" {
		pattern := db.NormalizeLikePattern(s.db, "%"+strings.TrimSpace(*search)+"%")
		q = q.Where(
			db.CaseInsensitiveLikeExpr(s.db, "phone")+
				" OR "+db.CaseInsensitiveLikeExpr(s.db, "name")+
				" OR "+db.CaseInsensitiveLikeExpr(s.db, "email"),
			pattern, pattern, pattern)
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("participants: count: %w", errCount)
	}
	var rows []models.Participant
	if errFind := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("participants: list: %w", errFind)
	}
	return rows, total, nil
}
