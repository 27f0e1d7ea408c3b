// Package enrollment is the admission control gate: whether new participants
// may still enter the study, computed live from the enrolled count against a
// configurable cap.
//
// Callers on the verification path consult IsOpen twice: once before issuing
// a code and again immediately before committing the verified participant.
// Only the second check is authoritative; many verifications can be in
// flight as the cap fills, and the early check exists only to fail fast.
package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Gate states reported by Status.
const (
	StateOpen     = "open"
	StateFull     = "full"
	StateDisabled = "disabled"
)

// Service computes admission state and manages the cap configuration.
type Service struct {
	db *gorm.DB
}

// NewService constructs an enrollment service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// EnrolledCount is the number of participants holding at least one
// invitation. Participants who verified but never received a link do not
// count against the cap.
func (s *Service) EnrolledCount(ctx context.Context) (int64, error) {
	var count int64
	errCount := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("enrolled_at IS NOT NULL").
		Count(&count).Error
	if errCount != nil {
		return 0, fmt.Errorf("enrollment: count enrolled: %w", errCount)
	}
	return count, nil
}

// GetConfig returns the singleton configuration row, creating a default
// (unlimited, active) row on first use.
func (s *Service) GetConfig(ctx context.Context) (*models.EnrollmentConfig, error) {
	var cfg models.EnrollmentConfig
	errFind := s.db.WithContext(ctx).Order("created_at ASC").First(&cfg).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		cfg = models.EnrollmentConfig{IsActive: true, UpdatedBy: "SYSTEM"}
		if errCreate := s.db.WithContext(ctx).Create(&cfg).Error; errCreate != nil {
			return nil, fmt.Errorf("enrollment: create default config: %w", errCreate)
		}
		return &cfg, nil
	}
	if errFind != nil {
		return nil, fmt.Errorf("enrollment: get config: %w", errFind)
	}
	return &cfg, nil
}

// StatusReport is the externally visible gate state.
type StatusReport struct {
	State           string `json:"state"` // open, full, or disabled.
	EnrolledCount   int64  `json:"enrolled_count"`
	MaxParticipants *int   `json:"max_participants"` // nil means unlimited.
	SpotsRemaining  *int64 `json:"spots_remaining,omitempty"`
}

// Status reports the gate state and the live counts behind it.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	cfg, errCfg := s.GetConfig(ctx)
	if errCfg != nil {
		return nil, errCfg
	}
	count, errCount := s.EnrolledCount(ctx)
	if errCount != nil {
		return nil, errCount
	}

	report := &StatusReport{
		EnrolledCount:   count,
		MaxParticipants: cfg.MaxParticipants,
	}
	switch {
	case !cfg.IsActive:
		report.State = StateDisabled
	case cfg.MaxParticipants == nil:
		report.State = StateOpen
	case count >= int64(*cfg.MaxParticipants):
		report.State = StateFull
		zero := int64(0)
		report.SpotsRemaining = &zero
	default:
		report.State = StateOpen
		remaining := int64(*cfg.MaxParticipants) - count
		report.SpotsRemaining = &remaining
	}
	return report, nil
}

// IsOpen reports whether a new participant may be admitted right now.
func (s *Service) IsOpen(ctx context.Context) (bool, error) {
	report, errStatus := s.Status(ctx)
	if errStatus != nil {
		return false, errStatus
	}
	return report.State == StateOpen, nil
}

// UpdateConfig changes the cap or the active flag. Setting the cap below the
// current enrolled count is rejected: it would strand participants already
// in the study.
func (s *Service) UpdateConfig(ctx context.Context, maxParticipants *int, isActive *bool, adminUsername string) (*models.EnrollmentConfig, error) {
	cfg, errCfg := s.GetConfig(ctx)
	if errCfg != nil {
		return nil, errCfg
	}

	updates := map[string]any{"updated_by": adminUsername}
	if maxParticipants != nil {
		if *maxParticipants < 0 {
			return nil, fmt.Errorf("enrollment: cap must not be negative: %w", core.ErrConflict)
		}
		count, errCount := s.EnrolledCount(ctx)
		if errCount != nil {
			return nil, errCount
		}
		if int64(*maxParticipants) < count {
			return nil, fmt.Errorf("enrollment: cap %d below current enrolled count %d: %w", *maxParticipants, count, core.ErrConflict)
		}
		updates["max_participants"] = *maxParticipants
		cfg.MaxParticipants = maxParticipants
	}
	if isActive != nil {
		updates["is_active"] = *isActive
		cfg.IsActive = *isActive
	}

	if errUpdate := s.db.WithContext(ctx).Model(&models.EnrollmentConfig{}).Where("id = ?", cfg.ID).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("enrollment: update config: %w", errUpdate)
	}
	cfg.UpdatedBy = adminUsername
	log.Infof("enrollment: config updated by %s (cap=%v active=%v)", adminUsername, cfg.MaxParticipants, cfg.IsActive)
	return cfg, nil
}

// ClearCap removes the enrollment cap entirely.
func (s *Service) ClearCap(ctx context.Context, adminUsername string) (*models.EnrollmentConfig, error) {
	cfg, errCfg := s.GetConfig(ctx)
	if errCfg != nil {
		return nil, errCfg
	}
	updates := map[string]any{"max_participants": nil, "updated_by": adminUsername}
	if errUpdate := s.db.WithContext(ctx).Model(&models.EnrollmentConfig{}).Where("id = ?", cfg.ID).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("enrollment: clear cap: %w", errUpdate)
	}
	cfg.MaxParticipants = nil
	cfg.UpdatedBy = adminUsername
	return cfg, nil
}
