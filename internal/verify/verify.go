// Package verify runs the phone verification flow that admits participants
// into the study. Codes are single-use, short-lived, and stored hashed; the
// enrollment gate is consulted both before a code is issued and again right
// before the verified participant is committed, because only the check next
// to the commit is authoritative when the cap is nearly full.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/enrollment"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/participants"
	"github.com/howard-research/surveybackend/internal/providers"
	"github.com/howard-research/surveybackend/internal/util"
	log "github.com/sirupsen/logrus"
)

// ErrCodeMismatch is returned when a submitted code is wrong, expired, or
// already consumed. Callers cannot tell which; the code store deletes on
// first successful check.
var ErrCodeMismatch = errors.New("verify: invalid or expired code")

// Provider issues and checks one-time codes. The default implementation is
// the redis-backed local store; a hosted verification product can be dropped
// in behind the same interface.
type Provider interface {
	IssueCode(ctx context.Context, phone string, ttl time.Duration) (string, error)
	CheckCode(ctx context.Context, phone, code string) error
}

// Service drives the verification flow.
type Service struct {
	provider     Provider
	enrollment   *enrollment.Service
	participants *participants.Service
	messaging    providers.Messaging
	codeTTL      time.Duration
}

// NewService constructs a verification service.
func NewService(provider Provider, enrollmentSvc *enrollment.Service, participantSvc *participants.Service, messaging providers.Messaging, codeTTL time.Duration) *Service {
	return &Service{
		provider:     provider,
		enrollment:   enrollmentSvc,
		participants: participantSvc,
		messaging:    messaging,
		codeTTL:      codeTTL,
	}
}

// Start issues a verification code to a phone number. Refused with
// core.ErrEnrollmentFull when the gate is closed; this early check fails
// fast but does not reserve a spot.
func (s *Service) Start(ctx context.Context, rawPhone string) error {
	phone, errNorm := participants.NormalizePhone(rawPhone)
	if errNorm != nil {
		return errNorm
	}

	open, errGate := s.enrollment.IsOpen(ctx)
	if errGate != nil {
		return errGate
	}
	if !open {
		return core.ErrEnrollmentFull
	}

	code, errIssue := s.provider.IssueCode(ctx, phone, s.codeTTL)
	if errIssue != nil {
		return errIssue
	}

	body := fmt.Sprintf("Your Howard Research verification code is %s. It expires in %d minutes.", code, int(s.codeTTL.Minutes()))
	result, errSend := s.messaging.Send(ctx, phone, body)
	if errSend != nil {
		return fmt.Errorf("verify: send code to %s: %v: %w", phone, errSend, core.ErrDeliveryFailed)
	}
	if !result.OK {
		return fmt.Errorf("verify: send code to %s: %s: %w", phone, result.Error, core.ErrDeliveryFailed)
	}
	log.Infof("verify: code sent to %s", util.MaskPhone(phone))
	return nil
}

// Check validates a submitted code and, when it matches, commits the
// participant as verified. The gate is re-checked immediately before the
// commit; a correct code is not enough once the study has filled. Verified
// participants who are already in keep their access even when the gate has
// since closed.
func (s *Service) Check(ctx context.Context, rawPhone, code string, name, email *string) (*models.Participant, error) {
	phone, errNorm := participants.NormalizePhone(rawPhone)
	if errNorm != nil {
		return nil, errNorm
	}

	if errCheck := s.provider.CheckCode(ctx, phone, code); errCheck != nil {
		return nil, errCheck
	}

	existing, errFind := s.participants.FindByPhone(ctx, phone)
	alreadyVerified := errFind == nil && existing.PhoneVerified

	if !alreadyVerified {
		open, errGate := s.enrollment.IsOpen(ctx)
		if errGate != nil {
			return nil, errGate
		}
		if !open {
			return nil, core.ErrEnrollmentFull
		}
	}

	return s.participants.CommitVerified(ctx, phone, name, email)
}
