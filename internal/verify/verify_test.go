package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/db"
	"github.com/howard-research/surveybackend/internal/enrollment"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/participants"
	"github.com/howard-research/surveybackend/internal/providers"
	"gorm.io/gorm"
)

// memCodeStore is an in-process Provider for tests; the production store is
// redis-backed.
type memCodeStore struct {
	codes map[string]string
}

func newMemCodeStore() *memCodeStore {
	return &memCodeStore{codes: map[string]string{}}
}

func (m *memCodeStore) IssueCode(ctx context.Context, phone string, ttl time.Duration) (string, error) {
	code := "482913"
	m.codes[phone] = code
	return code, nil
}

func (m *memCodeStore) CheckCode(ctx context.Context, phone, code string) error {
	want, ok := m.codes[phone]
	if !ok || want != code {
		return ErrCodeMismatch
	}
	delete(m.codes, phone)
	return nil
}

type fixture struct {
	conn       *gorm.DB
	svc        *Service
	store      *memCodeStore
	enrollment *enrollment.Service
	messaging  *providers.FakeMessaging
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	store := newMemCodeStore()
	enrollmentSvc := enrollment.NewService(conn)
	messaging := &providers.FakeMessaging{}
	return &fixture{
		conn:       conn,
		svc:        NewService(store, enrollmentSvc, participants.NewService(conn), messaging, 10*time.Minute),
		store:      store,
		enrollment: enrollmentSvc,
		messaging:  messaging,
	}
}

func (f *fixture) closeGate(t *testing.T) {
	t.Helper()
	now := time.Now().UTC()
	p := models.Participant{Phone: "+12025559999", Status: models.ParticipantSubscribed, EnrolledAt: &now}
	if errCreate := f.conn.Create(&p).Error; errCreate != nil {
		t.Fatalf("seed enrolled: %v", errCreate)
	}
	cap := 1
	if _, errUpdate := f.enrollment.UpdateConfig(context.Background(), &cap, nil, "tester"); errUpdate != nil {
		t.Fatalf("close gate: %v", errUpdate)
	}
}

func TestStartSendsCode(t *testing.T) {
	f := newFixture(t)
	if errStart := f.svc.Start(context.Background(), "(202) 555-0100"); errStart != nil {
		t.Fatalf("start: %v", errStart)
	}
	if len(f.messaging.Sent) != 1 {
		t.Fatalf("expected 1 SMS, got %d", len(f.messaging.Sent))
	}
	msg := f.messaging.Sent[0]
	if msg.To != "+12025550100" {
		t.Fatalf("expected normalized recipient, got %s", msg.To)
	}
	if !strings.Contains(msg.Body, "482913") {
		t.Fatalf("expected the code in the message, got %q", msg.Body)
	}
}

func TestStartRefusedWhenFull(t *testing.T) {
	f := newFixture(t)
	f.closeGate(t)
	if errStart := f.svc.Start(context.Background(), "+12025550100"); !errors.Is(errStart, core.ErrEnrollmentFull) {
		t.Fatalf("expected ErrEnrollmentFull, got %v", errStart)
	}
}

func TestStartDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.messaging.Fail = true
	if errStart := f.svc.Start(context.Background(), "+12025550100"); !errors.Is(errStart, core.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", errStart)
	}
}

func TestCheckCommitsVerifiedParticipant(t *testing.T) {
	f := newFixture(t)
	if errStart := f.svc.Start(context.Background(), "+12025550100"); errStart != nil {
		t.Fatalf("start: %v", errStart)
	}

	name := "Jordan"
	p, errCheck := f.svc.Check(context.Background(), "+12025550100", "482913", &name, nil)
	if errCheck != nil {
		t.Fatalf("check: %v", errCheck)
	}
	if !p.PhoneVerified {
		t.Fatal("expected verified participant")
	}
	if p.Name == nil || *p.Name != "Jordan" {
		t.Fatalf("expected name recorded, got %v", p.Name)
	}

	// The code is single-use.
	if _, errAgain := f.svc.Check(context.Background(), "+12025550100", "482913", nil, nil); !errors.Is(errAgain, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch on reuse, got %v", errAgain)
	}
}

func TestCheckRejectsWrongCode(t *testing.T) {
	f := newFixture(t)
	if errStart := f.svc.Start(context.Background(), "+12025550100"); errStart != nil {
		t.Fatalf("start: %v", errStart)
	}
	if _, errCheck := f.svc.Check(context.Background(), "+12025550100", "000000", nil, nil); !errors.Is(errCheck, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", errCheck)
	}
}

func TestCheckGateClosesBeforeCommit(t *testing.T) {
	f := newFixture(t)
	if errStart := f.svc.Start(context.Background(), "+12025550100"); errStart != nil {
		t.Fatalf("start: %v", errStart)
	}
	// The study fills between code issue and code check.
	f.closeGate(t)

	if _, errCheck := f.svc.Check(context.Background(), "+12025550100", "482913", nil, nil); !errors.Is(errCheck, core.ErrEnrollmentFull) {
		t.Fatalf("expected ErrEnrollmentFull, got %v", errCheck)
	}
}

func TestCheckKeepsAlreadyVerifiedThroughClosedGate(t *testing.T) {
	f := newFixture(t)
	if errStart := f.svc.Start(context.Background(), "+12025550100"); errStart != nil {
		t.Fatalf("start: %v", errStart)
	}
	if _, errCheck := f.svc.Check(context.Background(), "+12025550100", "482913", nil, nil); errCheck != nil {
		t.Fatalf("first check: %v", errCheck)
	}

	f.closeGate(t)

	// A verified participant re-verifying is not evicted by a full gate.
	if errStart := f.svc.Start(context.Background(), "+12025550100"); !errors.Is(errStart, core.ErrEnrollmentFull) {
		t.Fatalf("expected Start refused when full, got %v", errStart)
	}
	f.store.codes["+12025550100"] = "482913"
	p, errCheck := f.svc.Check(context.Background(), "+12025550100", "482913", nil, nil)
	if errCheck != nil {
		t.Fatalf("re-check while full: %v", errCheck)
	}
	if !p.PhoneVerified {
		t.Fatal("expected the participant to stay verified")
	}
}
