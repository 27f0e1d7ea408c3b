package invitations

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/howard-research/surveybackend/internal/core"
	"github.com/howard-research/surveybackend/internal/db"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/participants"
	"github.com/howard-research/surveybackend/internal/pool"
	"github.com/howard-research/surveybackend/internal/providers"
	"gorm.io/gorm"
)

type fixture struct {
	conn      *gorm.DB
	svc       *Service
	pool      *pool.Service
	messaging *providers.FakeMessaging
	email     *providers.FakeEmail
	shortener *providers.FakeShortener
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
	poolSvc := pool.NewService(conn)
	participantSvc := participants.NewService(conn)
	messaging := &providers.FakeMessaging{}
	email := &providers.FakeEmail{}
	shortener := &providers.FakeShortener{}
	return &fixture{
		conn:      conn,
		svc:       NewService(conn, poolSvc, participantSvc, messaging, email, shortener),
		pool:      poolSvc,
		messaging: messaging,
		email:     email,
		shortener: shortener,
	}
}

func (f *fixture) seedLinks(t *testing.T, urls ...string) {
	t.Helper()
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	for i, url := range urls {
		link := models.SurveyLink{
			LinkURL:    url,
			Status:     models.PoolStatusAvailable,
			UploadedBy: "tester",
			UploadedAt: base.Add(time.Duration(i) * time.Second),
		}
		if errCreate := f.conn.Create(&link).Error; errCreate != nil {
			t.Fatalf("seed link %s: %v", url, errCreate)
		}
	}
}

func (f *fixture) seedParticipant(t *testing.T, phone string) models.Participant {
	t.Helper()
	p := models.Participant{Phone: phone, Status: models.ParticipantSubscribed}
	if errCreate := f.conn.Create(&p).Error; errCreate != nil {
		t.Fatalf("seed participant: %v", errCreate)
	}
	return p
}

func TestGetOrAssignIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedLinks(t, "https://example.org/s/1", "https://example.org/s/2")
	p := f.seedParticipant(t, "+12025550100")

	first, created, errAssign := f.svc.GetOrAssign(context.Background(), p.ID, nil)
	if errAssign != nil {
		t.Fatalf("first assign: %v", errAssign)
	}
	if !created {
		t.Fatal("expected first call to create")
	}

	second, created, errAssign := f.svc.GetOrAssign(context.Background(), p.ID, nil)
	if errAssign != nil {
		t.Fatalf("second assign: %v", errAssign)
	}
	if created {
		t.Fatal("expected second call to return the existing invitation")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same invitation, got %s and %s", first.ID, second.ID)
	}

	var assignedLinks int64
	f.conn.Model(&models.SurveyLink{}).Where("status = ?", models.PoolStatusAssigned).Count(&assignedLinks)
	if assignedLinks != 1 {
		t.Fatalf("expected exactly one consumed link, got %d", assignedLinks)
	}
}

func TestGetOrAssignConcurrentCallsShareOneInvitation(t *testing.T) {
	f := newFixture(t)
	f.seedLinks(t, "https://example.org/s/1", "https://example.org/s/2", "https://example.org/s/3")
	p := f.seedParticipant(t, "+12025550100")

	const callers = 5
	type outcome struct {
		invitationID string
		err          error
	}
	results := make([]outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			inv, _, errAssign := f.svc.GetOrAssign(context.Background(), p.ID, nil)
			if errAssign != nil {
				results[slot] = outcome{err: errAssign}
				return
			}
			results[slot] = outcome{invitationID: inv.ID}
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	succeeded := 0
	for _, r := range results {
		if r.err != nil {
			// Losers that exhausted their claim retries may back off; any
			// other error is a real failure.
			if !errors.Is(r.err, core.ErrRaceLost) && !errors.Is(r.err, core.ErrPoolEmpty) {
				t.Fatalf("unexpected error: %v", r.err)
			}
			continue
		}
		succeeded++
		ids[r.invitationID] = true
	}
	if succeeded == 0 {
		t.Fatal("expected at least one call to succeed")
	}
	if len(ids) != 1 {
		t.Fatalf("expected every success to return the same invitation, got %d distinct", len(ids))
	}

	var invitations int64
	f.conn.Model(&models.Invitation{}).Where("participant_id = ?", p.ID).Count(&invitations)
	if invitations != 1 {
		t.Fatalf("expected 1 invitation row, got %d", invitations)
	}
}

func TestGetOrAssignEmptyPool(t *testing.T) {
	f := newFixture(t)
	p := f.seedParticipant(t, "+12025550100")
	if _, _, errAssign := f.svc.GetOrAssign(context.Background(), p.ID, nil); !errors.Is(errAssign, core.ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty, got %v", errAssign)
	}
}

func TestAssignAndSendQueuesSMS(t *testing.T) {
	f := newFixture(t)
	f.shortener.ShortURL = "https://sho.rt/abc"
	f.seedLinks(t, "https://example.org/s/1")

	outcome, errSend := f.svc.AssignAndSend(context.Background(), "(202) 555-0100", nil)
	if errSend != nil {
		t.Fatalf("assign and send: %v", errSend)
	}
	if !outcome.Created {
		t.Fatal("expected a fresh invitation")
	}
	inv := outcome.Invitation
	if inv.MessageStatus != models.MessageQueued {
		t.Fatalf("expected queued, got %s", inv.MessageStatus)
	}
	if inv.MessageSID == nil {
		t.Fatal("expected a message SID")
	}
	if inv.ShortLinkURL == nil || *inv.ShortLinkURL != "https://sho.rt/abc" {
		t.Fatalf("expected short link persisted, got %v", inv.ShortLinkURL)
	}
	if len(f.messaging.Sent) != 1 {
		t.Fatalf("expected 1 SMS, got %d", len(f.messaging.Sent))
	}
	if f.messaging.Sent[0].To != "+12025550100" {
		t.Fatalf("expected normalized recipient, got %s", f.messaging.Sent[0].To)
	}

	var p models.Participant
	if errFind := f.conn.Where("phone = ?", "+12025550100").First(&p).Error; errFind != nil {
		t.Fatalf("find participant: %v", errFind)
	}
	if p.EnrolledAt == nil {
		t.Fatal("expected participant enrolled after first send")
	}
}

func TestAssignAndSendDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.messaging.Fail = true
	f.seedLinks(t, "https://example.org/s/1")

	outcome, errSend := f.svc.AssignAndSend(context.Background(), "+12025550100", nil)
	if !errors.Is(errSend, core.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", errSend)
	}
	if outcome == nil || outcome.Invitation == nil {
		t.Fatal("expected the invitation to survive a failed send")
	}
	if outcome.Invitation.MessageStatus != models.MessageFailed {
		t.Fatalf("expected failed status, got %s", outcome.Invitation.MessageStatus)
	}

	// The invitation stays active, so retrying re-sends the same link.
	f.messaging.Fail = false
	retry, errRetry := f.svc.AssignAndSend(context.Background(), "+12025550100", nil)
	if errRetry != nil {
		t.Fatalf("retry: %v", errRetry)
	}
	if retry.Created {
		t.Fatal("retry must not consume a second link")
	}
	if retry.Invitation.ID != outcome.Invitation.ID {
		t.Fatalf("expected same invitation on retry")
	}
}

func TestAssignAndSendRefusesOptedOut(t *testing.T) {
	f := newFixture(t)
	f.seedLinks(t, "https://example.org/s/1")
	p := f.seedParticipant(t, "+12025550100")
	if errUpdate := f.conn.Model(&models.Participant{}).Where("id = ?", p.ID).Update("status", models.ParticipantOptedOut).Error; errUpdate != nil {
		t.Fatalf("opt out: %v", errUpdate)
	}

	if _, errSend := f.svc.AssignAndSend(context.Background(), "+12025550100", nil); !errors.Is(errSend, core.ErrConflict) {
		t.Fatalf("expected ErrConflict for opted-out participant, got %v", errSend)
	}
}

func TestHandleSMSStatusTransitions(t *testing.T) {
	f := newFixture(t)
	f.seedLinks(t, "https://example.org/s/1")
	outcome, errSend := f.svc.AssignAndSend(context.Background(), "+12025550100", nil)
	if errSend != nil {
		t.Fatalf("assign and send: %v", errSend)
	}
	sid := *outcome.Invitation.MessageSID

	for _, status := range []string{"sent", "delivered"} {
		if errHandle := f.svc.HandleSMSStatus(context.Background(), sid, status, nil, []byte(`{}`)); errHandle != nil {
			t.Fatalf("handle %s: %v", status, errHandle)
		}
	}

	inv, errGet := f.svc.Get(context.Background(), outcome.Invitation.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if inv.MessageStatus != models.MessageDelivered {
		t.Fatalf("expected delivered, got %s", inv.MessageStatus)
	}
	if inv.SentAt == nil || inv.DeliveredAt == nil {
		t.Fatal("expected sent and delivered timestamps")
	}

	// Delivered is terminal for provider callbacks.
	if errHandle := f.svc.HandleSMSStatus(context.Background(), sid, "failed", nil, []byte(`{}`)); errHandle != nil {
		t.Fatalf("handle failed: %v", errHandle)
	}
	inv, _ = f.svc.Get(context.Background(), outcome.Invitation.ID)
	if inv.MessageStatus != models.MessageDelivered {
		t.Fatalf("late failure must not demote delivered, got %s", inv.MessageStatus)
	}

	var eventCount int64
	f.conn.Model(&models.SMSEventLog{}).Where("message_sid = ?", sid).Count(&eventCount)
	if eventCount != 3 {
		t.Fatalf("expected 3 event rows, got %d", eventCount)
	}
}

func TestHandleSMSStatusUnknownSIDStillLogged(t *testing.T) {
	f := newFixture(t)
	if errHandle := f.svc.HandleSMSStatus(context.Background(), "SMunknown", "delivered", nil, []byte(`{"MessageSid":["SMunknown"]}`)); errHandle != nil {
		t.Fatalf("handle unknown sid: %v", errHandle)
	}
	var eventCount int64
	f.conn.Model(&models.SMSEventLog{}).Where("message_sid = ?", "SMunknown").Count(&eventCount)
	if eventCount != 1 {
		t.Fatalf("expected an event row for the unknown SID, got %d", eventCount)
	}
}

func TestHandleCompletionRetiresLinkAndQueuesReward(t *testing.T) {
	f := newFixture(t)
	f.seedLinks(t, "https://example.org/s/1", "https://example.org/s/2")
	outcome, errSend := f.svc.AssignAndSend(context.Background(), "+12025550100", nil)
	if errSend != nil {
		t.Fatalf("assign and send: %v", errSend)
	}

	completed, errComplete := f.svc.HandleCompletion(context.Background(), "https://example.org/s/1")
	if errComplete != nil {
		t.Fatalf("handle completion: %v", errComplete)
	}
	if completed.CompletedAt == nil {
		t.Fatal("expected CompletedAt set")
	}
	if completed.ActiveKey != nil {
		t.Fatal("expected ActiveKey cleared on completion")
	}
	if completed.MessageStatus != models.MessageCompleted {
		t.Fatalf("expected completed status, got %s", completed.MessageStatus)
	}

	var link models.SurveyLink
	if errFind := f.conn.Where("id = ?", completed.LinkID).First(&link).Error; errFind != nil {
		t.Fatalf("reload link: %v", errFind)
	}
	if link.Status != models.PoolStatusExhausted {
		t.Fatalf("expected link EXHAUSTED, got %s", link.Status)
	}

	var reward models.GiftCard
	if errFind := f.conn.Where("invitation_id = ?", completed.ID).First(&reward).Error; errFind != nil {
		t.Fatalf("expected a pending gift card: %v", errFind)
	}
	if reward.Status != models.GiftCardPending {
		t.Fatalf("expected PENDING reward, got %s", reward.Status)
	}

	// The same callback again finds no active invitation.
	if _, errAgain := f.svc.HandleCompletion(context.Background(), "https://example.org/s/1"); !errors.Is(errAgain, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on duplicate completion, got %v", errAgain)
	}

	// The participant's slot is free: a new request consumes the next link.
	next, errNext := f.svc.AssignAndSend(context.Background(), "+12025550100", nil)
	if errNext != nil {
		t.Fatalf("reassign after completion: %v", errNext)
	}
	if !next.Created {
		t.Fatal("expected a fresh invitation after completion")
	}
	if next.Invitation.ID == outcome.Invitation.ID {
		t.Fatal("expected a different invitation after completion")
	}
}

func TestUncompleteRestoresActiveSlot(t *testing.T) {
	f := newFixture(t)
	f.seedLinks(t, "https://example.org/s/1")
	outcome, errSend := f.svc.AssignAndSend(context.Background(), "+12025550100", nil)
	if errSend != nil {
		t.Fatalf("assign and send: %v", errSend)
	}
	if errComplete := f.svc.Complete(context.Background(), outcome.Invitation.ID); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}
	if errUncomplete := f.svc.Uncomplete(context.Background(), outcome.Invitation.ID); errUncomplete != nil {
		t.Fatalf("uncomplete: %v", errUncomplete)
	}

	inv, errGet := f.svc.Get(context.Background(), outcome.Invitation.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if !inv.Active() {
		t.Fatal("expected invitation active again")
	}
	if inv.ActiveKey == nil || *inv.ActiveKey != inv.ParticipantID {
		t.Fatal("expected ActiveKey restored")
	}
}

func TestCompleteTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedLinks(t, "https://example.org/s/1")
	outcome, errSend := f.svc.AssignAndSend(context.Background(), "+12025550100", nil)
	if errSend != nil {
		t.Fatalf("assign and send: %v", errSend)
	}
	if errComplete := f.svc.Complete(context.Background(), outcome.Invitation.ID); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}
	if errAgain := f.svc.Complete(context.Background(), outcome.Invitation.ID); !errors.Is(errAgain, core.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", errAgain)
	}
}
