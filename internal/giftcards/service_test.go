package giftcards

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
	"github.com/howard-research/surveybackend/internal/pool"
	"github.com/howard-research/surveybackend/internal/providers"
	"gorm.io/gorm"
)

type fixture struct {
	conn      *gorm.DB
	svc       *Service
	messaging *providers.FakeMessaging
	email     *providers.FakeEmail
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
	messaging := &providers.FakeMessaging{}
	email := &providers.FakeEmail{}
	return &fixture{
		conn:      conn,
		svc:       NewService(conn, pool.NewService(conn), messaging, email),
		messaging: messaging,
		email:     email,
	}
}

// seedCompleted creates a participant with a completed invitation and
// returns both.
func (f *fixture) seedCompleted(t *testing.T, phone string) (models.Participant, models.Invitation) {
	t.Helper()
	email := phone + "@example.org"
	p := models.Participant{Phone: phone, Email: &email, Status: models.ParticipantSubscribed}
	if errCreate := f.conn.Create(&p).Error; errCreate != nil {
		t.Fatalf("seed participant: %v", errCreate)
	}
	link := models.SurveyLink{
		LinkURL:    "https://example.org/s/" + phone,
		Status:     models.PoolStatusExhausted,
		UploadedBy: "tester",
	}
	if errCreate := f.conn.Create(&link).Error; errCreate != nil {
		t.Fatalf("seed link: %v", errCreate)
	}
	completedAt := time.Now().UTC().Add(-time.Hour)
	inv := models.Invitation{
		ParticipantID: p.ID,
		LinkID:        link.ID,
		LinkURL:       link.LinkURL,
		MessageStatus: models.MessageCompleted,
		CompletedAt:   &completedAt,
	}
	if errCreate := f.conn.Create(&inv).Error; errCreate != nil {
		t.Fatalf("seed invitation: %v", errCreate)
	}
	return p, inv
}

func (f *fixture) seedPoolCard(t *testing.T, code string) models.GiftCardPoolCard {
	t.Helper()
	value := 25.0
	card := models.GiftCardPoolCard{
		CardCode:      code,
		CardType:      "AMAZON",
		CardValue:     &value,
		RedemptionURL: "https://www.amazon.com/gc/redeem",
		Status:        models.PoolStatusAvailable,
		UploadedBy:    "tester",
	}
	if errCreate := f.conn.Create(&card).Error; errCreate != nil {
		t.Fatalf("seed pool card: %v", errCreate)
	}
	return card
}

func TestSendBindsCardAndAudits(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	poolCard := f.seedPoolCard(t, "AMZN-123456-ABCD")

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodBoth, "alice")
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}
	if sent.Status != models.GiftCardSent {
		t.Fatalf("expected SENT, got %s", sent.Status)
	}
	if sent.CardCode == nil || *sent.CardCode != "AMZN-123456-ABCD" {
		t.Fatalf("expected the pool code denormalized, got %v", sent.CardCode)
	}
	if sent.PoolCardID == nil || *sent.PoolCardID != poolCard.ID {
		t.Fatal("expected the allocation bound to the pool card")
	}
	if sent.SentBy == nil || *sent.SentBy != "alice" {
		t.Fatalf("expected SentBy recorded, got %v", sent.SentBy)
	}

	var reloaded models.GiftCardPoolCard
	if errFind := f.conn.Where("id = ?", poolCard.ID).First(&reloaded).Error; errFind != nil {
		t.Fatalf("reload pool card: %v", errFind)
	}
	if reloaded.Status != models.PoolStatusAssigned {
		t.Fatalf("expected pool card ASSIGNED, got %s", reloaded.Status)
	}
	if reloaded.AssignedGiftCardID == nil || *reloaded.AssignedGiftCardID != sent.ID {
		t.Fatal("expected pool card bound back to the allocation")
	}

	if len(f.messaging.Sent) != 1 || len(f.email.Sent) != 1 {
		t.Fatalf("expected one SMS and one email, got %d and %d", len(f.messaging.Sent), len(f.email.Sent))
	}

	logs, errLogs := f.svc.Logs(context.Background(), sent.ID)
	if errLogs != nil {
		t.Fatalf("logs: %v", errLogs)
	}
	if len(logs) == 0 || logs[0].Action != models.ActionSent {
		t.Fatalf("expected a sent audit entry, got %v", logs)
	}
}

func TestSendRollsBackWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	poolCard := f.seedPoolCard(t, "AMZN-123456-ABCD")
	f.messaging.Fail = true
	f.email.Fail = true

	if _, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodBoth, "alice"); !errors.Is(errSend, core.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", errSend)
	}

	// The code goes back to the pool and the allocation keeps no claim on it.
	var reloaded models.GiftCardPoolCard
	if errFind := f.conn.Where("id = ?", poolCard.ID).First(&reloaded).Error; errFind != nil {
		t.Fatalf("reload pool card: %v", errFind)
	}
	if reloaded.Status != models.PoolStatusAvailable {
		t.Fatalf("expected released pool card, got %s", reloaded.Status)
	}

	var allocation models.GiftCard
	if errFind := f.conn.Where("invitation_id = ?", inv.ID).First(&allocation).Error; errFind != nil {
		t.Fatalf("expected the allocation kept for audit: %v", errFind)
	}
	if allocation.Status != models.GiftCardFailed {
		t.Fatalf("expected FAILED, got %s", allocation.Status)
	}
	if allocation.CardCode != nil || allocation.PoolCardID != nil {
		t.Fatal("expected card fields cleared after rollback")
	}

	logs, _ := f.svc.Logs(context.Background(), allocation.ID)
	if len(logs) == 0 || logs[0].Action != models.ActionFailed {
		t.Fatal("expected a failed audit entry")
	}

	// The failed allocation is retryable once delivery works again.
	f.messaging.Fail = false
	f.email.Fail = false
	retried, errRetry := f.svc.Send(context.Background(), p.ID, inv.ID, MethodBoth, "alice")
	if errRetry != nil {
		t.Fatalf("retry: %v", errRetry)
	}
	if retried.ID != allocation.ID {
		t.Fatal("retry must reuse the existing allocation row")
	}
	if retried.Status != models.GiftCardSent {
		t.Fatalf("expected SENT after retry, got %s", retried.Status)
	}
}

func TestSendBothNeedsOnlyOneChannel(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")
	f.email.Fail = true

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodBoth, "alice")
	if errSend != nil {
		t.Fatalf("expected BOTH to succeed on SMS alone: %v", errSend)
	}
	if sent.Status != models.GiftCardSent {
		t.Fatalf("expected SENT, got %s", sent.Status)
	}
}

func TestSendRejectsDoubleIssue(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")
	f.seedPoolCard(t, "AMZN-123456-EFGH")

	if _, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice"); errSend != nil {
		t.Fatalf("first send: %v", errSend)
	}
	if _, errAgain := f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice"); !errors.Is(errAgain, core.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", errAgain)
	}

	var available int64
	f.conn.Model(&models.GiftCardPoolCard{}).Where("status = ?", models.PoolStatusAvailable).Count(&available)
	if available != 1 {
		t.Fatalf("rejected double issue must not consume a card, %d available", available)
	}
}

func TestSendConcurrentDuplicatesYieldOneCard(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")
	f.seedPoolCard(t, "AMZN-123456-EFGH")

	const senders = 2
	results := make([]error, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, errSend := range results {
		if errSend == nil {
			succeeded++
			continue
		}
		if !errors.Is(errSend, core.ErrConflict) {
			t.Fatalf("losing send must surface a conflict, got %v", errSend)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 successful send, got %d", succeeded)
	}

	var rows int64
	f.conn.Model(&models.GiftCard{}).Where("invitation_id = ?", inv.ID).Count(&rows)
	if rows != 1 {
		t.Fatalf("expected 1 allocation row, got %d", rows)
	}
	var available int64
	f.conn.Model(&models.GiftCardPoolCard{}).Where("status = ?", models.PoolStatusAvailable).Count(&available)
	if available != 1 {
		t.Fatalf("losing send must return its claimed card, %d available", available)
	}
}

func TestSendEmptyPool(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	if _, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice"); !errors.Is(errSend, core.ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty, got %v", errSend)
	}
}

func TestSendEmailMethodNeedsAddress(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")
	if errClear := f.conn.Model(&models.Participant{}).Where("id = ?", p.ID).Update("email", nil).Error; errClear != nil {
		t.Fatalf("clear email: %v", errClear)
	}
	if _, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodEmail, "alice"); !errors.Is(errSend, core.ErrConflict) {
		t.Fatalf("expected ErrConflict without an email address, got %v", errSend)
	}
}

func TestUnsendReleasesCardAndKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	poolCard := f.seedPoolCard(t, "AMZN-123456-ABCD")

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodBoth, "alice")
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}
	if errUnsend := f.svc.Unsend(context.Background(), sent.ID, "bob"); errUnsend != nil {
		t.Fatalf("unsend: %v", errUnsend)
	}

	reverted, errGet := f.svc.Get(context.Background(), sent.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if reverted.Status != models.GiftCardUnsent {
		t.Fatalf("expected UNSENT, got %s", reverted.Status)
	}
	if reverted.CardCode != nil || reverted.PoolCardID != nil {
		t.Fatal("expected card fields cleared on unsend")
	}

	var reloaded models.GiftCardPoolCard
	if errFind := f.conn.Where("id = ?", poolCard.ID).First(&reloaded).Error; errFind != nil {
		t.Fatalf("reload pool card: %v", errFind)
	}
	if reloaded.Status != models.PoolStatusAvailable {
		t.Fatalf("expected pool card released, got %s", reloaded.Status)
	}

	records, errList := f.svc.ListUnsent(context.Background(), nil)
	if errList != nil {
		t.Fatalf("list unsent: %v", errList)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 unsent record, got %d", len(records))
	}
	record := records[0]
	if record.GiftCardID != sent.ID || record.UnsentBy != "bob" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Snapshot.CardCode == nil || *record.Snapshot.CardCode != "AMZN-123456-ABCD" {
		t.Fatal("expected the snapshot to retain the unsent code")
	}
	if record.Snapshot.ParticipantPhone != p.Phone {
		t.Fatalf("expected participant phone in snapshot, got %q", record.Snapshot.ParticipantPhone)
	}

	// The phone filter digs into the snapshot payload.
	filtered, errFiltered := f.svc.ListUnsent(context.Background(), &p.Phone)
	if errFiltered != nil {
		t.Fatalf("filtered list: %v", errFiltered)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected the phone filter to match, got %d", len(filtered))
	}
	other := "+19995550000"
	if missed, _ := f.svc.ListUnsent(context.Background(), &other); len(missed) != 0 {
		t.Fatalf("expected no match for a different phone, got %d", len(missed))
	}

	if errAgain := f.svc.Unsend(context.Background(), sent.ID, "bob"); !errors.Is(errAgain, core.ErrConflict) {
		t.Fatalf("expected ErrConflict on double unsend, got %v", errAgain)
	}

	// The snapshot outlives the participant row itself.
	if errDelete := f.conn.Delete(&models.Participant{}, "id = ?", p.ID).Error; errDelete != nil {
		t.Fatalf("delete participant: %v", errDelete)
	}
	records, errList = f.svc.ListUnsent(context.Background(), nil)
	if errList != nil {
		t.Fatalf("list unsent after delete: %v", errList)
	}
	if len(records) != 1 || records[0].Snapshot.ParticipantPhone != p.Phone {
		t.Fatal("expected the snapshot to survive participant deletion")
	}
}

func TestUnsendRefusesRedeemed(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice")
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}
	if errRedeem := f.svc.MarkRedeemed(context.Background(), sent.ID); errRedeem != nil {
		t.Fatalf("mark redeemed: %v", errRedeem)
	}
	if errUnsend := f.svc.Unsend(context.Background(), sent.ID, "bob"); !errors.Is(errUnsend, core.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", errUnsend)
	}
}

func TestUnsendFailsClosedWhenSnapshotCannotBeWritten(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice")
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}

	// With the log table gone the snapshot insert fails, and the whole
	// unsend must roll back with it.
	if errDrop := f.conn.Migrator().DropTable(&models.DistributionLog{}); errDrop != nil {
		t.Fatalf("drop log table: %v", errDrop)
	}
	if errUnsend := f.svc.Unsend(context.Background(), sent.ID, "bob"); errUnsend == nil {
		t.Fatal("expected unsend to fail without a snapshot record")
	}

	reloaded, errGet := f.svc.Get(context.Background(), sent.ID)
	if errGet != nil {
		t.Fatalf("reload: %v", errGet)
	}
	if reloaded.Status != models.GiftCardSent {
		t.Fatalf("expected card still SENT, got %s", reloaded.Status)
	}
	if reloaded.CardCode == nil || *reloaded.CardCode != "AMZN-123456-ABCD" {
		t.Fatalf("expected card code untouched, got %v", reloaded.CardCode)
	}
	var poolCard models.GiftCardPoolCard
	if errFind := f.conn.Where("card_code = ?", "AMZN-123456-ABCD").First(&poolCard).Error; errFind != nil {
		t.Fatalf("find pool card: %v", errFind)
	}
	if poolCard.Status != models.PoolStatusAssigned {
		t.Fatalf("expected pool card still ASSIGNED, got %s", poolCard.Status)
	}
}

func TestDeletePendingOnly(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")

	pending, errCreate := f.svc.CreatePending(context.Background(), p.ID, inv.ID, "alice")
	if errCreate != nil {
		t.Fatalf("create pending: %v", errCreate)
	}
	if errDelete := f.svc.DeletePending(context.Background(), pending.ID); errDelete != nil {
		t.Fatalf("delete pending: %v", errDelete)
	}
	var count int64
	f.conn.Model(&models.GiftCard{}).Where("id = ?", pending.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected allocation gone, found %d rows", count)
	}
	if errMissing := f.svc.DeletePending(context.Background(), pending.ID); !errors.Is(errMissing, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", errMissing)
	}

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice")
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}
	if errSent := f.svc.DeletePending(context.Background(), sent.ID); !errors.Is(errSent, core.ErrConflict) {
		t.Fatalf("expected ErrConflict deleting a sent allocation, got %v", errSent)
	}
}

func TestPurgeLogsKeepsUnsentHistory(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodBoth, "alice")
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}
	if errNotes := f.svc.AddNotes(context.Background(), sent.ID, "follow up next week", "alice"); errNotes != nil {
		t.Fatalf("add notes: %v", errNotes)
	}
	if errUnsend := f.svc.Unsend(context.Background(), sent.ID, "bob"); errUnsend != nil {
		t.Fatalf("unsend: %v", errUnsend)
	}

	purged, errPurge := f.svc.PurgeLogs(context.Background(), sent.ID)
	if errPurge != nil {
		t.Fatalf("purge: %v", errPurge)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged entries, got %d", purged)
	}

	logs, errLogs := f.svc.Logs(context.Background(), sent.ID)
	if errLogs != nil {
		t.Fatalf("logs: %v", errLogs)
	}
	if len(logs) != 1 || logs[0].Action != models.ActionUnsent {
		t.Fatalf("expected only the unsent entry to survive, got %v", logs)
	}
}

func TestEligibleParticipants(t *testing.T) {
	f := newFixture(t)
	rewarded, rewardedInv := f.seedCompleted(t, "+12025550100")
	pending, _ := f.seedCompleted(t, "+12025550101")
	f.seedPoolCard(t, "AMZN-123456-ABCD")

	if _, errSend := f.svc.Send(context.Background(), rewarded.ID, rewardedInv.ID, MethodSMS, "alice"); errSend != nil {
		t.Fatalf("send: %v", errSend)
	}

	eligible, errList := f.svc.EligibleParticipants(context.Background())
	if errList != nil {
		t.Fatalf("eligible: %v", errList)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected 1 eligible participant, got %d", len(eligible))
	}
	if eligible[0].ParticipantID != pending.ID {
		t.Fatalf("expected the unrewarded participant, got %s", eligible[0].ParticipantID)
	}
}

func TestUpdateDeliveryStatusPromotesSent(t *testing.T) {
	f := newFixture(t)
	p, inv := f.seedCompleted(t, "+12025550100")
	f.seedPoolCard(t, "AMZN-123456-ABCD")

	sent, errSend := f.svc.Send(context.Background(), p.ID, inv.ID, MethodSMS, "alice")
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}
	if errUpdate := f.svc.UpdateDeliveryStatus(context.Background(), sent.ID, MethodSMS, "delivered"); errUpdate != nil {
		t.Fatalf("update status: %v", errUpdate)
	}

	card, _ := f.svc.Get(context.Background(), sent.ID)
	if card.Status != models.GiftCardDelivered {
		t.Fatalf("expected DELIVERED, got %s", card.Status)
	}
	if card.DeliveredAt == nil {
		t.Fatal("expected DeliveredAt set")
	}
}
