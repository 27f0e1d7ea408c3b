package public

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/howard-research/surveybackend/internal/db"
	"github.com/howard-research/surveybackend/internal/enrollment"
	"github.com/howard-research/surveybackend/internal/invitations"
	"github.com/howard-research/surveybackend/internal/models"
	"github.com/howard-research/surveybackend/internal/participants"
	"github.com/howard-research/surveybackend/internal/pool"
	"github.com/howard-research/surveybackend/internal/providers"
	"gorm.io/gorm"
)

type fixture struct {
	conn   *gorm.DB
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	poolSvc := pool.NewService(conn)
	participantSvc := participants.NewService(conn)
	enrollmentSvc := enrollment.NewService(conn)
	invitationSvc := invitations.NewService(conn, poolSvc, participantSvc, &providers.FakeMessaging{}, &providers.FakeEmail{}, &providers.FakeShortener{})

	router := gin.New()
	RegisterPublicRoutes(router, Deps{
		Enrollment:  enrollmentSvc,
		Invitations: invitationSvc,
	})
	return &fixture{conn: conn, router: router}
}

func (f *fixture) seedSentInvitation(t *testing.T) models.Invitation {
	t.Helper()
	p := models.Participant{Phone: "+12025550100", Status: models.ParticipantSubscribed}
	if errCreate := f.conn.Create(&p).Error; errCreate != nil {
		t.Fatalf("seed participant: %v", errCreate)
	}
	link := models.SurveyLink{
		LinkURL:    "https://example.org/s/1",
		Status:     models.PoolStatusAssigned,
		UploadedBy: "tester",
	}
	if errCreate := f.conn.Create(&link).Error; errCreate != nil {
		t.Fatalf("seed link: %v", errCreate)
	}
	sid := "SM00000001"
	inv := models.Invitation{
		ParticipantID: p.ID,
		LinkID:        link.ID,
		LinkURL:       link.LinkURL,
		MessageSID:    &sid,
		MessageStatus: models.MessageQueued,
	}
	if errCreate := f.conn.Create(&inv).Error; errCreate != nil {
		t.Fatalf("seed invitation: %v", errCreate)
	}
	return inv
}

func postForm(router *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEnrollmentStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/enrollment/status", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"state":"open"`) {
		t.Fatalf("expected open state, got %s", rec.Body.String())
	}
}

func TestSMSStatusWebhookUpdatesInvitation(t *testing.T) {
	f := newFixture(t)
	inv := f.seedSentInvitation(t)

	rec := postForm(f.router, "/v0/webhooks/sms-status", url.Values{
		"MessageSid":    {*inv.MessageSID},
		"MessageStatus": {"delivered"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var reloaded models.Invitation
	if errFind := f.conn.Where("id = ?", inv.ID).First(&reloaded).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if reloaded.MessageStatus != models.MessageDelivered {
		t.Fatalf("expected delivered, got %s", reloaded.MessageStatus)
	}
}

func TestSMSStatusWebhookSwallowsUnknownSID(t *testing.T) {
	f := newFixture(t)
	rec := postForm(f.router, "/v0/webhooks/sms-status", url.Values{
		"MessageSid":    {"SMmissing"},
		"MessageStatus": {"delivered"},
	})
	// Provider callbacks always get 200 so Twilio does not retry.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSMSStatusWebhookRequiresSID(t *testing.T) {
	f := newFixture(t)
	rec := postForm(f.router, "/v0/webhooks/sms-status", url.Values{
		"MessageStatus": {"delivered"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCompletionWebhookViaQueryParam(t *testing.T) {
	f := newFixture(t)
	inv := f.seedSentInvitation(t)

	req := httptest.NewRequest(http.MethodGet, "/v0/webhooks/completion?link_url="+url.QueryEscape(inv.LinkURL), nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var reloaded models.Invitation
	if errFind := f.conn.Where("id = ?", inv.ID).First(&reloaded).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if reloaded.CompletedAt == nil {
		t.Fatal("expected the invitation completed")
	}
}

func TestCompletionWebhookViaJSONBody(t *testing.T) {
	f := newFixture(t)
	inv := f.seedSentInvitation(t)

	body := `{"link_url":"` + inv.LinkURL + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v0/webhooks/completion", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompletionWebhookUnknownLink(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/webhooks/completion?link_url=https://example.org/nope", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResendRequiresPhone(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v0/survey/resend", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResendWithEmptyPool(t *testing.T) {
	f := newFixture(t)
	body := `{"phone":"+12025550177"}`
	req := httptest.NewRequest(http.MethodPost, "/v0/survey/resend", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on an empty pool, got %d: %s", rec.Code, rec.Body.String())
	}
}
