package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	twilioAPIBase        = "https://api.twilio.com/2010-04-01"
	twilioRequestTimeout = 15 * time.Second
	maxErrorBodyBytes    = 512
)

// TwilioClient sends SMS through the Twilio Messages API.
type TwilioClient struct {
	accountSID string
	authToken  string
	fromNumber string
	httpClient *http.Client
	baseURL    string
}

// NewTwilioClient constructs a Twilio SMS client.
func NewTwilioClient(cfg config.TwilioConfig) *TwilioClient {
	return &TwilioClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		httpClient: &http.Client{Timeout: twilioRequestTimeout},
		baseURL:    twilioAPIBase,
	}
}

type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one SMS to Twilio. Provider rejections and transport errors are
// reported through SendResult; only request construction failures return an
// error.
func (c *TwilioClient) Send(ctx context.Context, toE164, body string) (SendResult, error) {
	form := url.Values{}
	form.Set("To", toE164)
	form.Set("From", c.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if errReq != nil {
		return SendResult{}, fmt.Errorf("twilio: build request: %w", errReq)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warnf("twilio: send to %s failed", toE164)
		return SendResult{OK: false, Error: "request_failed"}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	payload, errRead := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if errRead != nil {
		return SendResult{OK: false, Error: "read_response_failed"}, nil
	}

	var parsed twilioMessageResponse
	_ = json.Unmarshal(payload, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := parsed.Message
		if detail == "" {
			detail = truncate(string(payload), maxErrorBodyBytes)
		}
		if parsed.Code != 0 {
			detail = fmt.Sprintf("%d: %s", parsed.Code, detail)
		}
		log.Warnf("twilio: send to %s rejected status=%d detail=%s", toE164, resp.StatusCode, detail)
		return SendResult{OK: false, Error: detail}, nil
	}

	status := strings.ToLower(parsed.Status)
	if status == "" {
		status = "queued"
	}
	log.Infof("twilio: SMS queued to=%s sid=%s status=%s", toE164, parsed.SID, status)
	return SendResult{OK: true, SID: parsed.SID, Status: status}, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
