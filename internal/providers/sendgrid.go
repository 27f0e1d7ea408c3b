package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/howard-research/surveybackend/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	sendGridMailURL        = "https://api.sendgrid.com/v3/mail/send"
	sendGridRequestTimeout = 15 * time.Second
)

// SendGridClient sends HTML email through the SendGrid v3 API.
type SendGridClient struct {
	apiKey     string
	fromEmail  string
	fromName   string
	httpClient *http.Client
	baseURL    string
}

// NewSendGridClient constructs a SendGrid email client.
func NewSendGridClient(cfg config.SendGridConfig) *SendGridClient {
	return &SendGridClient{
		apiKey:     cfg.APIKey,
		fromEmail:  cfg.FromEmail,
		fromName:   cfg.FromName,
		httpClient: &http.Client{Timeout: sendGridRequestTimeout},
		baseURL:    sendGridMailURL,
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridMail struct {
	Personalizations []struct {
		To []sendGridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendGridAddress `json:"from"`
	Subject string          `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

// Send posts one email. Provider rejections are reported through
// EmailResult, never as errors.
func (c *SendGridClient) Send(ctx context.Context, toAddress, recipientName, subject, htmlBody string) (EmailResult, error) {
	mail := sendGridMail{
		From:    sendGridAddress{Email: c.fromEmail, Name: c.fromName},
		Subject: subject,
	}
	mail.Personalizations = append(mail.Personalizations, struct {
		To []sendGridAddress `json:"to"`
	}{To: []sendGridAddress{{Email: toAddress, Name: recipientName}}})
	mail.Content = append(mail.Content, struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{Type: "text/html", Value: htmlBody})

	payload, errMarshal := json.Marshal(mail)
	if errMarshal != nil {
		return EmailResult{}, fmt.Errorf("sendgrid: marshal mail: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if errReq != nil {
		return EmailResult{}, fmt.Errorf("sendgrid: build request: %w", errReq)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warnf("sendgrid: send to %s failed", toAddress)
		return EmailResult{Success: false, ErrorMessage: "request_failed"}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Infof("sendgrid: email accepted to=%s status=%d", toAddress, resp.StatusCode)
		return EmailResult{Success: true, StatusCode: resp.StatusCode}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	detail := truncate(string(body), maxErrorBodyBytes)
	log.Warnf("sendgrid: email rejected to=%s status=%d detail=%s", toAddress, resp.StatusCode, detail)
	return EmailResult{Success: false, StatusCode: resp.StatusCode, ErrorMessage: detail}, nil
}
