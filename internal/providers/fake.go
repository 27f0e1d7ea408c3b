package providers

import (
	"context"
	"fmt"
	"sync"
)

// FakeMessaging is an in-memory Messaging implementation for tests.
type FakeMessaging struct {
	mu sync.Mutex

	Fail      bool   // When true every send fails.
	FailError string // Provider detail reported on failure.
	Sent      []FakeMessage
	nextSID   int
}

// FakeMessage records one fake SMS send.
type FakeMessage struct {
	To   string
	Body string
}

// Send records the message and reports success unless Fail is set.
func (f *FakeMessaging) Send(_ context.Context, toE164, body string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		detail := f.FailError
		if detail == "" {
			detail = "fake sms failure"
		}
		return SendResult{OK: false, Error: detail}, nil
	}
	f.Sent = append(f.Sent, FakeMessage{To: toE164, Body: body})
	f.nextSID++
	return SendResult{OK: true, SID: fmt.Sprintf("SM%08d", f.nextSID), Status: "queued"}, nil
}

// FakeEmail is an in-memory Email implementation for tests.
type FakeEmail struct {
	mu sync.Mutex

	Fail bool
	Sent []FakeEmailMessage
}

// FakeEmailMessage records one fake email send.
type FakeEmailMessage struct {
	To      string
	Subject string
}

// Send records the email and reports success unless Fail is set.
func (f *FakeEmail) Send(_ context.Context, toAddress, _, subject, _ string) (EmailResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		return EmailResult{Success: false, StatusCode: 500, ErrorMessage: "fake email failure"}, nil
	}
	f.Sent = append(f.Sent, FakeEmailMessage{To: toAddress, Subject: subject})
	return EmailResult{Success: true, StatusCode: 202}, nil
}

// FakeShortener returns a fixed short URL, or "" when unset.
type FakeShortener struct {
	ShortURL string
}

// Shorten returns the configured short URL.
func (f *FakeShortener) Shorten(_ context.Context, _ string) string {
	return f.ShortURL
}
