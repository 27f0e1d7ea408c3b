// Package providers holds the narrow interfaces for external delivery
// collaborators (SMS, email, link shortening) and their HTTP client
// implementations. The allocation services only ever see success or failure
// plus an opaque provider detail string; provider errors are never
// interpreted beyond that.
package providers

import "context"

// SendResult reports the outcome of an SMS send.
type SendResult struct {
	OK     bool   // Whether the provider accepted the message.
	SID    string // Provider message ID when accepted.
	Status string // Provider status, e.g. "queued".
	Error  string // Opaque provider error detail when not accepted.
}

// Messaging sends SMS messages. Implementations must return rather than
// panic on provider failures; a timeout is a failed send, not a crash.
type Messaging interface {
	Send(ctx context.Context, toE164, body string) (SendResult, error)
}

// EmailResult reports the outcome of an email send.
type EmailResult struct {
	Success      bool
	StatusCode   int
	ErrorMessage string
}

// Email sends HTML email.
type Email interface {
	Send(ctx context.Context, toAddress, recipientName, subject, htmlBody string) (EmailResult, error)
}

// Shortener shortens URLs. A failed shorten returns an empty string and no
// error: callers degrade gracefully to the long URL.
type Shortener interface {
	Shorten(ctx context.Context, longURL string) string
}
