// Package synthesis implements the WEB source: a client for the dashboard
// scraping sidecar and the adapter that logs in with an emailed code and
// reads today's progress.
package synthesis

import (
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOGIN DTOs
// ══════════════════════════════════════════════════════════════════════════════

// LoginCodeRequestDTO asks the sidecar to open a browser session and request
// an email login code.
type LoginCodeRequestDTO struct {
	Email string `json:"email"`
}

// LoginSessionDTO identifies the browser session waiting for a code.
type LoginSessionDTO struct {
	// SessionID is passed to every later call
	SessionID string `json:"session_id"`

	// RequestedAt is when the dashboard accepted the code request
	RequestedAt time.Time `json:"requested_at"`
}

// VerifyRequestDTO submits the code from the email.
type VerifyRequestDTO struct {
	Code string `json:"code"`
}

// VerifyResultDTO reports whether the dashboard accepted the code.
type VerifyResultDTO struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD DTOs
// ══════════════════════════════════════════════════════════════════════════════

// DashboardDTO is the raw dashboard text the sidecar scraped. Values are the
// element texts as shown on the page; the mapper parses them.
type DashboardDTO struct {
	// LoggedIn is false when the session expired before the scrape
	LoggedIn bool `json:"logged_in"`

	// StudyTime is today's time, e.g. "1 hour 20 minutes"
	StudyTime string `json:"study_time,omitempty"`

	// Lessons are the titles of recently completed lessons
	Lessons []string `json:"lessons,omitempty"`

	// LastActivity is an RFC 3339 timestamp when the page exposes one
	LastActivity string `json:"last_activity,omitempty"`

	// Streak is the streak badge text, e.g. "4 day streak"
	Streak string `json:"streak,omitempty"`

	// Points is the score badge text, e.g. "1,250 points"
	Points string `json:"points,omitempty"`

	// ScrapedAt is when the page was read
	ScrapedAt *time.Time `json:"scraped_at,omitempty"`
}

// HealthDTO is the sidecar health response.
type HealthDTO struct {
	Status string `json:"status"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR DTOs
// ══════════════════════════════════════════════════════════════════════════════

// APIErrorDTO represents an error response from the sidecar.
type APIErrorDTO struct {
	// Status is the HTTP status code; not part of the body
	Status int `json:"-"`

	// Code is the error code
	Code string `json:"code"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// RequestID is the ID of the failed request (for debugging)
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIErrorDTO) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return fmt.Sprintf("status %d: %s", e.Status, msg)
}

// RateLimitError is returned when the sidecar answers 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
}

// DecodeError is returned when a response body cannot be parsed.
type DecodeError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
