package synthesis

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAPPER - dashboard text to partial record
// ══════════════════════════════════════════════════════════════════════════════

// MaxLessons caps the lessons taken from one scrape.
const MaxLessons = 5

var (
	hoursRe   = regexp.MustCompile(`(?i)(\d+)\s*(?:hours?|hrs?)\b`)
	minutesRe = regexp.MustCompile(`(?i)(\d+)\s*(?:minutes?|mins?)\b`)
	numberRe  = regexp.MustCompile(`\d[\d,]*`)
)

// ParseStudyTime converts text like "1 hour 20 minutes" or "45 mins" to
// minutes. It reports false when the text has no positive duration.
func ParseStudyTime(text string) (int, bool) {
	total := 0
	if m := hoursRe.FindStringSubmatch(text); m != nil {
		if h, err := strconv.Atoi(m[1]); err == nil {
			total += h * 60
		}
	}
	if m := minutesRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			total += n
		}
	}
	if total <= 0 {
		return 0, false
	}
	return total, true
}

// FirstNumber returns the first integer in text, ignoring thousands
// separators ("1,250 points" is 1250).
func FirstNumber(text string) (int, bool) {
	m := numberRe.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ToPartial maps a scrape to the WEB partial for date. loginAt is when the
// code was verified; observedAt is used when the sidecar sends no scrape time.
func ToPartial(dto *DashboardDTO, date string, loginAt, observedAt time.Time) progress.PartialRecord {
	p := progress.PartialRecord{
		Source:     progress.SourceWeb,
		Date:       date,
		ObservedAt: observedAt,
	}
	if dto.ScrapedAt != nil && !dto.ScrapedAt.IsZero() {
		p.ObservedAt = *dto.ScrapedAt
	}

	loggedIn := dto.LoggedIn
	p.LoggedIn = &loggedIn
	if !loggedIn {
		return p
	}

	at := loginAt
	p.LoginTime = &at

	if minutes, ok := ParseStudyTime(dto.StudyTime); ok {
		p.StudyMinutes = &minutes
	}

	for _, l := range dto.Lessons {
		if l = strings.TrimSpace(l); l != "" {
			p.LessonsCompleted = append(p.LessonsCompleted, l)
		}
		if len(p.LessonsCompleted) == MaxLessons {
			break
		}
	}

	if dto.LastActivity != "" {
		if t, err := time.Parse(time.RFC3339, dto.LastActivity); err == nil {
			p.LastActivity = &t
		}
	}

	if points, ok := FirstNumber(dto.Points); ok {
		p.TotalPoints = &points
	}

	return p
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR CLASSIFICATION
// ══════════════════════════════════════════════════════════════════════════════

// classify turns a client error into a WEB adapter error. Auth and
// validation statuses and unparseable bodies are permanent; rate limits,
// server errors, timeouts and network failures are transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ae *source.AdapterError
	if errors.As(err, &ae) {
		return &source.AdapterError{Kind: ae.Kind, Source: progress.SourceWeb, Op: op, Err: err}
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return source.NewTransient(progress.SourceWeb, op, err)
	}

	var apiErr *APIErrorDTO
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status >= 500:
			return source.NewTransient(progress.SourceWeb, op, err)
		case apiErr.Status == http.StatusRequestTimeout:
			return source.NewTransient(progress.SourceWeb, op, err)
		default:
			return source.NewPermanent(progress.SourceWeb, op, err)
		}
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return source.NewPermanent(progress.SourceWeb, op, err)
	}

	// Timeouts, cancellation, network failures and anything unknown.
	return source.NewTransient(progress.SourceWeb, op, err)
}
