package mail

import (
	"context"
	"log/slog"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// Searcher is the mailbox the adapter reads. *Mailbox implements it.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Message, error)
	Check(ctx context.Context) error
}

// AdapterConfig contains configuration for the email adapter.
type AdapterConfig struct {
	// Lookback is how far back Collect searches when the request has no Since.
	// Default: 24h
	Lookback time.Duration
}

// Adapter is the EMAIL source. It also serves login codes to the web adapter.
type Adapter struct {
	mailbox  Searcher
	calendar *timeutil.Calendar
	logger   *slog.Logger
	config   AdapterConfig
}

// NewAdapter creates the email adapter.
func NewAdapter(mailbox Searcher, calendar *timeutil.Calendar, log *slog.Logger, config AdapterConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if config.Lookback <= 0 {
		config.Lookback = 24 * time.Hour
	}
	return &Adapter{
		mailbox:  mailbox,
		calendar: calendar,
		logger:   log.With(logger.Component("mail")),
		config:   config,
	}
}

// Kind returns EMAIL.
func (a *Adapter) Kind() progress.Source {
	return progress.SourceEmail
}

// Collect turns every progress or session email in the window into a partial
// record for the date it was sent on.
func (a *Adapter) Collect(ctx context.Context, req source.Request) ([]progress.PartialRecord, error) {
	since := req.Since
	if since.IsZero() {
		since = a.calendar.Now().Add(-a.config.Lookback)
	}

	msgs, err := a.mailbox.Search(ctx, Query{Since: since, Subjects: ProgressSubjects})
	if err != nil {
		return nil, err
	}

	partials := make([]progress.PartialRecord, 0, len(msgs))
	for _, msg := range msgs {
		if !IsProgressSubject(msg.Subject) {
			continue
		}
		if msg.Date.IsZero() {
			a.logger.Warn("progress email has no date", slog.String("subject", msg.Subject))
			continue
		}
		partials = append(partials, a.toPartial(ParseProgress(msg)))
	}

	a.logger.Debug("progress emails read", slog.Int("messages", len(msgs)), slog.Int("partials", len(partials)))
	return partials, nil
}

func (a *Adapter) toPartial(e ProgressEmail) progress.PartialRecord {
	loggedIn := true
	p := progress.PartialRecord{
		Source:           progress.SourceEmail,
		Date:             a.calendar.DateKey(e.Date),
		LoggedIn:         &loggedIn,
		LessonsCompleted: e.Activities,
		Achievements:     e.Achievements,
		ObservedAt:       e.Date,
	}
	if minutes, ok := e.Minutes(); ok {
		p.StudyMinutes = &minutes
	}
	if e.Session {
		at := e.Date
		p.LastActivity = &at
	}
	return p
}

// CheckHealth logs in to the mailbox.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	return a.mailbox.Check(ctx)
}

// FindLoginCode returns the newest login code received at or after since.
func (a *Adapter) FindLoginCode(ctx context.Context, since time.Time) (LoginCode, bool, error) {
	msgs, err := a.mailbox.Search(ctx, Query{
		Since:    since,
		Subjects: []string{SubjectLogin},
		From:     []string{LoginSender},
	})
	if err != nil {
		return LoginCode{}, false, err
	}
	code, ok := LatestLoginCode(msgs, since)
	return code, ok, nil
}
