package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/external/mail"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/retry"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// WEB ADAPTER
// ══════════════════════════════════════════════════════════════════════════════

// CodeSource finds login codes in the mailbox. *mail.Adapter implements it.
type CodeSource interface {
	FindLoginCode(ctx context.Context, since time.Time) (mail.LoginCode, bool, error)
}

// AdapterConfig contains configuration for the web adapter.
type AdapterConfig struct {
	// Email is the account the dashboard sends the login code to
	Email string

	// CodeWait is how long to wait for the code email. Default: 2m
	CodeWait time.Duration

	// PollInterval is how often the mailbox is searched while waiting. Default: 10s
	PollInterval time.Duration
}

var errCodeNotArrived = errors.New("login code email has not arrived")

// Adapter is the WEB source.
type Adapter struct {
	client   *Client
	codes    CodeSource
	calendar *timeutil.Calendar
	logger   *slog.Logger
	config   AdapterConfig
}

// NewAdapter creates the web adapter.
func NewAdapter(client *Client, codes CodeSource, calendar *timeutil.Calendar, log *slog.Logger, config AdapterConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if config.CodeWait <= 0 {
		config.CodeWait = 2 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	return &Adapter{
		client:   client,
		codes:    codes,
		calendar: calendar,
		logger:   log.With(logger.Component("synthesis")),
		config:   config,
	}
}

// Kind returns WEB.
func (a *Adapter) Kind() progress.Source {
	return progress.SourceWeb
}

// Collect logs in with a fresh emailed code and reads today's dashboard.
// The browser session is released before returning.
func (a *Adapter) Collect(ctx context.Context, req source.Request) ([]progress.PartialRecord, error) {
	// Date headers have second precision.
	requestedAt := a.calendar.Now().Truncate(time.Second)

	sess, err := a.client.RequestLoginCode(ctx, a.config.Email)
	if err != nil {
		return nil, classify("request_code", err)
	}
	defer a.closeSession(ctx, sess.SessionID)

	code, err := a.waitForCode(ctx, requestedAt)
	if err != nil {
		return nil, err
	}

	res, err := a.client.VerifyLoginCode(ctx, sess.SessionID, code.Code)
	if err != nil {
		return nil, classify("verify", err)
	}
	if !res.Verified {
		msg := res.Message
		if msg == "" {
			msg = "code not accepted"
		}
		return nil, source.NewPermanent(progress.SourceWeb, "verify", errors.New(msg))
	}
	loginAt := a.calendar.Now()

	dash, err := a.client.GetDashboard(ctx, sess.SessionID)
	if err != nil {
		return nil, classify("dashboard", err)
	}

	date := req.Today
	if date == "" {
		date = a.calendar.Today()
	}
	partial := ToPartial(dash, date, loginAt, a.calendar.Now())

	if streak, ok := FirstNumber(dash.Streak); ok {
		// The streak is derived from stored records; the badge is only logged.
		a.logger.Debug("dashboard streak badge", slog.Int("streak_days", streak))
	}

	return []progress.PartialRecord{partial}, nil
}

// waitForCode polls the mailbox until a login code newer than since arrives.
func (a *Adapter) waitForCode(ctx context.Context, since time.Time) (mail.LoginCode, error) {
	if a.codes == nil {
		return mail.LoginCode{}, source.NewPermanent(progress.SourceWeb, "wait_code", errors.New("no mailbox configured for login codes"))
	}

	var found mail.LoginCode
	poller := retry.PollRetrier(a.config.CodeWait, a.config.PollInterval)
	err := poller.Do(ctx, func(ctx context.Context) error {
		code, ok, err := a.codes.FindLoginCode(ctx, since)
		if err != nil {
			if source.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return retry.Retryable(err)
		}
		if !ok {
			return retry.Retryable(errCodeNotArrived)
		}
		found = code
		return nil
	})
	if err != nil {
		if errors.Is(err, errCodeNotArrived) {
			return mail.LoginCode{}, source.NewTransient(progress.SourceWeb, "wait_code",
				fmt.Errorf("%w after %s", errCodeNotArrived, a.config.CodeWait))
		}
		return mail.LoginCode{}, classify("wait_code", err)
	}

	a.logger.Debug("login code received", slog.Time("received_at", found.ReceivedAt))
	return found, nil
}

func (a *Adapter) closeSession(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.client.CloseSession(ctx, sessionID); err != nil {
		a.logger.Warn("release dashboard session failed", logger.Err(err))
	}
}

// CheckHealth probes the sidecar.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	return classify("health", a.client.Health(ctx))
}
