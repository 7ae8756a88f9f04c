// Package mail reads the learner's mailbox over IMAP. It turns progress and
// session emails into EMAIL partial records and finds the login codes the
// dashboard sends.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	msgmail "github.com/emersion/go-message/mail"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// MailboxConfig contains IMAP connection settings.
type MailboxConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	UseSSL   bool

	// Mailbox is the folder to search. Default: INBOX
	Mailbox string

	// DialTimeout bounds the TCP and TLS handshake. Default: 30s
	DialTimeout time.Duration
}

// Addr returns host:port.
func (c MailboxConfig) Addr() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// MESSAGES
// ══════════════════════════════════════════════════════════════════════════════

// Message is one fetched email, reduced to what the parsers need.
type Message struct {
	SeqNum  uint32
	Subject string
	From    string
	Date    time.Time
	Body    string
}

// Query selects messages. A message matches when it arrived at or after
// Since and its subject contains one of Subjects or its sender contains one
// of From.
type Query struct {
	Since    time.Time
	Subjects []string
	From     []string
}

// ══════════════════════════════════════════════════════════════════════════════
// MAILBOX
// ══════════════════════════════════════════════════════════════════════════════

// Mailbox is an IMAP mailbox. Every call opens its own connection and logs
// out before returning; nothing is held between calls.
type Mailbox struct {
	config MailboxConfig
	logger *slog.Logger
}

// NewMailbox creates a mailbox reader.
func NewMailbox(config MailboxConfig, log *slog.Logger) *Mailbox {
	if config.Mailbox == "" {
		config.Mailbox = "INBOX"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mailbox{config: config, logger: log}
}

// Search returns the messages matching q, oldest first.
func (m *Mailbox) Search(ctx context.Context, q Query) ([]Message, error) {
	var out []Message
	err := m.session(ctx, func(c *client.Client) error {
		if _, err := c.Select(m.config.Mailbox, true); err != nil {
			return source.NewTransient(progress.SourceEmail, "select", err)
		}

		ids, err := m.searchIDs(c, q)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		out, err = m.fetch(c, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	filtered := out[:0]
	for _, msg := range out {
		// SINCE only has day granularity on the server side.
		if !q.Since.IsZero() && msg.Date.Before(q.Since) {
			continue
		}
		filtered = append(filtered, msg)
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Date.Before(filtered[j].Date) })
	return filtered, nil
}

// Check dials, logs in and opens the mailbox without fetching anything.
func (m *Mailbox) Check(ctx context.Context) error {
	return m.session(ctx, func(c *client.Client) error {
		if _, err := c.Select(m.config.Mailbox, true); err != nil {
			return source.NewTransient(progress.SourceEmail, "select", err)
		}
		return nil
	})
}

// session runs fn on an authenticated connection. Cancelling ctx closes the
// connection, which unblocks any pending command.
func (m *Mailbox) session(ctx context.Context, fn func(c *client.Client) error) error {
	dialer := &net.Dialer{Timeout: m.config.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	if m.config.UseSSL {
		c, err = client.DialWithDialerTLS(dialer, m.config.Addr(), &tls.Config{ServerName: m.config.Server})
	} else {
		c, err = client.DialWithDialer(dialer, m.config.Addr())
	}
	if err != nil {
		return source.NewTransient(progress.SourceEmail, "dial", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()
	defer func() {
		if err := c.Logout(); err != nil && ctx.Err() == nil {
			m.logger.Debug("imap logout failed", slog.String("error", err.Error()))
		}
	}()

	if err := c.Login(m.config.Username, m.config.Password); err != nil {
		if ctx.Err() != nil || isNetworkError(err) {
			return source.NewTransient(progress.SourceEmail, "login", errors.Join(err, ctx.Err()))
		}
		return source.NewPermanent(progress.SourceEmail, "login", err)
	}

	if err := fn(c); err != nil {
		if ctx.Err() != nil {
			return source.NewTransient(progress.SourceEmail, "fetch", ctx.Err())
		}
		return err
	}
	return nil
}

// searchIDs runs one SEARCH per subject or sender and merges the results.
func (m *Mailbox) searchIDs(c *client.Client, q Query) ([]uint32, error) {
	var criteria []*imap.SearchCriteria
	build := func(key, value string) {
		sc := imap.NewSearchCriteria()
		if !q.Since.IsZero() {
			sc.Since = q.Since
		}
		sc.Header.Add(key, value)
		criteria = append(criteria, sc)
	}
	for _, s := range q.Subjects {
		build("Subject", s)
	}
	for _, f := range q.From {
		build("From", f)
	}
	if len(criteria) == 0 {
		sc := imap.NewSearchCriteria()
		sc.Since = q.Since
		criteria = append(criteria, sc)
	}

	seen := make(map[uint32]bool)
	var ids []uint32
	for _, sc := range criteria {
		found, err := c.Search(sc)
		if err != nil {
			return nil, source.NewTransient(progress.SourceEmail, "search", err)
		}
		for _, id := range found {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (m *Mailbox) fetch(c *client.Client, ids []uint32) ([]Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	ch := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, ch)
	}()

	out := make([]Message, 0, len(ids))
	for raw := range ch {
		msg, err := toMessage(raw)
		if err != nil {
			m.logger.Warn("skipping unreadable email", slog.Uint64("seq", uint64(raw.SeqNum)), slog.String("error", err.Error()))
			continue
		}
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		return nil, source.NewTransient(progress.SourceEmail, "fetch", err)
	}
	return out, nil
}

func toMessage(raw *imap.Message) (Message, error) {
	msg := Message{SeqNum: raw.SeqNum}
	if env := raw.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		if len(env.From) > 0 && env.From[0] != nil {
			msg.From = env.From[0].Address()
		}
	}

	// Only one section is requested.
	var body io.Reader
	for _, lit := range raw.Body {
		body = lit
		break
	}
	if body == nil {
		return msg, fmt.Errorf("message %d has no body", raw.SeqNum)
	}

	text, err := readText(body)
	if err != nil {
		return msg, err
	}
	msg.Body = text
	return msg, nil
}

// readText returns the first text/plain part, or the first text part of any
// kind when there is no plain one.
func readText(r io.Reader) (string, error) {
	mr, err := msgmail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	var fallback string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fallback, fmt.Errorf("read part: %w", err)
		}

		h, ok := p.Header.(*msgmail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if !strings.HasPrefix(ct, "text/") {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return fallback, fmt.Errorf("read part body: %w", err)
		}
		if ct == "text/plain" {
			return string(b), nil
		}
		if fallback == "" {
			fallback = string(b)
		}
	}
	return fallback, nil
}

func isNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
