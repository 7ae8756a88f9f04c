package mail

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS EMAILS
// ══════════════════════════════════════════════════════════════════════════════

// Subjects searched for progress and session emails.
const (
	SubjectProgress = "progress with Synthesis"
	SubjectSession  = "Synthesis Session"
)

// ProgressSubjects are searched by Collect.
var ProgressSubjects = []string{SubjectProgress, SubjectSession}

// MaxActivities caps the lessons taken from one email.
const MaxActivities = 5

// KnownAchievements are the badge names recognised in email bodies.
var KnownAchievements = []string{
	"Treasure Seeker",
	"Rising Star",
	"Gold Digger",
	"Speed Demon",
	"Perfect Score",
	"Math Master",
}

var (
	studentNameRe = regexp.MustCompile(`(\w+)'s (?:progress|Synthesis Session)`)

	// Checked in order; the first match wins.
	minutesRes = []*regexp.Regexp{
		regexp.MustCompile(`Daily Active Minutes\s*(\d+)`),
		regexp.MustCompile(`(\d+\.?\d*)\s*minutes`),
		regexp.MustCompile(`(\d+\.?\d*)\s*MINUTES`),
	}

	// All of these contribute.
	activityRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:worked on|completed|explored)\s+["']([^"']+)["']`),
		regexp.MustCompile(`(?i)session:\s*([^\n]+)`),
		regexp.MustCompile(`(?i)Activities?\s*\n+([^\n]+)`),
	}

	// Weekly layout: "Lesson Name\n\nCategory\n\nN minutes".
	weeklyLessonRe = regexp.MustCompile(`([A-Z][^\n]+)\n\n[^\n]+\n\n\d+\.?\d*\s*minutes`)
)

// ProgressEmail is what a progress or session email says.
type ProgressEmail struct {
	Subject      string
	Date         time.Time
	StudentName  string
	StudyMinutes float64
	MinutesFound bool
	Activities   []string
	Achievements []string

	// Session is true for a per-session email, false for a summary.
	Session bool
}

// IsProgressSubject reports whether subject names a progress or session email.
func IsProgressSubject(subject string) bool {
	s := strings.ToLower(subject)
	return strings.Contains(s, strings.ToLower(SubjectProgress)) ||
		strings.Contains(s, strings.ToLower(SubjectSession))
}

// ParseProgress extracts study data from a progress or session email.
func ParseProgress(msg Message) ProgressEmail {
	body := normalize(msg.Body)
	out := ProgressEmail{
		Subject: msg.Subject,
		Date:    msg.Date,
		Session: strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(SubjectSession)),
	}

	if m := studentNameRe.FindStringSubmatch(msg.Subject); m != nil {
		out.StudentName = m[1]
	}

	for _, re := range minutesRes {
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out.StudyMinutes = v
			out.MinutesFound = true
			break
		}
	}

	out.Activities = parseActivities(body)

	for _, name := range KnownAchievements {
		if strings.Contains(body, name) {
			out.Achievements = append(out.Achievements, name)
		}
	}

	return out
}

// Minutes returns the whole study minutes, if the email stated any.
func (p ProgressEmail) Minutes() (int, bool) {
	if !p.MinutesFound {
		return 0, false
	}
	return int(p.StudyMinutes), true
}

func parseActivities(body string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, re := range activityRes {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			add(m[1])
		}
	}
	for _, m := range weeklyLessonRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}

	if len(out) > MaxActivities {
		out = out[:MaxActivities]
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// LOGIN CODES
// ══════════════════════════════════════════════════════════════════════════════

// Login email markers.
const (
	SubjectLogin = "Login for Synthesis"
	LoginSender  = "teams@synthesis.com"
)

var loginCodeRes = []*regexp.Regexp{
	regexp.MustCompile(`(?im)Here's your log in verification code:\s*(\d{4})`),
	regexp.MustCompile(`(?im)verification code:\s*(\d{4})`),
	regexp.MustCompile(`(?im)login code:\s*(\d{4})`),
	regexp.MustCompile(`(?im)code:\s*(\d{4})`),
	regexp.MustCompile(`\b(\d{4})\b`),
}

// LoginCode is a code found in a login email.
type LoginCode struct {
	Code       string
	ReceivedAt time.Time
}

// IsLoginEmail reports whether msg looks like a dashboard login email.
func IsLoginEmail(msg Message) bool {
	subject := strings.ToLower(msg.Subject)
	return strings.Contains(subject, strings.ToLower(SubjectLogin)) ||
		(strings.Contains(subject, "synthesis") && strings.Contains(subject, "login")) ||
		strings.Contains(strings.ToLower(msg.From), LoginSender)
}

// ExtractLoginCode returns the four-digit code in body.
func ExtractLoginCode(body string) (string, bool) {
	for _, re := range loginCodeRes {
		if m := re.FindStringSubmatch(body); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// LatestLoginCode returns the code from the newest login email received at or
// after since.
func LatestLoginCode(msgs []Message, since time.Time) (LoginCode, bool) {
	sorted := append([]Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.After(sorted[j].Date) })

	for _, msg := range sorted {
		if msg.Date.Before(since) {
			break
		}
		if !IsLoginEmail(msg) {
			continue
		}
		if code, ok := ExtractLoginCode(msg.Body); ok {
			return LoginCode{Code: code, ReceivedAt: msg.Date}, true
		}
	}
	return LoginCode{}, false
}

func normalize(body string) string {
	return strings.ReplaceAll(body, "\r\n", "\n")
}
