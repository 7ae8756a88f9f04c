package progress

import (
	"fmt"
	"strings"
	"time"
)

// Field names used in merge reports.
const (
	FieldLoggedIn     = "logged_in"
	FieldLoginTime    = "login_time"
	FieldStudyMinutes = "study_minutes"
	FieldLessons      = "lessons_completed"
	FieldLastActivity = "last_activity"
	FieldTotalPoints  = "total_points"
	FieldSources      = "sources"
)

// Rejection describes one incoming field value that would have moved the
// record backwards and was discarded.
type Rejection struct {
	Field    string `json:"field"`
	Existing string `json:"existing"`
	Incoming string `json:"incoming"`
}

// MergeReport lists what a merge changed and what it refused.
type MergeReport struct {
	Date     string      `json:"date"`
	Source   Source      `json:"source"`
	Created  bool        `json:"created"`
	Changed  []string    `json:"changed,omitempty"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// HasChanges reports whether the merge modified the record.
func (r MergeReport) HasChanges() bool {
	return r.Created || len(r.Changed) > 0
}

// AllRejected reports whether the merge changed nothing and refused at
// least one field. Re-reading history the record already holds looks like
// this, so it is counted, never treated as a failure.
func (r MergeReport) AllRejected() bool {
	return len(r.Rejected) > 0 && !r.HasChanges()
}

// Stale reports whether the rejection is an older reading of a field that
// only grows (minutes, points, last activity). Sources re-reading their
// lookback window produce these on every poll. A later login time is not
// stale: the earliest login was already seen, so a source disagrees.
func (r Rejection) Stale() bool {
	switch r.Field {
	case FieldStudyMinutes, FieldTotalPoints, FieldLastActivity:
		return true
	}
	return false
}

// Merge folds a partial into the existing record for the same date. A nil
// existing record means this is the first observation for the date.
//
// Per field: logged_in is OR, login_time keeps the earliest, study_minutes
// and total_points keep the maximum, last_activity keeps the latest, lessons
// and sources are unions in first-seen order. Incoming values that would
// move a monotone field backwards are rejected individually; the rest of the
// partial still applies. The partial is assumed valid.
func Merge(existing *SessionRecord, p PartialRecord) (SessionRecord, MergeReport) {
	report := MergeReport{Date: p.Date, Source: p.Source}

	var rec SessionRecord
	if existing == nil {
		report.Created = true
		rec = SessionRecord{Date: p.Date, LessonsCompleted: []string{}, Sources: []Source{}}
	} else {
		rec = existing.Clone()
	}

	accepted := p.Empty()
	change := func(field string) {
		accepted = true
		if !report.Created {
			report.Changed = append(report.Changed, field)
		}
	}
	reject := func(field string, existing, incoming any) {
		report.Rejected = append(report.Rejected, Rejection{
			Field:    field,
			Existing: formatValue(existing),
			Incoming: formatValue(incoming),
		})
	}

	if p.LoggedIn != nil {
		accepted = true
		if *p.LoggedIn && !rec.LoggedIn {
			rec.LoggedIn = true
			change(FieldLoggedIn)
		}
	}

	if p.LoginTime != nil {
		switch {
		case rec.LoginTime == nil:
			rec.LoginTime = cloneTime(p.LoginTime)
			change(FieldLoginTime)
		case p.LoginTime.Before(*rec.LoginTime):
			rec.LoginTime = cloneTime(p.LoginTime)
			change(FieldLoginTime)
		case p.LoginTime.After(*rec.LoginTime):
			reject(FieldLoginTime, *rec.LoginTime, *p.LoginTime)
		default:
			accepted = true
		}
	}

	if p.StudyMinutes != nil {
		switch {
		case report.Created || *p.StudyMinutes > rec.StudyMinutes:
			rec.StudyMinutes = *p.StudyMinutes
			change(FieldStudyMinutes)
		case *p.StudyMinutes < rec.StudyMinutes:
			reject(FieldStudyMinutes, rec.StudyMinutes, *p.StudyMinutes)
		default:
			accepted = true
		}
	}

	if len(p.LessonsCompleted) > 0 {
		merged, added := unionLessons(rec.LessonsCompleted, p.LessonsCompleted)
		accepted = true
		if added {
			rec.LessonsCompleted = merged
			change(FieldLessons)
		}
	}

	if p.LastActivity != nil {
		switch {
		case rec.LastActivity == nil:
			rec.LastActivity = cloneTime(p.LastActivity)
			change(FieldLastActivity)
		case p.LastActivity.After(*rec.LastActivity):
			rec.LastActivity = cloneTime(p.LastActivity)
			change(FieldLastActivity)
		case p.LastActivity.Before(*rec.LastActivity):
			reject(FieldLastActivity, *rec.LastActivity, *p.LastActivity)
		default:
			accepted = true
		}
	}

	if p.TotalPoints != nil {
		switch {
		case rec.TotalPoints == nil:
			rec.TotalPoints = Ptr(*p.TotalPoints)
			change(FieldTotalPoints)
		case *p.TotalPoints > *rec.TotalPoints:
			rec.TotalPoints = Ptr(*p.TotalPoints)
			change(FieldTotalPoints)
		case *p.TotalPoints < *rec.TotalPoints:
			reject(FieldTotalPoints, *rec.TotalPoints, *p.TotalPoints)
		default:
			accepted = true
		}
	}

	// A source whose every carried field was refused is not credited.
	if accepted && !rec.HasSource(p.Source) {
		rec.Sources = append(rec.Sources, p.Source)
		change(FieldSources)
	}

	return rec, report
}

// unionLessons appends incoming titles not already present, comparing
// trimmed titles. Blank titles are dropped.
func unionLessons(existing, incoming []string) ([]string, bool) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, l := range existing {
		key := strings.TrimSpace(l)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}

	added := false
	for _, l := range incoming {
		key := strings.TrimSpace(l)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
		added = true
	}
	return out, added
}

func formatValue(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
