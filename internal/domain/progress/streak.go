package progress

import (
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// StreakAsOf counts consecutive qualifying days ending at the most recent
// qualifying date on or before asOf. A day qualifies when its record has at
// least threshold study minutes. A missing day breaks the streak exactly like
// a day below threshold. Records may arrive in any order; dates after asOf
// are ignored.
func StreakAsOf(records []SessionRecord, asOf string, threshold int) int {
	if !timeutil.ValidDate(asOf) {
		return 0
	}

	minutes := make(map[string]int, len(records))
	latest := ""
	for _, r := range records {
		if r.Date > asOf {
			continue
		}
		minutes[r.Date] = r.StudyMinutes
		if r.StudyMinutes >= threshold && r.Date > latest {
			latest = r.Date
		}
	}
	if latest == "" {
		return 0
	}

	streak := 0
	for day := latest; ; day = timeutil.MustAddDays(day, -1) {
		m, ok := minutes[day]
		if !ok || m < threshold {
			break
		}
		streak++
	}
	return streak
}

// ActivityDay is one entry of the recent-activity strip shown with a streak.
type ActivityDay struct {
	Date    string `json:"date"`
	Studied bool   `json:"studied"`
	Minutes int    `json:"minutes"`
}

// RecentActivity lists the last n days ending at asOf, newest first,
// including days with no record.
func RecentActivity(records []SessionRecord, asOf string, n int) []ActivityDay {
	byDate := indexByDate(records)
	out := make([]ActivityDay, 0, n)
	for i := 0; i < n; i++ {
		day := timeutil.MustAddDays(asOf, -i)
		entry := ActivityDay{Date: day}
		if r, ok := byDate[day]; ok {
			entry.Studied = r.StudiedToday()
			entry.Minutes = r.StudyMinutes
		}
		out = append(out, entry)
	}
	return out
}

func indexByDate(records []SessionRecord) map[string]*SessionRecord {
	out := make(map[string]*SessionRecord, len(records))
	for i := range records {
		out[records[i].Date] = &records[i]
	}
	return out
}
