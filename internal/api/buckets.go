package api

import (
	"sort"
	"time"
)

// DateLayout is the calendar-date format used for quest dates.
const DateLayout = "2006-01-02"

// FormatDate renders t as a quest date in t's location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// NormalizeDate accepts YYYY-MM-DD or an RFC 3339 timestamp and returns
// the calendar date. ok is false for anything else.
func NormalizeDate(value string) (string, bool) {
	if t, err := time.Parse(DateLayout, value); err == nil {
		return FormatDate(t), true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return FormatDate(t), true
	}
	return "", false
}

// AddDays shifts a YYYY-MM-DD date by n days.
func AddDays(date string, n int) (string, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", err
	}
	return FormatDate(t.AddDate(0, 0, n)), nil
}

// GroupByDate partitions incomplete quests into today/tomorrow/upcoming
// relative to today. Overdue quests land in today. Completed quests are
// left out of every bucket.
func GroupByDate(quests []Quest, today time.Time) Buckets {
	todayStr := FormatDate(today)
	tomorrowStr := FormatDate(today.AddDate(0, 0, 1))

	sorted := make([]Quest, len(quests))
	copy(sorted, quests)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	b := Buckets{Today: []Quest{}, Tomorrow: []Quest{}, Upcoming: []Quest{}}
	for _, q := range sorted {
		if q.IsCompleted {
			continue
		}
		switch {
		case q.Date == todayStr || q.Date < todayStr:
			b.Today = append(b.Today, q)
		case q.Date == tomorrowStr:
			b.Tomorrow = append(b.Tomorrow, q)
		default:
			b.Upcoming = append(b.Upcoming, q)
		}
	}
	return b
}
