package nlu

import (
	"fmt"
	"strings"
	"time"
)

// DateRange is a half-open [From, To) interval in the user's timezone.
type DateRange struct {
	From time.Time
	To   time.Time
}

// String renders the range in the normalized slot form.
func (r DateRange) String() string {
	return fmt.Sprintf("%s/%s", r.From.Format("2006-01-02"), r.To.Format("2006-01-02"))
}

// season boundaries, astronomical, northern hemisphere.
type season struct {
	name                 string
	startMonth, startDay int
	endMonth, endDay     int
}

var seasons = []season{
	{"spring", 3, 20, 6, 21},
	{"summer", 6, 21, 9, 22},
	{"autumn", 9, 22, 12, 21},
	{"winter", 12, 21, 3, 20},
}

var seasonAliases = map[string]string{
	"fall": "autumn",
}

// extractTemporal finds the first temporal expression in the utterance and
// resolves it to a date range. Seasons flip for the southern hemisphere;
// with no known latitude the northern calendar applies.
func extractTemporal(lower string, now time.Time, uc UserContext) (SlotValue, bool) {
	for _, tok := range tokenize(lower) {
		if canonical, ok := seasonAliases[tok]; ok {
			tok = canonical
		}
		for _, s := range seasons {
			if tok != s.name {
				continue
			}
			r := seasonRange(s, now, uc.HasLocation && uc.Latitude < 0)
			return SlotValue{
				Raw:        tok,
				Normalized: r.String(),
				Confidence: 0.8,
				Source:     SourceUserInput,
			}, true
		}
	}

	if r, raw, ok := relativeRange(lower, now); ok {
		return SlotValue{
			Raw:        raw,
			Normalized: r.String(),
			Confidence: 0.9,
			Source:     SourceUserInput,
		}, true
	}
	return SlotValue{}, false
}

// opposite maps each season to the one six months away; a southern
// hemisphere season uses the opposite season's calendar boundaries.
var opposite = map[string]string{
	"spring": "autumn", "autumn": "spring",
	"summer": "winter", "winter": "summer",
}

// seasonRange resolves a season word to the next occurrence of that season.
func seasonRange(s season, now time.Time, southern bool) DateRange {
	if southern {
		for _, o := range seasons {
			if o.name == opposite[s.name] {
				s = season{name: s.name,
					startMonth: o.startMonth, startDay: o.startDay,
					endMonth: o.endMonth, endDay: o.endDay}
				break
			}
		}
	}

	loc := now.Location()
	from := time.Date(now.Year(), time.Month(s.startMonth), s.startDay, 0, 0, 0, 0, loc)
	to := time.Date(now.Year(), time.Month(s.endMonth), s.endDay, 0, 0, 0, 0, loc)
	if !to.After(from) {
		to = to.AddDate(1, 0, 0)
	}
	// If the season already ended this year, take next year's.
	if to.Before(now) {
		from = from.AddDate(1, 0, 0)
		to = to.AddDate(1, 0, 0)
	}
	return DateRange{From: from, To: to}
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// relativeRange resolves today/tomorrow/tonight, weekday names, "this
// weekend" and "next week".
func relativeRange(lower string, now time.Time) (DateRange, string, bool) {
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	today := day(now)

	switch {
	case strings.Contains(lower, "today"), strings.Contains(lower, "tonight"):
		raw := "today"
		if strings.Contains(lower, "tonight") {
			raw = "tonight"
		}
		return DateRange{From: today, To: today.AddDate(0, 0, 1)}, raw, true

	case strings.Contains(lower, "tomorrow"):
		t := today.AddDate(0, 0, 1)
		return DateRange{From: t, To: t.AddDate(0, 0, 1)}, "tomorrow", true

	case strings.Contains(lower, "this weekend"), strings.Contains(lower, "the weekend"):
		// Upcoming Saturday through Sunday.
		sat := today
		for sat.Weekday() != time.Saturday {
			sat = sat.AddDate(0, 0, 1)
		}
		return DateRange{From: sat, To: sat.AddDate(0, 0, 2)}, "this weekend", true

	case strings.Contains(lower, "next week"):
		// The Monday after the upcoming one.
		mon := today.AddDate(0, 0, 1)
		for mon.Weekday() != time.Monday {
			mon = mon.AddDate(0, 0, 1)
		}
		return DateRange{From: mon, To: mon.AddDate(0, 0, 7)}, "next week", true
	}

	for _, tok := range tokenize(lower) {
		wd, ok := weekdays[tok]
		if !ok {
			continue
		}
		// Next occurrence, never today.
		t := today.AddDate(0, 0, 1)
		for t.Weekday() != wd {
			t = t.AddDate(0, 0, 1)
		}
		return DateRange{From: t, To: t.AddDate(0, 0, 1)}, tok, true
	}
	return DateRange{}, "", false
}
