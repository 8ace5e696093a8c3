// Package extract holds the intent-specific entity parsers. They are
// deterministic on purpose: trigger-time resolution rules (strictly-future
// weekdays, today-vs-tomorrow bare times) must not depend on a model call.
package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/jotbot/internal/types"
)

const defaultHour = 9 // date without a time-of-day lands at 09:00

var (
	offsetRe       = regexp.MustCompile(`(?i)\bin (\d+|an?) (minute|min|hour|hr|day|week|month)s?\b`)
	recurEveryNRe  = regexp.MustCompile(`(?i)\bevery (\d+) (day|week|month|year)s?\b`)
	recurWordRe    = regexp.MustCompile(`(?i)\b(daily|every day|weekly|every week|monthly|every month|yearly|annually|every year)\b`)
	recurWeekdayRe = regexp.MustCompile(`(?i)\bevery (monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\b`)
	tomorrowRe     = regexp.MustCompile(`(?i)\btomorrow\b`)
	todayRe        = regexp.MustCompile(`(?i)\b(today|tonight)\b`)
	weekdayRe      = regexp.MustCompile(`(?i)\b(next |this )?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	monthDayRe     = regexp.MustCompile(`(?i)\b(january|jan|february|feb|march|mar|april|apr|may|june|jun|july|jul|august|aug|september|sep|sept|october|oct|november|nov|december|dec)\.? (\d{1,2})(?:st|nd|rd|th)?(?:,? (\d{4}))?\b`)
	dayMonthRe     = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)? (?:of )?(january|jan|february|feb|march|mar|april|apr|may|june|jun|july|jul|august|aug|september|sep|sept|october|oct|november|nov|december|dec)\b(?:,? (\d{4}))?`)
	meridiemTimeRe = regexp.MustCompile(`(?i)\b(?:at )?(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	atTimeRe       = regexp.MustCompile(`(?i)\bat (\d{1,2})(?::(\d{2}))?\b`)
	noonRe         = regexp.MustCompile(`(?i)\b(?:at )?(noon|midday)\b`)
	midnightRe     = regexp.MustCompile(`(?i)\b(?:at )?midnight\b`)
	leadPhraseRe   = regexp.MustCompile(`(?i)^(please )?(remind me( to| about)?|set (a )?reminder( (for|to))?|reminder( (for|to))?:?)\s*`)
	edgeConnectRe  = regexp.MustCompile(`(?i)^(to|on|at|for|about)\s+|\s+(on|at|for|to|every)$`)
)

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var weekdayNames = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	"sunday": time.Sunday,
}

// span marks a matched region of the input, removed when deriving the title.
type span struct{ start, end int }

// parse state accumulated while scanning the text.
type reminderParts struct {
	spans      []span
	recurrence types.Recurrence
	interval   int

	offset    time.Duration
	hasOffset bool

	date    time.Time // date part only (year/month/day), in now's location
	hasDate bool
	weekday time.Weekday // anchored weekday, resolved strictly future
	hasWday bool
	boundYr bool // an explicit or implied year bound (tomorrow/today/full date)

	hour, minute int
	hasTime      bool
}

// Reminder parses a natural-language reminder into a title and an absolute
// trigger time after referenceNow.
//
// Resolution rules:
//   - "in N <unit>" offsets win outright.
//   - A bare weekday resolves to the next occurrence strictly after now;
//     never the same day when the time of day has already passed.
//   - A time with no date means today if still ahead, otherwise tomorrow.
//   - A date with no time defaults to 09:00.
//   - An hour without am/pm below 8 is assumed to mean the afternoon.
func Reminder(text string, referenceNow time.Time) (*types.ReminderEntity, error) {
	loc := referenceNow.Location()
	p := &reminderParts{recurrence: types.RecurNone}

	p.scanRecurrence(text)
	p.scanOffset(text)
	p.scanDate(text, referenceNow)
	p.scanTime(text)

	trigger, err := p.resolve(referenceNow, loc)
	if err != nil {
		return nil, err
	}

	title := p.title(text)
	if title == "" {
		title = "Reminder"
	}

	return &types.ReminderEntity{
		Title:      title,
		TriggerAt:  trigger.UTC(),
		Recurrence: p.recurrence,
		Interval:   p.interval,
	}, nil
}

func (p *reminderParts) scanRecurrence(text string) {
	if m := recurEveryNRe.FindStringSubmatchIndex(text); m != nil {
		n, _ := strconv.Atoi(text[m[2]:m[3]])
		p.interval = n
		switch strings.ToLower(text[m[4]:m[5]]) {
		case "day":
			p.recurrence = types.RecurDaily
		case "week":
			p.recurrence = types.RecurWeekly
		case "month":
			p.recurrence = types.RecurMonthly
		case "year":
			p.recurrence = types.RecurYearly
		}
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := recurWeekdayRe.FindStringSubmatchIndex(text); m != nil {
		p.recurrence = types.RecurWeekly
		p.weekday = weekdayNames[strings.ToLower(text[m[2]:m[3]])]
		p.hasWday = true
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := recurWordRe.FindStringIndex(text); m != nil {
		switch strings.ToLower(text[m[0]:m[1]]) {
		case "daily", "every day":
			p.recurrence = types.RecurDaily
		case "weekly", "every week":
			p.recurrence = types.RecurWeekly
		case "monthly", "every month":
			p.recurrence = types.RecurMonthly
		default:
			p.recurrence = types.RecurYearly
		}
		p.spans = append(p.spans, span{m[0], m[1]})
	}
}

func (p *reminderParts) scanOffset(text string) {
	m := offsetRe.FindStringSubmatchIndex(text)
	if m == nil {
		return
	}
	amountStr := strings.ToLower(text[m[2]:m[3]])
	amount := 1
	if amountStr != "a" && amountStr != "an" {
		amount, _ = strconv.Atoi(amountStr)
	}
	var unit time.Duration
	switch strings.ToLower(text[m[4]:m[5]]) {
	case "minute", "min":
		unit = time.Minute
	case "hour", "hr":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	case "month":
		unit = 30 * 24 * time.Hour
	}
	p.offset = time.Duration(amount) * unit
	p.hasOffset = true
	p.spans = append(p.spans, span{m[0], m[1]})
}

func (p *reminderParts) scanDate(text string, now time.Time) {
	loc := now.Location()

	if m := tomorrowRe.FindStringIndex(text); m != nil {
		d := now.AddDate(0, 0, 1)
		p.date = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
		p.hasDate = true
		p.boundYr = true
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := todayRe.FindStringIndex(text); m != nil {
		p.date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		p.hasDate = true
		p.boundYr = true
		if strings.EqualFold(text[m[0]:m[1]], "tonight") {
			p.hour, p.minute, p.hasTime = 20, 0, true
		}
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := monthDayRe.FindStringSubmatchIndex(text); m != nil {
		month := monthNames[strings.ToLower(text[m[2]:m[3]])]
		day, _ := strconv.Atoi(text[m[4]:m[5]])
		year := 0
		if m[6] >= 0 {
			year, _ = strconv.Atoi(text[m[6]:m[7]])
		}
		p.setCalendarDate(year, month, day, now)
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := dayMonthRe.FindStringSubmatchIndex(text); m != nil {
		day, _ := strconv.Atoi(text[m[2]:m[3]])
		month := monthNames[strings.ToLower(text[m[4]:m[5]])]
		year := 0
		if m[6] >= 0 {
			year, _ = strconv.Atoi(text[m[6]:m[7]])
		}
		p.setCalendarDate(year, month, day, now)
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := weekdayRe.FindStringSubmatchIndex(text); m != nil {
		p.weekday = weekdayNames[strings.ToLower(text[m[4]:m[5]])]
		p.hasWday = true
		p.spans = append(p.spans, span{m[0], m[1]})
	}
}

// setCalendarDate fixes a month/day date. Without an explicit year it picks
// this year, rolling to next year when the date has already passed.
func (p *reminderParts) setCalendarDate(year int, month time.Month, day int, now time.Time) {
	loc := now.Location()
	if year != 0 {
		p.date = time.Date(year, month, day, 0, 0, 0, 0, loc)
		p.boundYr = true
	} else {
		p.date = time.Date(now.Year(), month, day, 0, 0, 0, 0, loc)
	}
	p.hasDate = true
}

func (p *reminderParts) scanTime(text string) {
	if m := meridiemTimeRe.FindStringSubmatchIndex(text); m != nil {
		hour, _ := strconv.Atoi(text[m[2]:m[3]])
		minute := 0
		if m[4] >= 0 {
			minute, _ = strconv.Atoi(text[m[4]:m[5]])
		}
		if strings.EqualFold(text[m[6]:m[7]], "pm") && hour < 12 {
			hour += 12
		}
		if strings.EqualFold(text[m[6]:m[7]], "am") && hour == 12 {
			hour = 0
		}
		p.hour, p.minute, p.hasTime = hour, minute, true
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := noonRe.FindStringIndex(text); m != nil {
		p.hour, p.minute, p.hasTime = 12, 0, true
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := midnightRe.FindStringIndex(text); m != nil {
		p.hour, p.minute, p.hasTime = 0, 0, true
		p.spans = append(p.spans, span{m[0], m[1]})
		return
	}
	if m := atTimeRe.FindStringSubmatchIndex(text); m != nil {
		hour, _ := strconv.Atoi(text[m[2]:m[3]])
		minute := 0
		if m[4] >= 0 {
			minute, _ = strconv.Atoi(text[m[4]:m[5]])
		}
		// No meridiem: an early hour almost always means the afternoon.
		if hour < 8 {
			hour += 12
		}
		if !p.hasTime {
			p.hour, p.minute, p.hasTime = hour, minute, true
		}
		p.spans = append(p.spans, span{m[0], m[1]})
	}
}

func (p *reminderParts) resolve(now time.Time, loc *time.Location) (time.Time, error) {
	if p.hasOffset {
		return now.Add(p.offset), nil
	}

	hour, minute := defaultHour, 0
	if p.hasTime {
		hour, minute = p.hour, p.minute
	}

	switch {
	case p.hasDate:
		t := time.Date(p.date.Year(), p.date.Month(), p.date.Day(), hour, minute, 0, 0, loc)
		if !t.After(now) {
			if !p.boundYr {
				t = t.AddDate(1, 0, 0)
			} else if p.recurrence != types.RecurNone {
				t = p.advancePast(t, now)
			} else {
				// "today at 2pm" sent at 15:00: a bound date in the past
				// cannot fire, it falls back to a note.
				return time.Time{}, &types.ExtractionFailure{Reason: "that time has already passed"}
			}
		}
		return t, nil

	case p.hasWday:
		// Next occurrence strictly after now; same day only when the time
		// of day is still ahead.
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		for i := 0; i < 8; i++ {
			if t.Weekday() == p.weekday && t.After(now) {
				return t, nil
			}
			t = t.AddDate(0, 0, 1)
		}
		return t, nil

	case p.hasTime:
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil

	case p.recurrence != types.RecurNone:
		// "every day"-style phrase with no time lands at the next 09:00.
		t := time.Date(now.Year(), now.Month(), now.Day(), defaultHour, 0, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	return time.Time{}, &types.ExtractionFailure{Reason: "no time expression found"}
}

// advancePast steps a recurring trigger forward by its recurrence unit until
// it lies after now.
func (p *reminderParts) advancePast(t, now time.Time) time.Time {
	interval := p.interval
	if interval <= 0 {
		interval = 1
	}
	for !t.After(now) {
		switch p.recurrence {
		case types.RecurDaily:
			t = t.AddDate(0, 0, interval)
		case types.RecurWeekly:
			t = t.AddDate(0, 0, 7*interval)
		case types.RecurMonthly:
			t = t.AddDate(0, interval, 0)
		case types.RecurYearly:
			t = t.AddDate(interval, 0, 0)
		default:
			return t
		}
	}
	return t
}

// title strips all matched spans and lead-in phrases from the original text.
func (p *reminderParts) title(text string) string {
	sort.Slice(p.spans, func(i, j int) bool { return p.spans[i].start < p.spans[j].start })
	var sb strings.Builder
	pos := 0
	for _, s := range p.spans {
		if s.start > pos {
			sb.WriteString(text[pos:s.start])
		}
		if s.end > pos {
			pos = s.end
		}
	}
	if pos < len(text) {
		sb.WriteString(text[pos:])
	}

	title := strings.Join(strings.Fields(sb.String()), " ")
	title = leadPhraseRe.ReplaceAllString(title, "")
	for {
		cleaned := edgeConnectRe.ReplaceAllString(title, "")
		cleaned = strings.Trim(cleaned, " ,.-")
		if cleaned == title {
			break
		}
		title = cleaned
	}
	return title
}
