package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/user/jotbot/internal/types"
)

var (
	// "John's birthday is March 15th, 1990", "my wife's bday = 3 November"
	bdayKeywordRe = regexp.MustCompile(`(?i)\b(birthday|bday|birth date)\b`)
	bornRe        = regexp.MustCompile(`(?i)\bwas born on\b`)
	personRe      = regexp.MustCompile(`(?i)^(?:my )?([\w ]+?)(?:'s|s')?\s+(?:birthday|bday|birth date|was born)\b`)
	numericMDRe   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`)
	bareYearRe    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
)

// Birthday parses a person name plus a calendar date out of free text.
// The year is optional; when absent the entity carries year 0 as the
// "year unknown" sentinel. Failure is non-fatal for the pipeline.
func Birthday(text string) (*types.BirthdayEntity, error) {
	trimmed := strings.TrimSpace(text)
	if !bdayKeywordRe.MatchString(trimmed) && !bornRe.MatchString(trimmed) {
		return nil, &types.ExtractionFailure{Reason: "no birthday keyword"}
	}

	name := extractPerson(trimmed)
	if name == "" {
		return nil, &types.ExtractionFailure{Reason: "no person name found"}
	}

	month, day, year, ok := extractDate(trimmed)
	if !ok {
		return nil, &types.ExtractionFailure{Reason: "no calendar date found"}
	}
	if day < 1 || day > 31 {
		return nil, &types.ExtractionFailure{Reason: "day out of range"}
	}

	return &types.BirthdayEntity{
		PersonName: name,
		Month:      month,
		Day:        day,
		Year:       year,
	}, nil
}

// extractPerson pulls the name or relationship preceding the birthday
// keyword, cleaning possessives and a leading "my".
func extractPerson(text string) string {
	m := personRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	name := strings.TrimSpace(m[1])
	name = strings.TrimSuffix(name, "'")
	// "my wife's" loses the possessive to the regex; drop a leading "my" too.
	if len(name) > 3 && strings.EqualFold(name[:3], "my ") {
		name = name[3:]
	}
	return strings.TrimSpace(name)
}

func extractDate(text string) (time.Month, int, int, bool) {
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		month := monthNames[strings.ToLower(m[1])]
		day, _ := strconv.Atoi(m[2])
		year := 0
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		}
		if year == 0 {
			year = trailingYear(text)
		}
		return month, day, year, true
	}
	if m := dayMonthRe.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month := monthNames[strings.ToLower(m[2])]
		year := 0
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		}
		if year == 0 {
			year = trailingYear(text)
		}
		return month, day, year, true
	}
	if m := numericMDRe.FindStringSubmatch(text); m != nil {
		monthNum, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if monthNum < 1 || monthNum > 12 {
			return 0, 0, 0, false
		}
		year := 0
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
			if year < 100 {
				year += 1900
			}
		}
		return time.Month(monthNum), day, year, true
	}
	return 0, 0, 0, false
}

// trailingYear catches years written apart from the date ("12 July 1965").
func trailingYear(text string) int {
	if m := bareYearRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y
	}
	return 0
}
