package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/convoflow/convoflow/flow"
)

// Slot extraction patterns. Dates normalize to ISO (YYYY-MM-DD), times to
// 24-hour HH:MM, phones preserve digits and separators as written.
var (
	numberRe  = regexp.MustCompile(`\d+`)
	isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRe  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	weekdayRe = regexp.MustCompile(`(?i)\b(?:next\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	clockRe   = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	hourRe    = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(am|pm)\b`)
	nameRe    = regexp.MustCompile(`\b([A-Z][a-z]+)\s+([A-Z][a-z]+)\b`)
	phoneRe   = regexp.MustCompile(`\+?1?[\s.-]?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b|\b\d{3}[\s.-]\d{4}\b`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// extractSlot applies the pattern for the slot type against text. The now
// argument anchors relative date expressions.
func extractSlot(text string, typ flow.SlotType, now time.Time) (any, bool) {
	switch typ {
	case flow.SlotNumber:
		if m := numberRe.FindString(text); m != "" {
			n, err := strconv.ParseFloat(m, 64)
			if err == nil {
				return n, true
			}
		}
	case flow.SlotDate:
		return extractDate(text, now)
	case flow.SlotTime:
		return extractTime(text)
	case flow.SlotName:
		if m := nameRe.FindStringSubmatch(text); m != nil {
			return m[1] + " " + m[2], true
		}
	case flow.SlotPhone:
		if m := phoneRe.FindString(text); m != "" {
			return m, true
		}
	case flow.SlotString:
		trimmed := strings.TrimSpace(text)
		if trimmed != "" {
			return trimmed, true
		}
	}
	return nil, false
}

func extractDate(text string, now time.Time) (any, bool) {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "today") {
		return isoDate(now), true
	}
	if strings.Contains(lower, "tomorrow") {
		return isoDate(now.AddDate(0, 0, 1)), true
	}
	if m := isoDateRe.FindString(text); m != "" {
		return m, true
	}
	if m := usDateRe.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
	}
	if m := weekdayRe.FindStringSubmatch(lower); m != nil {
		target := weekdays[m[1]]
		days := (int(target) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return isoDate(now.AddDate(0, 0, days)), true
	}
	return nil, false
}

func extractTime(text string) (any, bool) {
	if m := clockRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return clock24(hour, minute, strings.ToLower(m[3])), true
	}
	if m := hourRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		return clock24(hour, 0, strings.ToLower(m[2])), true
	}
	return nil, false
}

// clock24 normalizes an hour/minute pair with an optional meridiem into
// 24-hour HH:MM.
func clock24(hour, minute int, meridiem string) string {
	switch meridiem {
	case "pm":
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

func isoDate(t time.Time) string {
	return t.Format("2006-01-02")
}
