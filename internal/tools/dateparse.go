package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"swarm-scheduler/internal/apperr"
)

const dateLayout = "2006-01-02"

var (
	isoDate   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	clockTime = regexp.MustCompile(`(?i)^(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	hourOnly  = regexp.MustCompile(`(?i)^(\d{1,2})\s*(am|pm)$`)

	weekdays = map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
)

// ParseDate normalizes YYYY-MM-DD, "friday" or "next friday" to YYYY-MM-DD.
// Weekday names resolve to the next occurrence counting today; "next" skips today.
func ParseDate(s string, today time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if isoDate.MatchString(s) {
		if _, err := time.Parse(dateLayout, s); err != nil {
			return "", apperr.Validation("invalid date %q", s)
		}
		return s, nil
	}

	lower := strings.ToLower(s)
	switch lower {
	case "today":
		return today.Format(dateLayout), nil
	case "tomorrow":
		return today.AddDate(0, 0, 1).Format(dateLayout), nil
	}
	for name, wd := range weekdays {
		if !strings.Contains(lower, name) {
			continue
		}
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead == 0 && strings.Contains(lower, "next") {
			ahead = 7
		}
		return today.AddDate(0, 0, ahead).Format(dateLayout), nil
	}
	return "", apperr.Validation("unrecognized date %q", s)
}

// ParseTime normalizes 09:00, 9:00, 2:30 PM or 10 AM to 24h HH:MM.
func ParseTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	if m := clockTime.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		h = to24(h, m[3])
		if h <= 23 && mm <= 59 {
			return fmt.Sprintf("%02d:%02d", h, mm), nil
		}
	}
	if m := hourOnly.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h >= 1 && h <= 12 {
			return fmt.Sprintf("%02d:00", to24(h, m[2])), nil
		}
	}
	return "", apperr.Validation("unrecognized time %q", s)
}

func to24(h int, meridiem string) int {
	switch strings.ToLower(meridiem) {
	case "pm":
		if h < 12 {
			return h + 12
		}
	case "am":
		if h == 12 {
			return 0
		}
	}
	return h
}
