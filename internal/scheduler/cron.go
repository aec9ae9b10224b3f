package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
)

var (
	reDailyAt   = regexp.MustCompile(`(?i)^every\s+day\s+at\s+(\d{1,2}):(\d{2})$`)
	reWeekdayAt = regexp.MustCompile(`(?i)^(monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\s+at\s+(\d{1,2}):(\d{2})$`)
	reEveryMin  = regexp.MustCompile(`(?i)^every\s+(\d+)\s+min(ute)?s?$`)
	reHourly    = regexp.MustCompile(`(?i)^every\s+hour$`)
)

var weekdayNums = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// NormalizeCron accepts either a cron expression or a small set of
// natural-language phrases ("every day at 14:00", "monday at 9:00",
// "every 15 minutes", "every hour") and returns a valid five-field
// expression. Unrecognized input that is not valid cron is an error.
func NormalizeCron(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("empty schedule expression")
	}

	if m := reDailyAt.FindStringSubmatch(expr); m != nil {
		hour, minute, err := clockFields(m[1], m[2])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}
	if m := reWeekdayAt.FindStringSubmatch(expr); m != nil {
		hour, minute, err := clockFields(m[2], m[3])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, weekdayNums[strings.ToLower(m[1])]), nil
	}
	if m := reEveryMin.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > 59 {
			return "", fmt.Errorf("minute interval %d out of range", n)
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	}
	if reHourly.MatchString(expr) {
		return "0 * * * *", nil
	}

	if gronx.New().IsValid(expr) {
		return expr, nil
	}
	return "", fmt.Errorf("invalid cron expression %q", expr)
}

func clockFields(hourStr, minStr string) (hour, minute int, err error) {
	hour, _ = strconv.Atoi(hourStr)
	minute, _ = strconv.Atoi(minStr)
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %s:%s", hourStr, minStr)
	}
	return hour, minute, nil
}
