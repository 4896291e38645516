package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules use the classic 5-field form (minute hour dom month dow).
// Descriptor aliases like @daily are rejected so stored expressions
// stay uniform.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses and validates a schedule expression.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return nil, fmt.Errorf("descriptor schedules are not supported, use the 5-field form")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextAfter returns the first firing of schedule strictly after base.
func NextAfter(schedule cron.Schedule, base time.Time) time.Time {
	return schedule.Next(base)
}

// NextOccurrences returns the next n firings of schedule after base.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	at := base
	for len(times) < n {
		at = schedule.Next(at)
		times = append(times, at)
	}
	return times
}
