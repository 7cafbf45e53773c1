package validate

import (
	"github.com/robfig/cron/v3"
)

// Shorthand schedule presets accepted anywhere a cron expression is
var cronPresets = map[string]string{
	"hourly":   "0 * * * *",
	"daily":    "0 9 * * *",
	"weekly":   "0 9 * * 1",
	"monthly":  "0 9 1 * *",
	"weekdays": "0 9 * * 1-5",
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron resolves a preset or five-field cron expression into a schedule
func ParseCron(expr string) (cron.Schedule, error) {
	if preset, ok := cronPresets[expr]; ok {
		expr = preset
	}
	return cronParser.Parse(expr)
}

// CronExpr resolves a preset to its underlying five-field expression,
// returning other expressions unchanged
func CronExpr(expr string) string {
	if preset, ok := cronPresets[expr]; ok {
		return preset
	}
	return expr
}
