package notify

import "time"

// QuietHoursWindow is a wall-clock window, evaluated in a device's own
// local timezone, during which notifications are suppressed. Start/End
// are minutes-since-midnight. A window where End <= Start wraps past
// midnight (e.g. 22:00-06:00), which is the case spec §9's Design Notes
// calls out as needing a tested helper rather than a naive comparison.
// Start == End disables the rule.
type QuietHoursWindow struct {
	StartMinute int
	EndMinute   int
}

// inQuietHours reports whether now (any timezone) falls inside w once
// converted into tzName. An unknown or empty tzName falls back to UTC,
// mirroring routing.py's in_quiet_hours ZoneInfo fallback.
func inQuietHours(now time.Time, w QuietHoursWindow, tzName string) bool {
	if w.StartMinute == w.EndMinute {
		return false
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil || tzName == "" {
		loc = time.UTC
	}
	return quietHoursContain(w, now.In(loc))
}

func quietHoursContain(w QuietHoursWindow, localNow time.Time) bool {
	minute := localNow.Hour()*60 + localNow.Minute()
	if w.StartMinute == w.EndMinute {
		return false
	}
	if w.StartMinute < w.EndMinute {
		return minute >= w.StartMinute && minute < w.EndMinute
	}
	// wraps past midnight
	return minute >= w.StartMinute || minute < w.EndMinute
}
