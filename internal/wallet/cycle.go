package wallet

import (
	"time"

	"github.com/kelpejol/ctmeter/internal/economy"
)

// CycleWindow returns the half-open billing cycle [start, end) containing
// now, anchored on the settings' reset day, hour and minute in UTC.
//
// If now is at or past this month's anchor the cycle started this month,
// otherwise it started last month. time.Date normalizes month overflow, so
// December rolls into January of the next year.
func CycleWindow(now time.Time, s economy.Settings) (time.Time, time.Time) {
	s = s.Clamp()
	now = now.UTC()
	anchor := time.Date(now.Year(), now.Month(), s.MonthlyResetDay, s.MonthlyResetHour, s.MonthlyResetMinute, 0, 0, time.UTC)
	if !now.Before(anchor) {
		return anchor, anchor.AddDate(0, 1, 0)
	}
	return anchor.AddDate(0, -1, 0), anchor
}

// DayStart is 00:00 UTC of now's day.
func DayStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
