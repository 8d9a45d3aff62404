package catalog

import (
	"fmt"
	"strings"
	"time"
)

// nextMonthlyExpiry is the last Thursday of the current month, rolled
// to the next month when now is within rolloverDays of it or past it.
func nextMonthlyExpiry(now time.Time, rolloverDays int) time.Time {
	expiry := lastThursday(now.Year(), now.Month())
	if !now.Before(expiry.AddDate(0, 0, -rolloverDays)) {
		next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.Local)
		expiry = lastThursday(next.Year(), next.Month())
	}
	return expiry
}

func lastThursday(year int, month time.Month) time.Time {
	// Day 0 of the next month normalizes to this month's last day.
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.Local)
	back := (int(last.Weekday()) + 7 - int(time.Thursday)) % 7
	return last.AddDate(0, 0, -back)
}

// futureSymbol renders the canonical monthly contract symbol,
// e.g. NIFTY25AUGFUT.
func futureSymbol(underlying string, expiry time.Time) string {
	month := strings.ToUpper(expiry.Month().String()[:3])
	return fmt.Sprintf("%s%02d%s%s", underlying, expiry.Year()%100, month, "FUT")
}
