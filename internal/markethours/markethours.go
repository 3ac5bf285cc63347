// Package markethours models NSE trading sessions in IST. Crypto
// instruments trade around the clock and bypass the session gate.
package markethours

import (
	"fmt"
	"time"

	"tradecore/internal/model"
)

// IST is the Indian Standard Time location (UTC+5:30). Canonical storage
// timezone for every timestamp in the system.
var IST = time.FixedZone("IST", 5*3600+30*60)

// NSE cash/derivatives session in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM IST, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if IsHoliday(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsOpenFor applies the session gate per instrument kind: spot crypto has
// no session, everything else follows NSE hours.
func IsOpenFor(kind model.InstrumentKind, t time.Time) bool {
	if kind == model.KindSpot {
		return true
	}
	return IsMarketOpen(t)
}

// IsTradingDay returns true if t is a weekday and not an NSE holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(ist)
}

// NextOpen returns the next market open (9:15 AM IST on the next trading
// day, or today's open if still ahead).
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // holidays + weekends never exceed this
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// StatusString returns a human-readable market status for logs and health
// payloads.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		d := TodayClose(t).Sub(t.In(IST))
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(d))
	}
	next := NextOpen(t)
	d := next.Sub(t)
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(d))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
