package markethours

import "time"

// NSE trading holidays for calendar year 2026, keyed by IST date. Entries
// marked tentative track lunar-calendar festivals and may shift when the
// exchange publishes the final circular; refresh the table yearly.
var nseHolidays = map[string]string{
	"2026-01-26": "Republic Day",
	"2026-02-17": "Mahashivratri (tentative)",
	"2026-03-14": "Holi",
	"2026-03-31": "Id-ul-Fitr (tentative)",
	"2026-04-02": "Ram Navami (tentative)",
	"2026-04-06": "Mahavir Jayanti",
	"2026-04-10": "Good Friday",
	"2026-04-14": "Dr. Ambedkar Jayanti",
	"2026-05-01": "Maharashtra Day",
	"2026-06-07": "Bakrid / Eid ul-Adha (tentative)",
	"2026-07-06": "Muharram (tentative)",
	"2026-08-15": "Independence Day",
	"2026-08-16": "Janmashtami (tentative)",
	"2026-09-05": "Milad-un-Nabi (tentative)",
	"2026-10-02": "Mahatma Gandhi Jayanti",
	"2026-10-20": "Dussehra",
	"2026-10-21": "Dussehra (tentative)",
	"2026-11-05": "Diwali / Lakshmi Puja (tentative)",
	"2026-11-06": "Diwali Balipratipada (tentative)",
	"2026-11-07": "Bhai Dooj (tentative)",
	"2026-11-19": "Guru Nanak Jayanti",
	"2026-12-25": "Christmas",
}

// IsHoliday reports whether the IST date of t is an NSE trading holiday.
// Dates outside the covered year are trading days as far as this table
// knows.
func IsHoliday(t time.Time) bool {
	_, ok := nseHolidays[t.In(IST).Format("2006-01-02")]
	return ok
}

// HolidayName returns the exchange holiday falling on the IST date of t,
// empty on a trading day.
func HolidayName(t time.Time) string {
	return nseHolidays[t.In(IST).Format("2006-01-02")]
}
