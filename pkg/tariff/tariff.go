// Package tariff classifies hours of consumption into Italian time-of-use
// pricing bands (fasce).
package tariff

import (
	"fmt"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// The consumption feed reports hours in Italian local time.
var romeLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		panic(fmt.Errorf("failed to load Europe/Rome location: %w", err))
	}
	return loc
}()

// Location returns the local time zone all feed dates are interpreted in.
func Location() *time.Location {
	return romeLocation
}

// fixedHolidays lists the Italian national holidays with fixed dates as
// (month, day) pairs.
var fixedHolidays = [][2]int{
	{1, 1},   // Capodanno
	{1, 6},   // Epifania
	{4, 25},  // Festa della Liberazione
	{5, 1},   // Festa dei Lavoratori
	{6, 2},   // Festa della Repubblica
	{8, 15},  // Ferragosto
	{11, 1},  // Ognissanti
	{12, 8},  // Immacolata Concezione
	{12, 25}, // Natale
	{12, 26}, // Santo Stefano
}

// EasterSunday computes Easter Sunday for a year using the Anonymous
// Gregorian (computus) algorithm.
func EasterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// IsHoliday reports whether the date is an Italian national holiday. Easter
// Monday is the only floating holiday that can land on a weekday.
func IsHoliday(date time.Time) bool {
	for _, h := range fixedHolidays {
		if int(date.Month()) == h[0] && date.Day() == h[1] {
			return true
		}
	}
	easterMonday := EasterSunday(date.Year()).AddDate(0, 0, 1)
	return date.Month() == easterMonday.Month() && date.Day() == easterMonday.Day()
}

// BandFor returns the tariff band for an hour of a date. The hour index is
// 1-24 where hour h covers [h-1, h) local time. Indexes outside that range
// are clamped into it so the classifier never fails.
func BandFor(date time.Time, hourIndex int) types.Band {
	if hourIndex < 1 {
		hourIndex = 1
	} else if hourIndex > 24 {
		hourIndex = 24
	}
	// hour-of-day at the start of the interval
	hour := hourIndex - 1

	// Sundays and national holidays are F3 all day
	if date.Weekday() == time.Sunday || IsHoliday(date) {
		return types.BandF3
	}

	if date.Weekday() == time.Saturday {
		if hour >= 7 && hour < 23 {
			return types.BandF2
		}
		return types.BandF3
	}

	switch {
	case hour >= 8 && hour < 19:
		return types.BandF1
	case hour == 7 || (hour >= 19 && hour < 23):
		return types.BandF2
	default:
		return types.BandF3
	}
}

// BandForTariff is BandFor for a configured tariff type: flat-rate
// (monoraria) deployments collapse every hour into the single flat band.
func BandForTariff(tariffType string, date time.Time, hourIndex int) types.Band {
	if tariffType == types.TariffMonoraria {
		return types.BandFlat
	}
	return BandFor(date, hourIndex)
}
