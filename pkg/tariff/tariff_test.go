package tariff

import (
	"testing"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, Location())
}

func TestEasterSunday(t *testing.T) {
	assert.Equal(t, time.March, EasterSunday(2024).Month())
	assert.Equal(t, 31, EasterSunday(2024).Day())
	assert.Equal(t, time.April, EasterSunday(2025).Month())
	assert.Equal(t, 20, EasterSunday(2025).Day())
	assert.Equal(t, time.April, EasterSunday(2026).Month())
	assert.Equal(t, 5, EasterSunday(2026).Day())
}

func TestWeekdayBandBoundaries(t *testing.T) {
	// Wednesday, not a holiday
	wed := date(2025, time.January, 15)
	require.Equal(t, time.Wednesday, wed.Weekday())

	// hour index h covers local hour h-1
	cases := map[int]types.Band{
		1:  types.BandF3, // 00:00
		7:  types.BandF3, // 06:00
		8:  types.BandF2, // 07:00
		9:  types.BandF1, // 08:00
		19: types.BandF1, // 18:00
		20: types.BandF2, // 19:00
		23: types.BandF2, // 22:00
		24: types.BandF3, // 23:00
	}
	for hour, want := range cases {
		assert.Equal(t, want, BandFor(wed, hour), "hour index %d", hour)
	}
}

func TestSaturdayBandBoundaries(t *testing.T) {
	sat := date(2025, time.January, 18)
	require.Equal(t, time.Saturday, sat.Weekday())

	cases := map[int]types.Band{
		7:  types.BandF3, // 06:00
		8:  types.BandF2, // 07:00
		23: types.BandF2, // 22:00
		24: types.BandF3, // 23:00
	}
	for hour, want := range cases {
		assert.Equal(t, want, BandFor(sat, hour), "hour index %d", hour)
	}
	// no F1 at any hour on Saturday
	for hour := 1; hour <= 24; hour++ {
		assert.NotEqual(t, types.BandF1, BandFor(sat, hour))
	}
}

func TestSundayAlwaysF3(t *testing.T) {
	sun := date(2025, time.January, 19)
	require.Equal(t, time.Sunday, sun.Weekday())
	for hour := 1; hour <= 24; hour++ {
		assert.Equal(t, types.BandF3, BandFor(sun, hour))
	}
}

func TestFixedHolidaysAlwaysF3(t *testing.T) {
	// 2025-01-01 is a Wednesday, 2025-12-25 is a Thursday
	for _, d := range []time.Time{
		date(2025, time.January, 1),
		date(2025, time.December, 25),
		date(2025, time.April, 25),
		date(2025, time.August, 15),
	} {
		for hour := 1; hour <= 24; hour++ {
			assert.Equal(t, types.BandF3, BandFor(d, hour), "%s hour %d", d.Format(types.DateLayout), hour)
		}
	}
}

func TestEasterMondayF3(t *testing.T) {
	// Easter Monday 2025 is April 21, a weekday
	em := date(2025, time.April, 21)
	require.Equal(t, time.Monday, em.Weekday())
	assert.True(t, IsHoliday(em))
	for hour := 1; hour <= 24; hour++ {
		assert.Equal(t, types.BandF3, BandFor(em, hour))
	}

	// Easter Monday 2024 is April 1
	assert.True(t, IsHoliday(date(2024, time.April, 1)))
	assert.False(t, IsHoliday(date(2024, time.April, 3)))
}

func TestWeekdayBandCounts(t *testing.T) {
	// over a full non-holiday weekday: 11 F1 hours, 5 F2, 8 F3
	wed := date(2025, time.January, 15)
	counts := map[types.Band]int{}
	for hour := 1; hour <= 24; hour++ {
		counts[BandFor(wed, hour)]++
	}
	assert.Equal(t, 11, counts[types.BandF1])
	assert.Equal(t, 5, counts[types.BandF2])
	assert.Equal(t, 8, counts[types.BandF3])
}

func TestBandForTariff(t *testing.T) {
	wed := date(2025, time.January, 15)
	assert.Equal(t, types.BandFlat, BandForTariff(types.TariffMonoraria, wed, 12))
	assert.Equal(t, types.BandF1, BandForTariff(types.TariffMultioraria, wed, 12))
	// empty tariff type defaults to multioraria
	assert.Equal(t, types.BandF1, BandForTariff("", wed, 12))
}

func TestBandForClampsHourIndex(t *testing.T) {
	wed := date(2025, time.January, 15)
	assert.Equal(t, BandFor(wed, 1), BandFor(wed, 0))
	assert.Equal(t, BandFor(wed, 24), BandFor(wed, 25))
}
