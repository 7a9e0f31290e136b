package types

import (
	"math"
	"time"
)

const (
	// TariffMultioraria is the time-banded tariff structure (F1/F2/F3).
	TariffMultioraria = "multioraria"
	// TariffMonoraria is the flat-rate tariff structure (single band).
	TariffMonoraria = "monoraria"

	// DateLayout is the calendar-date format used by the consumption feed.
	DateLayout = "2006-01-02"
)

// Band is a time-of-use pricing band under the Italian multi-rate tariff.
type Band string

const (
	BandF1 Band = "F1" // peak: Mon-Fri 08-19
	BandF2 Band = "F2" // mid-peak: Mon-Fri 07-08 and 19-23, Sat 07-23
	BandF3 Band = "F3" // off-peak: nights, Sundays, holidays

	// BandFlat is the implicit single band for flat-rate (monoraria) tariffs.
	// The upstream wallet API reports it as F0.
	BandFlat Band = "F0"
)

// ConsumptionDay holds up to 24 hourly energy values for a calendar date.
// Hour index 1 covers 00:00-01:00 local time, hour 24 covers 23:00-00:00.
type ConsumptionDay struct {
	// Date is the calendar date in DateLayout format, as tagged by the feed.
	Date string `json:"date"`
	POD  string `json:"pod,omitempty"`
	// Source is the meter data source tag reported by the feed, if any.
	Source string `json:"source,omitempty"`

	// Hours holds the kWh value for hour index i at Hours[i-1]. Zero,
	// negative and NaN entries mean the hour is absent.
	Hours [24]float64 `json:"hours"`
}

// HourValue returns the kWh value for an hour index in [1,24] and whether
// the hour holds a usable (positive, finite) value.
func (d ConsumptionDay) HourValue(hour int) (float64, bool) {
	if hour < 1 || hour > 24 {
		return 0, false
	}
	v := d.Hours[hour-1]
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Day parses the calendar date tag in the given location.
func (d ConsumptionDay) Day(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, d.Date, loc)
}

// Total returns the sum of all usable hourly values.
func (d ConsumptionDay) Total() float64 {
	var total float64
	for h := 1; h <= 24; h++ {
		if v, ok := d.HourValue(h); ok {
			total += v
		}
	}
	return total
}

// SeriesKind identifies one of the cumulative statistic series kept per POD.
type SeriesKind string

const (
	SeriesTotal SeriesKind = "consumption"
	SeriesF1    SeriesKind = "consumption_f1"
	SeriesF2    SeriesKind = "consumption_f2"
	SeriesF3    SeriesKind = "consumption_f3"
	SeriesCost  SeriesKind = "cost"
)

// SeriesForBand maps a tariff band to its consumption series kind.
func SeriesForBand(b Band) (SeriesKind, bool) {
	switch b {
	case BandF1:
		return SeriesF1, true
	case BandF2:
		return SeriesF2, true
	case BandF3:
		return SeriesF3, true
	}
	return "", false
}

// SeriesKey uniquely identifies a statistic series.
type SeriesKey struct {
	POD  string     `json:"pod"`
	Kind SeriesKind `json:"kind"`
}

const (
	UnitKWH  = "kWh"
	UnitEuro = "EUR"
)

// SeriesMeta is the display metadata supplied once per statistics write.
type SeriesMeta struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// StatisticPoint is a single entry in an append-only cumulative series.
// Sum must equal the previous point's Sum plus Value.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	Value float64   `json:"value"`
	Sum   float64   `json:"sum"`
}

// MonthKey identifies a calendar month.
type MonthKey struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// MonthOf returns the MonthKey containing t.
func MonthOf(t time.Time) MonthKey {
	return MonthKey{Year: t.Year(), Month: t.Month()}
}

// Prev returns the immediately preceding calendar month, rolling the year
// back across January.
func (m MonthKey) Prev() MonthKey {
	if m.Month == time.January {
		return MonthKey{Year: m.Year - 1, Month: time.December}
	}
	return MonthKey{Year: m.Year, Month: m.Month - 1}
}

// WalletBreakdown is the per-invoice cost breakdown from the energy wallet
// API: per-band unit energy prices, the sum of fixed (non-consumption)
// charges and the total billed energy.
type WalletBreakdown struct {
	BandPrices map[Band]float64 `json:"bandPrices"`
	FixedCosts float64          `json:"fixedCosts"`
	TotalKWH   float64          `json:"totalKWH"`
}

// PriceTable holds every derived EUR/kWh rate for a POD. It is rebuilt
// whenever new invoice or wallet data arrives and is read-only afterwards.
type PriceTable struct {
	// Monthly maps an invoiced month to its derived EUR/kWh rate.
	Monthly map[MonthKey]float64 `json:"monthly,omitempty"`
	// PerBand holds all-in EUR/kWh rates per band from wallet breakdowns.
	PerBand map[Band]float64 `json:"perBand,omitempty"`
	// EffectiveRate is the 30/25/45 weighted blend across bands. It is
	// informational only and must never replace banded pricing.
	EffectiveRate float64 `json:"effectiveRate,omitempty"`
	// FallbackRate is the last-resort flat rate (total invoiced divided by
	// total known consumption).
	FallbackRate float64 `json:"fallbackRate,omitempty"`
}

// PriceFor resolves the EUR/kWh rate for an hour on the given date in the
// given band. Resolution order: invoiced month, band rate, fallback rate.
// Returns false when no price is resolvable.
func (t *PriceTable) PriceFor(date time.Time, band Band) (float64, bool) {
	if t == nil {
		return 0, false
	}
	if p, ok := t.Monthly[MonthOf(date)]; ok && p > 0 {
		return p, true
	}
	if p, ok := t.PerBand[band]; ok && p > 0 {
		return p, true
	}
	// a flat-rate table prices every band
	if p, ok := t.PerBand[BandFlat]; ok && p > 0 {
		return p, true
	}
	if t.FallbackRate > 0 {
		return t.FallbackRate, true
	}
	return 0, false
}

// HasPricing reports whether any rate at all can be resolved.
func (t *PriceTable) HasPricing() bool {
	if t == nil {
		return false
	}
	return len(t.Monthly) > 0 || len(t.PerBand) > 0 || t.FallbackRate > 0
}

// TokenPair is a set of OAuth credentials for the upstream API. Refreshed
// pairs are returned by the client and persisted by the caller.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
