package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHourValue(t *testing.T) {
	var d ConsumptionDay
	d.Hours[0] = 1.5
	d.Hours[23] = 0.25
	d.Hours[5] = -1
	d.Hours[6] = math.NaN()

	v, ok := d.HourValue(1)
	require.True(t, ok)
	assert.InDelta(t, 1.5, v, 1e-9)

	v, ok = d.HourValue(24)
	require.True(t, ok)
	assert.InDelta(t, 0.25, v, 1e-9)

	// zero, negative and NaN hours are absent
	_, ok = d.HourValue(2)
	assert.False(t, ok)
	_, ok = d.HourValue(6)
	assert.False(t, ok)
	_, ok = d.HourValue(7)
	assert.False(t, ok)

	// out of range indexes
	_, ok = d.HourValue(0)
	assert.False(t, ok)
	_, ok = d.HourValue(25)
	assert.False(t, ok)

	assert.InDelta(t, 1.75, d.Total(), 1e-9)
}

func TestMonthKeyPrev(t *testing.T) {
	assert.Equal(t, MonthKey{Year: 2025, Month: time.May},
		MonthKey{Year: 2025, Month: time.June}.Prev())
	// January rolls the year back
	assert.Equal(t, MonthKey{Year: 2024, Month: time.December},
		MonthKey{Year: 2025, Month: time.January}.Prev())
}

func TestPriceForResolution(t *testing.T) {
	date := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	table := &PriceTable{
		Monthly:      map[MonthKey]float64{{Year: 2025, Month: time.June}: 0.30},
		PerBand:      map[Band]float64{BandF1: 0.35, BandFlat: 0.28},
		FallbackRate: 0.20,
	}

	// invoiced month wins over everything
	p, ok := table.PriceFor(date, BandF1)
	require.True(t, ok)
	assert.InDelta(t, 0.30, p, 1e-9)

	// outside known months, the band rate applies
	july := date.AddDate(0, 1, 0)
	p, ok = table.PriceFor(july, BandF1)
	require.True(t, ok)
	assert.InDelta(t, 0.35, p, 1e-9)

	// a band without its own rate falls through to the flat band
	p, ok = table.PriceFor(july, BandF2)
	require.True(t, ok)
	assert.InDelta(t, 0.28, p, 1e-9)

	// fallback is the last resort
	table.PerBand = nil
	p, ok = table.PriceFor(july, BandF2)
	require.True(t, ok)
	assert.InDelta(t, 0.20, p, 1e-9)

	table.FallbackRate = 0
	_, ok = table.PriceFor(july, BandF2)
	assert.False(t, ok)

	// nil tables never price anything
	var nilTable *PriceTable
	_, ok = nilTable.PriceFor(date, BandF1)
	assert.False(t, ok)
	assert.False(t, nilTable.HasPricing())
}

func TestInvoiceTargetMonth(t *testing.T) {
	inv := Invoice{Issued: time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)}
	// an invoice issued in June bills May
	assert.Equal(t, MonthKey{Year: 2025, Month: time.May}, inv.TargetMonth())
}

func TestInvoiceAmountForPOD(t *testing.T) {
	inv := Invoice{
		Supplies: []InvoiceSupply{
			{SupplyCode: "SUP1", PODCode: "IT001E000000001", Amount: 42.5},
			{SupplyCode: "SUP2", PODCode: "IT001E000000002", Amount: 10},
		},
	}

	amount, ok := inv.AmountForPOD("IT001E000000001")
	require.True(t, ok)
	assert.InDelta(t, 42.5, amount, 1e-9)

	// the supply code matches too
	amount, ok = inv.AmountForPOD("SUP2")
	require.True(t, ok)
	assert.InDelta(t, 10, amount, 1e-9)

	_, ok = inv.AmountForPOD("IT001E000000009")
	assert.False(t, ok)
}

func TestParseItalianDate(t *testing.T) {
	d, ok := ParseItalianDate("10/06/2025")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), d)

	_, ok = ParseItalianDate("")
	assert.False(t, ok)
	_, ok = ParseItalianDate("2025-06-10")
	assert.False(t, ok)
}

func TestSettingsValidate(t *testing.T) {
	assert.NoError(t, Settings{PODs: []string{"IT001E000000001"}}.Validate())
	assert.NoError(t, Settings{PODs: []string{"IT001E000000001"}, TariffType: TariffMonoraria}.Validate())

	assert.Error(t, Settings{}.Validate())
	assert.Error(t, Settings{PODs: []string{""}}.Validate())
	assert.Error(t, Settings{PODs: []string{"IT001E000000001"}, TariffType: "bioraria"}.Validate())
}

func TestSettingsMultioraria(t *testing.T) {
	assert.True(t, Settings{TariffType: TariffMultioraria}.Multioraria())
	// unset defaults to multioraria
	assert.True(t, Settings{}.Multioraria())
	assert.False(t, Settings{TariffType: TariffMonoraria}.Multioraria())
}
