package importer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fasciatrack/fasciatrack/pkg/eon"
	"github.com/fasciatrack/fasciatrack/pkg/storage/storagemock"
	"github.com/fasciatrack/fasciatrack/pkg/types"
)

const testPOD = "IT001E000000001"

func testOrchestrator(source eon.Source, db *storagemock.MockDatabase) *Orchestrator {
	return New(source, db, types.Settings{
		PODs:       []string{testPOD},
		TariffType: types.TariffMultioraria,
	})
}

func permissiveDB() *storagemock.MockDatabase {
	db := new(storagemock.MockDatabase)
	db.On("LastPoint", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	db.On("WritePoints", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	db.On("SetTokens", mock.Anything, mock.Anything).Return(nil)
	return db
}

func noTokenUpdate(source *eon.MockSource) {
	source.On("TokenUpdate").Return(types.TokenPair{}, false)
}

func recentDay(daysAgo int, kwh float64) types.ConsumptionDay {
	date := time.Now().AddDate(0, 0, -daysAgo).Format(types.DateLayout)
	d := types.ConsumptionDay{Date: date, POD: testPOD, Source: "eon"}
	d.Hours[9] = kwh
	return d
}

func dayOn(date string, values map[int]float64) types.ConsumptionDay {
	d := types.ConsumptionDay{Date: date, POD: testPOD, Source: "eon"}
	for h, v := range values {
		d.Hours[h-1] = v
	}
	return d
}

func TestIncrementalTickImportsNewDays(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)

	// Tuesday and Wednesday; the Wednesday hours touch all three bands
	days := []types.ConsumptionDay{
		dayOn("2025-06-03", map[int]float64{10: 1.5}),
		dayOn("2025-06-04", map[int]float64{2: 0.5, 10: 2, 22: 1}),
	}
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).Return(days, nil)

	o := testOrchestrator(source, db)
	require.NoError(t, o.IncrementalTick(context.Background()))

	writes := 0
	for _, call := range db.Calls {
		if call.Method == "WritePoints" {
			writes++
		}
	}
	// total + three band series, no pricing so no cost series
	assert.Equal(t, 4, writes)
	assert.True(t, o.Available())

	latest, ok := o.LatestDay(testPOD)
	require.True(t, ok)
	assert.Equal(t, "2025-06-04", latest.Date)
	assert.InDelta(t, 3.5, latest.DailyTotal, 1e-9)
	assert.Equal(t, 22, latest.LastHour)
	assert.Equal(t, "eon", latest.Source)

	// a second tick over the same days writes nothing new
	require.NoError(t, o.IncrementalTick(context.Background()))
	writesAfter := 0
	for _, call := range db.Calls {
		if call.Method == "WritePoints" {
			writesAfter++
		}
	}
	assert.Equal(t, writes, writesAfter)
}

func TestIncrementalTickAdvancesMarkerWithoutNewDays(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)

	days := []types.ConsumptionDay{dayOn("2025-06-03", map[int]float64{10: 1})}
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).Return(days, nil)

	o := testOrchestrator(source, db)
	o.pods[testPOD].lastDate = "2025-06-03"

	require.NoError(t, o.IncrementalTick(context.Background()))
	db.AssertNotCalled(t, "WritePoints", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, "2025-06-03", o.pods[testPOD].lastDate)
}

func TestIncrementalTickEmptyWindow(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).Return([]types.ConsumptionDay{}, nil)

	o := testOrchestrator(source, db)
	require.NoError(t, o.IncrementalTick(context.Background()))
	db.AssertNotCalled(t, "WritePoints", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	_, ok := o.LatestDay(testPOD)
	assert.False(t, ok)
}

func TestIncrementalTickAuthError(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).
		Return(nil, &eon.AuthError{Err: fmt.Errorf("rejected")}).Once()
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).
		Return([]types.ConsumptionDay{recentDay(2, 1)}, nil)

	o := testOrchestrator(source, db)
	require.Error(t, o.IncrementalTick(context.Background()))
	assert.False(t, o.Available())

	// the next successful fetch clears the flag
	require.NoError(t, o.IncrementalTick(context.Background()))
	assert.True(t, o.Available())
}

func TestIncrementalTickDuringHistoricalIsDisplayOnly(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).
		Return([]types.ConsumptionDay{recentDay(2, 3)}, nil)

	o := testOrchestrator(source, db)
	o.state = stateHistorical

	require.NoError(t, o.IncrementalTick(context.Background()))
	db.AssertNotCalled(t, "WritePoints", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	latest, ok := o.LatestDay(testPOD)
	require.True(t, ok)
	assert.InDelta(t, 3, latest.DailyTotal, 1e-9)
	assert.Equal(t, stateHistorical, o.state)
}

func TestRunHistoricalBusy(t *testing.T) {
	o := testOrchestrator(new(eon.MockSource), permissiveDB())
	o.state = stateIncremental
	err := o.RunHistorical(context.Background(), 30)
	require.ErrorIs(t, err, ErrBusy)
}

func TestRunHistoricalTwoPasses(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)

	days := []types.ConsumptionDay{recentDay(5, 10), recentDay(4, 10)}
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).Return(days, nil)

	issued := time.Now().AddDate(0, 1, 0)
	invoices := []types.Invoice{{
		Number: "F-1",
		Issued: issued,
		Amount: 5,
		Supplies: []types.InvoiceSupply{
			{PODCode: testPOD, Amount: 5},
		},
	}}
	source.On("FetchInvoices", mock.Anything, mock.Anything, mock.Anything).Return(invoices, nil)
	// no official monthly data, the observed totals from pass one are used
	source.On("FetchMonthly", mock.Anything, testPOD, mock.Anything, mock.Anything).
		Return(map[types.MonthKey]float64{}, nil)
	source.On("FetchWallet", mock.Anything, "F-1", mock.Anything).
		Return(types.WalletBreakdown{}, fmt.Errorf("wallet unavailable"))

	o := testOrchestrator(source, db)
	require.NoError(t, o.RunHistorical(context.Background(), 10))

	// the observed 20 kWh let the monthly invoice price through
	require.NotNil(t, o.pods[testPOD].table)
	assert.True(t, o.pods[testPOD].table.HasPricing())

	costWrites := 0
	for _, call := range db.Calls {
		if call.Method == "WritePoints" && call.Arguments[2] == types.SeriesCost {
			costWrites++
		}
	}
	assert.Equal(t, 1, costWrites)

	// the marker lands on the data-delay cutoff
	cutoff := time.Now().AddDate(0, 0, -2).Format(types.DateLayout)
	assert.Equal(t, cutoff, o.pods[testPOD].lastDate)
	assert.Equal(t, stateIdle, o.state)
}

func TestRunHistoricalReleasesOnFailure(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("api down"))

	o := testOrchestrator(source, db)
	require.Error(t, o.RunHistorical(context.Background(), 30))
	assert.Equal(t, stateIdle, o.state)
	cutoff := time.Now().AddDate(0, 0, -2).Format(types.DateLayout)
	assert.Equal(t, cutoff, o.pods[testPOD].lastDate)
}

func TestRefreshPricingCachesInvoices(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	noTokenUpdate(source)

	invoices := []types.Invoice{
		{
			Number:   "F-1",
			Issued:   time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC),
			Residual: 12.5,
			Supplies: []types.InvoiceSupply{{PODCode: testPOD, Amount: 62.5}},
		},
		{
			Number:   "F-2",
			Issued:   time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
			Supplies: []types.InvoiceSupply{{PODCode: testPOD, Amount: 50}},
		},
	}
	source.On("FetchInvoices", mock.Anything, mock.Anything, mock.Anything).Return(invoices, nil)
	source.On("FetchMonthly", mock.Anything, testPOD, mock.Anything, mock.Anything).
		Return(map[types.MonthKey]float64{
			{Year: 2025, Month: time.April}: 250,
			{Year: 2025, Month: time.May}:   200,
		}, nil)
	source.On("FetchWallet", mock.Anything, mock.Anything, mock.Anything).
		Return(types.WalletBreakdown{}, fmt.Errorf("wallet unavailable"))

	o := testOrchestrator(source, db)
	require.NoError(t, o.RefreshPricing(context.Background()))

	table := o.pods[testPOD].table
	require.NotNil(t, table)
	price, ok := table.PriceFor(time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC), types.BandF1)
	require.True(t, ok)
	assert.InDelta(t, 0.25, price, 1e-9)

	sum, ok := o.Invoices(testPOD)
	require.True(t, ok)
	assert.Equal(t, "F-2", sum.LatestNumber)
	assert.InDelta(t, 50, sum.LatestAmount, 1e-9)
	assert.InDelta(t, 12.5, sum.UnpaidTotal, 1e-9)
	assert.InDelta(t, 112.5, sum.TotalInvoiced, 1e-9)
}

func TestPersistRefreshedTokens(t *testing.T) {
	db := permissiveDB()
	source := new(eon.MockSource)
	pair := types.TokenPair{AccessToken: "a2", RefreshToken: "r2"}
	source.On("TokenUpdate").Return(pair, true)
	source.On("FetchHourly", mock.Anything, testPOD, mock.Anything, mock.Anything).
		Return([]types.ConsumptionDay{}, nil)

	o := testOrchestrator(source, db)
	require.NoError(t, o.IncrementalTick(context.Background()))
	db.AssertCalled(t, "SetTokens", mock.Anything, pair)
}

func TestInitSeedsStoredTokens(t *testing.T) {
	db := new(storagemock.MockDatabase)
	pair := types.TokenPair{AccessToken: "stored", RefreshToken: "storedr"}
	db.On("GetTokens", mock.Anything).Return(pair, nil)

	source := new(eon.MockSource)
	source.On("SetTokens", pair).Return()

	o := testOrchestrator(source, db)
	require.NoError(t, o.Init(context.Background()))
	source.AssertCalled(t, "SetTokens", pair)
}

func TestInitWithoutStoredTokens(t *testing.T) {
	db := new(storagemock.MockDatabase)
	db.On("GetTokens", mock.Anything).Return(types.TokenPair{}, nil)

	source := new(eon.MockSource)
	o := testOrchestrator(source, db)
	require.NoError(t, o.Init(context.Background()))
	source.AssertNotCalled(t, "SetTokens", mock.Anything)
}
