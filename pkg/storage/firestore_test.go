package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	// Check if emulator is running or configured
	// We assume it is running on localhost:8087 as per task
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")

	// Use a test project ID
	projectID := "test-project-id"

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: projectID,
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	pod := "IT001E000000001"
	day := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("EmptySeries", func(t *testing.T) {
		p, err := f.LastPoint(ctx, pod, types.SeriesTotal)
		require.NoError(t, err)
		assert.Nil(t, p)

		points, err := f.GetPoints(ctx, pod, types.SeriesTotal, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Empty(t, points)
	})

	t.Run("EmptyPOD", func(t *testing.T) {
		_, err := f.LastPoint(ctx, "", types.SeriesTotal)
		assert.ErrorContains(t, err, "pod cannot be empty")
	})

	t.Run("WriteAndGetPoints", func(t *testing.T) {
		meta := types.SeriesMeta{Name: pod + " Consumption", Unit: types.UnitKWH}
		points := []types.StatisticPoint{
			{Start: day.Add(8 * time.Hour), Value: 1.5, Sum: 1.5},
			{Start: day.Add(9 * time.Hour), Value: 2, Sum: 3.5},
			{Start: day.Add(10 * time.Hour), Value: 0.5, Sum: 4},
		}
		require.NoError(t, f.WritePoints(ctx, pod, types.SeriesTotal, meta, points))

		got, err := f.GetPoints(ctx, pod, types.SeriesTotal, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].Start.Equal(day.Add(8*time.Hour)))
		assert.InDelta(t, 4, got[2].Sum, 1e-9)

		// the range end is exclusive
		got, err = f.GetPoints(ctx, pod, types.SeriesTotal, day, day.Add(10*time.Hour))
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("LastPoint", func(t *testing.T) {
		p, err := f.LastPoint(ctx, pod, types.SeriesTotal)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.True(t, p.Start.Equal(day.Add(10*time.Hour)))
		assert.InDelta(t, 4, p.Sum, 1e-9)
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		meta := types.SeriesMeta{Name: pod + " Consumption", Unit: types.UnitKWH}
		// same start timestamp, corrected value
		points := []types.StatisticPoint{
			{Start: day.Add(10 * time.Hour), Value: 0.7, Sum: 4.2},
		}
		require.NoError(t, f.WritePoints(ctx, pod, types.SeriesTotal, meta, points))

		got, err := f.GetPoints(ctx, pod, types.SeriesTotal, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.InDelta(t, 0.7, got[2].Value, 1e-9)
		assert.InDelta(t, 4.2, got[2].Sum, 1e-9)
	})

	t.Run("SeriesAreIsolated", func(t *testing.T) {
		meta := types.SeriesMeta{Name: pod + " Cost", Unit: types.UnitEuro}
		points := []types.StatisticPoint{
			{Start: day.Add(8 * time.Hour), Value: 0.3, Sum: 0.3},
		}
		require.NoError(t, f.WritePoints(ctx, pod, types.SeriesCost, meta, points))

		got, err := f.GetPoints(ctx, pod, types.SeriesCost, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Len(t, got, 1)

		got, err = f.GetPoints(ctx, pod, types.SeriesTotal, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("MissingPointStart", func(t *testing.T) {
		meta := types.SeriesMeta{Name: pod + " Consumption", Unit: types.UnitKWH}
		err := f.WritePoints(ctx, pod, types.SeriesTotal, meta, []types.StatisticPoint{{Value: 1}})
		assert.ErrorContains(t, err, "missing start time")
	})

	t.Run("Tokens", func(t *testing.T) {
		// no tokens stored yet
		pair, err := f.GetTokens(ctx)
		require.NoError(t, err)
		assert.Empty(t, pair.AccessToken)

		want := types.TokenPair{AccessToken: "access1", RefreshToken: "refresh1"}
		require.NoError(t, f.SetTokens(ctx, want))

		pair, err = f.GetTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, pair)

		// rotation overwrites in place
		rotated := types.TokenPair{AccessToken: "access2", RefreshToken: "refresh2"}
		require.NoError(t, f.SetTokens(ctx, rotated))

		pair, err = f.GetTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, rotated, pair)
	})
}
