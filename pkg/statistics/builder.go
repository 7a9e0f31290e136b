// Package statistics converts band-labeled hourly consumption into
// append-only cumulative series persisted in the statistics store.
package statistics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/storage"
	"github.com/fasciatrack/fasciatrack/pkg/tariff"
	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// Builder extends cumulative statistic series. All writes to a series go
// through a Builder; nothing else mutates them.
type Builder struct {
	db storage.Database
}

// NewBuilder creates a Builder on top of the statistics store.
func NewBuilder(db storage.Database) *Builder {
	return &Builder{db: db}
}

// BatchResult summarizes one Extend call.
type BatchResult struct {
	// Points counts the emitted points per series kind.
	Points map[types.SeriesKind]int
	// TotalKWH is the energy added to the total series by this batch.
	TotalKWH float64
	// DailyTotals maps each processed date to its daily kWh total. Used by
	// the historical import to derive pricing after the first pass.
	DailyTotals map[string]float64
}

// Extend processes a batch of consumption days into every affected series
// and writes the new points. Days are processed in ascending date order
// regardless of input order, because each point's cumulative sum builds on
// the previous one.
//
// In incremental mode the running sum of every series is read from the
// store once before the batch. In rebuild mode all sums restart at zero:
// the store upserts by timestamp, so a full-range rebuild overwrites prior
// points without duplicating them.
//
// Nothing is written until the whole batch is computed, so a canceled
// context never leaves a partial batch behind.
func (b *Builder) Extend(
	ctx context.Context,
	pod string,
	days []types.ConsumptionDay,
	table *types.PriceTable,
	tariffType string,
	rebuild bool,
) (BatchResult, error) {
	res := BatchResult{
		Points:      make(map[types.SeriesKind]int),
		DailyTotals: make(map[string]float64),
	}
	if len(days) == 0 {
		return res, nil
	}

	sorted := make([]types.ConsumptionDay, len(days))
	copy(sorted, days)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	multioraria := tariffType != types.TariffMonoraria
	kinds := []types.SeriesKind{types.SeriesTotal}
	if multioraria {
		kinds = append(kinds, types.SeriesF1, types.SeriesF2, types.SeriesF3)
	}
	if table.HasPricing() {
		kinds = append(kinds, types.SeriesCost)
	}

	// read every running sum once, before any point is computed
	sums := make(map[types.SeriesKind]float64, len(kinds))
	for _, kind := range kinds {
		if rebuild {
			sums[kind] = 0
			continue
		}
		last, err := b.db.LastPoint(ctx, pod, kind)
		if err != nil {
			return res, fmt.Errorf("failed to read last point of %s/%s: %w", pod, kind, err)
		}
		if last != nil {
			sums[kind] = last.Sum
		}
	}

	points := make(map[types.SeriesKind][]types.StatisticPoint, len(kinds))

	for _, day := range sorted {
		date, err := day.Day(tariff.Location())
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping day with unparseable date",
				slog.String("pod", pod), slog.String("date", day.Date))
			continue
		}
		dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, tariff.Location())

		for hour := 1; hour <= 24; hour++ {
			value, ok := day.HourValue(hour)
			if !ok {
				continue
			}
			start := dayStart.Add(time.Duration(hour-1) * time.Hour)
			res.DailyTotals[day.Date] += value

			sums[types.SeriesTotal] += value
			points[types.SeriesTotal] = append(points[types.SeriesTotal], types.StatisticPoint{
				Start: start,
				Value: value,
				Sum:   sums[types.SeriesTotal],
			})
			res.TotalKWH += value

			band := tariff.BandForTariff(tariffType, date, hour)
			if multioraria {
				if kind, ok := types.SeriesForBand(band); ok {
					sums[kind] += value
					points[kind] = append(points[kind], types.StatisticPoint{
						Start: start,
						Value: value,
						Sum:   sums[kind],
					})
				}
			}

			// hours with no resolvable price contribute nothing to the
			// cost series; the gap is expected
			if price, ok := table.PriceFor(date, band); ok {
				cost := value * price
				sums[types.SeriesCost] += cost
				points[types.SeriesCost] = append(points[types.SeriesCost], types.StatisticPoint{
					Start: start,
					Value: cost,
					Sum:   sums[types.SeriesCost],
				})
			}
		}
	}

	// a canceled poll must not apply a partially computed batch
	if err := ctx.Err(); err != nil {
		return BatchResult{Points: map[types.SeriesKind]int{}, DailyTotals: map[string]float64{}}, err
	}

	for _, kind := range kinds {
		batch := points[kind]
		if len(batch) == 0 {
			continue
		}
		if err := b.db.WritePoints(ctx, pod, kind, MetaFor(pod, kind), batch); err != nil {
			return res, fmt.Errorf("failed to write %s/%s points: %w", pod, kind, err)
		}
		res.Points[kind] = len(batch)
	}

	log.Ctx(ctx).InfoContext(ctx, "extended statistic series",
		slog.String("pod", pod),
		slog.Int("days", len(sorted)),
		slog.Int("totalPoints", res.Points[types.SeriesTotal]),
		slog.Float64("totalKWH", res.TotalKWH),
		slog.Bool("rebuild", rebuild))
	return res, nil
}

// MetaFor returns the display metadata for a series.
func MetaFor(pod string, kind types.SeriesKind) types.SeriesMeta {
	switch kind {
	case types.SeriesF1:
		return types.SeriesMeta{Name: pod + " F1 (Peak)", Unit: types.UnitKWH}
	case types.SeriesF2:
		return types.SeriesMeta{Name: pod + " F2 (Mid-peak)", Unit: types.UnitKWH}
	case types.SeriesF3:
		return types.SeriesMeta{Name: pod + " F3 (Off-peak)", Unit: types.UnitKWH}
	case types.SeriesCost:
		return types.SeriesMeta{Name: pod + " Cost", Unit: types.UnitEuro}
	default:
		return types.SeriesMeta{Name: pod + " Consumption", Unit: types.UnitKWH}
	}
}
